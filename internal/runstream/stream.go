// Package runstream broadcasts a run's step transitions to subscribers,
// generalizing websocket.streamRegistry's per-request subscriber-list idiom
// from output chunks to §4.12's run event stream. Design Notes §9 calls for
// an in-memory broadcast rather than a durable log: subscribers that arrive
// after an event was published simply miss it.
package runstream

import (
	"sync"
	"time"

	"github.com/opsguard/conductor/internal/execengine"
)

// EventType distinguishes a step transition from the run's terminal signal.
const (
	EventStep = "step"
	EventDone = "done"
)

// SubscriberTimeout bounds how long a subscription is held open before it is
// force-closed, per §4.12's "subscribers time out at 5 minutes of wall-clock".
const SubscriberTimeout = 5 * time.Minute

// Event is one message delivered to a run's subscribers.
type Event struct {
	Type      string              `json:"type"`
	RunID     string              `json:"run_id"`
	Step      *execengine.RunStep `json:"step,omitempty"`
	Status    string              `json:"status,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Subscription is a live handle on a run's event stream.
type Subscription struct {
	RunID string
	Ch    chan Event

	done chan struct{}
	once sync.Once
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
}

// Hub tracks one subscriber list and terminal snapshot per run_id.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string][]*Subscription
	terminal map[string]Event
	bufSize  int
}

// NewHub builds an empty Hub. bufSize bounds each subscriber's channel;
// a full channel drops the event rather than blocking the publisher, the
// same best-effort posture events.Bus.Publish already uses fleet-wide.
func NewHub(bufSize int) *Hub {
	if bufSize < 1 {
		bufSize = 32
	}
	return &Hub{
		subs:     make(map[string][]*Subscription),
		terminal: make(map[string]Event),
		bufSize:  bufSize,
	}
}

// Subscribe opens a stream for runID. If the run already reached a terminal
// state before this call, the subscriber immediately receives that terminal
// snapshot followed by EventDone and no further events arrive — the "late
// subscribers miss prior events; they receive the current terminal state
// and done" contract. The subscription force-closes its channel after
// SubscriberTimeout regardless of run state.
func (h *Hub) Subscribe(runID string) (*Subscription, func()) {
	sub := &Subscription{
		RunID: runID,
		Ch:    make(chan Event, h.bufSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	terminal, isTerminal := h.terminal[runID]
	if !isTerminal {
		h.subs[runID] = append(h.subs[runID], sub)
	}
	h.mu.Unlock()

	cleanup := func() {
		sub.Close()
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.subs[runID]
		for i, s := range list {
			if s == sub {
				h.subs[runID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(h.subs[runID]) == 0 {
			delete(h.subs, runID)
		}
	}

	if isTerminal {
		deliver(sub, terminal)
		deliver(sub, Event{Type: EventDone, RunID: runID, Status: terminal.Status, Timestamp: terminal.Timestamp})
		return sub, cleanup
	}

	timer := time.AfterFunc(SubscriberTimeout, cleanup)
	wrappedCleanup := func() {
		timer.Stop()
		cleanup()
	}
	return sub, wrappedCleanup
}

// PublishStep broadcasts one step's current state to runID's live subscribers.
func (h *Hub) PublishStep(runID string, step execengine.RunStep) {
	evt := Event{Type: EventStep, RunID: runID, Step: &step, Status: step.Status, Timestamp: time.Now().UTC()}
	h.mu.RLock()
	subs := append([]*Subscription(nil), h.subs[runID]...)
	h.mu.RUnlock()
	for _, sub := range subs {
		deliver(sub, evt)
	}
}

// Finish broadcasts the run's terminal state plus EventDone to live
// subscribers, then records the snapshot so subscribers arriving afterward
// still get a terminal state and done rather than nothing.
func (h *Hub) Finish(run *execengine.Run) {
	if run == nil {
		return
	}
	terminal := Event{Type: EventStep, RunID: run.ID, Status: run.Status, Timestamp: time.Now().UTC()}

	h.mu.Lock()
	subs := append([]*Subscription(nil), h.subs[run.ID]...)
	h.terminal[run.ID] = terminal
	delete(h.subs, run.ID)
	h.mu.Unlock()

	done := Event{Type: EventDone, RunID: run.ID, Status: run.Status, Timestamp: terminal.Timestamp}
	for _, sub := range subs {
		deliver(sub, terminal)
		deliver(sub, done)
		sub.Close()
	}
}

// deliver is a non-blocking send: a subscriber that is closed or too slow
// simply misses the event, matching events.Bus.Publish's drop policy.
func deliver(sub *Subscription, evt Event) {
	select {
	case <-sub.done:
	case sub.Ch <- evt:
	default:
	}
}
