package runstream

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ServeSSE streams runID's events over Server-Sent Events, following the
// same keep-alive/flush idiom as server.handleEventsSSE: one initial
// comment line, then one "event: <type>\ndata: <json>\n\n" frame per Event
// until the request context is cancelled, the subscription times out, or
// EventDone is delivered.
func ServeSSE(w http.ResponseWriter, r *http.Request, hub *Hub, runID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported by response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sub, cleanup := hub.Subscribe(runID)
	defer cleanup()

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-sub.done:
			return nil
		case evt := <-sub.Ch:
			data, _ := json.Marshal(evt)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
			if evt.Type == EventDone {
				return nil
			}
		}
	}
}
