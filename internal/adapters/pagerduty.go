package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PagerDutyAdapter dispatches pagerduty.* tool calls against the Events API
// v2 and REST API over a raw *http.Client, matching the GitHub/Jira
// adapters' un-SDK'd approach.
type PagerDutyAdapter struct {
	baseURL      string
	routingKey   string // Events API v2 integration key
	apiToken     string // REST API token, for ack/resolve
	client       *http.Client
}

func NewPagerDutyAdapter(baseURL, routingKey, apiToken string) *PagerDutyAdapter {
	if baseURL == "" {
		baseURL = "https://api.pagerduty.com"
	}
	return &PagerDutyAdapter{baseURL: baseURL, routingKey: routingKey, apiToken: apiToken, client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *PagerDutyAdapter) Namespace() Namespace { return NamespacePagerDuty }
func (a *PagerDutyAdapter) Variant() Variant     { return VariantReal }

func (a *PagerDutyAdapter) Invoke(ctx context.Context, action string, args map[string]any, dryRun bool) (map[string]any, error) {
	switch action {
	case "ack":
		return a.setIncidentStatus(ctx, args, "acknowledged", dryRun)
	case "resolve":
		return a.setIncidentStatus(ctx, args, "resolved", dryRun)
	case "trigger":
		return a.trigger(ctx, args, dryRun)
	default:
		return nil, Terminal(fmt.Errorf("pagerduty: unsupported action %q", action))
	}
}

func (a *PagerDutyAdapter) setIncidentStatus(ctx context.Context, args map[string]any, status string, dryRun bool) (map[string]any, error) {
	incidentID := stringArg(args, "incident_id", "")
	if incidentID == "" {
		return nil, Terminal(fmt.Errorf("pagerduty: missing incident_id"))
	}
	if dryRun {
		return map[string]any{"dry_run": true, "incident_id": incidentID, "status": status}, nil
	}
	url := fmt.Sprintf("%s/incidents/%s", a.baseURL, incidentID)
	payload, _ := json.Marshal(map[string]any{"incident": map[string]string{"type": "incident_reference", "status": status}})
	return a.do(ctx, http.MethodPut, url, payload, true)
}

func (a *PagerDutyAdapter) trigger(ctx context.Context, args map[string]any, dryRun bool) (map[string]any, error) {
	summary := stringArg(args, "summary", "")
	source := stringArg(args, "source", "conductor")
	severity := stringArg(args, "severity", "warning")
	if summary == "" {
		return nil, Terminal(fmt.Errorf("pagerduty: missing summary"))
	}
	if dryRun {
		return map[string]any{"dry_run": true, "summary": summary}, nil
	}
	url := fmt.Sprintf("%s/v2/enqueue", strippedEventsBase(a.baseURL))
	payload, _ := json.Marshal(map[string]any{
		"routing_key":  a.routingKey,
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  summary,
			"source":   source,
			"severity": severity,
		},
	})
	return a.do(ctx, http.MethodPost, url, payload, false)
}

func strippedEventsBase(_ string) string { return "https://events.pagerduty.com" }

func (a *PagerDutyAdapter) do(ctx context.Context, method, url string, body []byte, authed bool) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, Terminal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed && a.apiToken != "" {
		req.Header.Set("Authorization", "Token token="+a.apiToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("pagerduty: server error %d: %s", resp.StatusCode, raw)
	}
	if resp.StatusCode >= 400 {
		return nil, Terminal(fmt.Errorf("pagerduty: request error %d: %s", resp.StatusCode, raw))
	}

	var out map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out, nil
}

// MockPagerDutyAdapter is a deterministic stand-in for tests and
// unauthorized tenants.
type MockPagerDutyAdapter struct{}

func (MockPagerDutyAdapter) Namespace() Namespace { return NamespacePagerDuty }
func (MockPagerDutyAdapter) Variant() Variant     { return VariantMock }

func (MockPagerDutyAdapter) Invoke(_ context.Context, action string, args map[string]any, dryRun bool) (map[string]any, error) {
	switch action {
	case "ack", "resolve", "trigger":
		return map[string]any{"mock": true, "action": action, "args": args, "dry_run": dryRun}, nil
	default:
		return nil, Terminal(fmt.Errorf("pagerduty: unsupported action %q", action))
	}
}
