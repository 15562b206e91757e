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

// JiraAdapter dispatches jira.* tool calls against the Jira Cloud REST API
// over a raw *http.Client — same un-SDK'd approach as GitHubAdapter, for
// the same reason: no pack repo vendors a Jira client.
type JiraAdapter struct {
	baseURL  string // e.g. https://yourorg.atlassian.net
	email    string
	apiToken string
	client   *http.Client
}

func NewJiraAdapter(baseURL, email, apiToken string) *JiraAdapter {
	return &JiraAdapter{baseURL: baseURL, email: email, apiToken: apiToken, client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *JiraAdapter) Namespace() Namespace { return NamespaceJira }
func (a *JiraAdapter) Variant() Variant     { return VariantReal }

func (a *JiraAdapter) Invoke(ctx context.Context, action string, args map[string]any, dryRun bool) (map[string]any, error) {
	switch action {
	case "transition_issue":
		return a.transitionIssue(ctx, args, dryRun)
	case "comment":
		return a.commentIssue(ctx, args, dryRun)
	case "create_issue":
		return a.createIssue(ctx, args, dryRun)
	default:
		return nil, Terminal(fmt.Errorf("jira: unsupported action %q", action))
	}
}

func (a *JiraAdapter) transitionIssue(ctx context.Context, args map[string]any, dryRun bool) (map[string]any, error) {
	key := stringArg(args, "issue_key", "")
	transition := stringArg(args, "transition_id", "")
	if key == "" || transition == "" {
		return nil, Terminal(fmt.Errorf("jira: missing issue_key/transition_id"))
	}
	if dryRun {
		return map[string]any{"dry_run": true, "issue_key": key, "transition_id": transition}, nil
	}
	url := fmt.Sprintf("%s/rest/api/3/issue/%s/transitions", a.baseURL, key)
	payload, _ := json.Marshal(map[string]any{"transition": map[string]string{"id": transition}})
	return a.do(ctx, http.MethodPost, url, payload)
}

func (a *JiraAdapter) commentIssue(ctx context.Context, args map[string]any, dryRun bool) (map[string]any, error) {
	key := stringArg(args, "issue_key", "")
	body := stringArg(args, "body", "")
	if key == "" {
		return nil, Terminal(fmt.Errorf("jira: missing issue_key"))
	}
	if dryRun {
		return map[string]any{"dry_run": true, "issue_key": key, "body": body}, nil
	}
	url := fmt.Sprintf("%s/rest/api/3/issue/%s/comment", a.baseURL, key)
	payload, _ := json.Marshal(map[string]any{"body": body})
	return a.do(ctx, http.MethodPost, url, payload)
}

func (a *JiraAdapter) createIssue(ctx context.Context, args map[string]any, dryRun bool) (map[string]any, error) {
	project := stringArg(args, "project_key", "")
	summary := stringArg(args, "summary", "")
	issueType := stringArg(args, "issue_type", "Task")
	if project == "" || summary == "" {
		return nil, Terminal(fmt.Errorf("jira: missing project_key/summary"))
	}
	if dryRun {
		return map[string]any{"dry_run": true, "project_key": project, "summary": summary}, nil
	}
	url := fmt.Sprintf("%s/rest/api/3/issue", a.baseURL)
	payload, _ := json.Marshal(map[string]any{"fields": map[string]any{
		"project":   map[string]string{"key": project},
		"summary":   summary,
		"issuetype": map[string]string{"name": issueType},
	}})
	return a.do(ctx, http.MethodPost, url, payload)
}

func (a *JiraAdapter) do(ctx context.Context, method, url string, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, Terminal(err)
	}
	req.SetBasicAuth(a.email, a.apiToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("jira: server error %d: %s", resp.StatusCode, raw)
	}
	if resp.StatusCode >= 400 {
		return nil, Terminal(fmt.Errorf("jira: request error %d: %s", resp.StatusCode, raw))
	}

	var out map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out, nil
}

// MockJiraAdapter is a deterministic stand-in for tests and unauthorized
// tenants.
type MockJiraAdapter struct{}

func (MockJiraAdapter) Namespace() Namespace { return NamespaceJira }
func (MockJiraAdapter) Variant() Variant     { return VariantMock }

func (MockJiraAdapter) Invoke(_ context.Context, action string, args map[string]any, dryRun bool) (map[string]any, error) {
	switch action {
	case "transition_issue", "comment", "create_issue":
		return map[string]any{"mock": true, "action": action, "args": args, "dry_run": dryRun}, nil
	default:
		return nil, Terminal(fmt.Errorf("jira: unsupported action %q", action))
	}
}
