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

// GitHubAdapter dispatches github.* tool calls against the REST API using a
// raw *http.Client, the same un-SDK'd approach the teacher uses for its
// Slack webhook integration — no pack repo vendors a GitHub client library.
type GitHubAdapter struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewGitHubAdapter creates a real GitHub adapter. baseURL defaults to the
// public API when empty, allowing GitHub Enterprise override.
func NewGitHubAdapter(baseURL, token string) *GitHubAdapter {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubAdapter{baseURL: baseURL, token: token, client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *GitHubAdapter) Namespace() Namespace { return NamespaceGitHub }
func (a *GitHubAdapter) Variant() Variant     { return VariantReal }

func (a *GitHubAdapter) Invoke(ctx context.Context, action string, args map[string]any, dryRun bool) (map[string]any, error) {
	switch action {
	case "merge_pr":
		return a.mergePR(ctx, args, dryRun)
	case "comment":
		return a.comment(ctx, args, dryRun)
	case "get_pr":
		return a.getPR(ctx, args)
	default:
		return nil, Terminal(fmt.Errorf("github: unsupported action %q", action))
	}
}

func (a *GitHubAdapter) mergePR(ctx context.Context, args map[string]any, dryRun bool) (map[string]any, error) {
	owner, repo, number, err := repoCoords(args)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return map[string]any{"merged": false, "dry_run": true, "pr": number}, nil
	}
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/merge", a.baseURL, owner, repo, number)
	body, _ := json.Marshal(map[string]any{"merge_method": stringArg(args, "merge_method", "squash")})
	return a.do(ctx, http.MethodPut, url, body)
}

func (a *GitHubAdapter) comment(ctx context.Context, args map[string]any, dryRun bool) (map[string]any, error) {
	owner, repo, number, err := repoCoords(args)
	if err != nil {
		return nil, err
	}
	body := stringArg(args, "body", "")
	if dryRun {
		return map[string]any{"dry_run": true, "issue": number, "body": body}, nil
	}
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", a.baseURL, owner, repo, number)
	payload, _ := json.Marshal(map[string]any{"body": body})
	return a.do(ctx, http.MethodPost, url, payload)
}

func (a *GitHubAdapter) getPR(ctx context.Context, args map[string]any) (map[string]any, error) {
	owner, repo, number, err := repoCoords(args)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", a.baseURL, owner, repo, number)
	return a.do(ctx, http.MethodGet, url, nil)
}

func (a *GitHubAdapter) do(ctx context.Context, method, url string, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, Terminal(err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err // network errors are transient
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("github: server error %d: %s", resp.StatusCode, raw)
	}
	if resp.StatusCode >= 400 {
		return nil, Terminal(fmt.Errorf("github: request error %d: %s", resp.StatusCode, raw))
	}

	var out map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out, nil
}

func repoCoords(args map[string]any) (owner, repo string, number int, err error) {
	owner = stringArg(args, "owner", "")
	repo = stringArg(args, "repo", "")
	number = intArg(args, "number", 0)
	if owner == "" || repo == "" || number == 0 {
		return "", "", 0, Terminal(fmt.Errorf("github: missing owner/repo/number"))
	}
	return owner, repo, number, nil
}

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// MockGitHubAdapter is a deterministic stand-in for tests and tenants not
// yet authorized for the real API.
type MockGitHubAdapter struct{}

func (MockGitHubAdapter) Namespace() Namespace { return NamespaceGitHub }
func (MockGitHubAdapter) Variant() Variant     { return VariantMock }

func (MockGitHubAdapter) Invoke(_ context.Context, action string, args map[string]any, dryRun bool) (map[string]any, error) {
	switch action {
	case "merge_pr", "comment", "get_pr":
		return map[string]any{"mock": true, "action": action, "args": args, "dry_run": dryRun}, nil
	default:
		return nil, Terminal(fmt.Errorf("github: unsupported action %q", action))
	}
}
