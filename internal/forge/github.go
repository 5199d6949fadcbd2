// Package forge wraps the GitHub REST calls the audit pipeline needs. The
// engine consumes the Client interface; failures here never roll back state
// transitions already persisted.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client is the narrow pull-request surface the engine depends on.
type Client interface {
	MergePullRequest(ctx context.Context, prURL string) error
	ClosePullRequest(ctx context.Context, prURL string) error
	CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (string, error)
}

// GitHub talks to the GitHub REST API v3.
type GitHub struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

func NewGitHub(token, baseURL string) *GitHub {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHub{
		Token:      token,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// prRef is the (owner, repo, number) triple parsed from a PR web URL of the
// form https://github.com/{owner}/{repo}/pull/{number}.
type prRef struct {
	Owner  string
	Repo   string
	Number int
}

func parsePRURL(prURL string) (prRef, error) {
	trimmed := strings.TrimPrefix(prURL, "https://github.com/")
	trimmed = strings.TrimPrefix(trimmed, "http://github.com/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) < 4 || parts[2] != "pull" {
		return prRef{}, fmt.Errorf("invalid pull request url %q", prURL)
	}
	number, err := strconv.Atoi(parts[3])
	if err != nil {
		return prRef{}, fmt.Errorf("invalid pull request number in %q", prURL)
	}
	return prRef{Owner: parts[0], Repo: parts[1], Number: number}, nil
}

func (g *GitHub) MergePullRequest(ctx context.Context, prURL string) error {
	ref, err := parsePRURL(prURL)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", ref.Owner, ref.Repo, ref.Number)
	return g.do(ctx, http.MethodPut, path, map[string]any{}, nil)
}

func (g *GitHub) ClosePullRequest(ctx context.Context, prURL string) error {
	ref, err := parsePRURL(prURL)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", ref.Owner, ref.Repo, ref.Number)
	return g.do(ctx, http.MethodPatch, path, map[string]any{"state": "closed"}, nil)
}

func (g *GitHub) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	var out struct {
		HTMLURL string `json:"html_url"`
	}
	err := g.do(ctx, http.MethodPost, path, map[string]any{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.HTMLURL, nil
}

func (g *GitHub) do(ctx context.Context, method, path string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	client := g.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("github %s %s: status %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}
