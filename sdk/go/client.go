// Package swarmsdk is a minimal worker-side client for the Swarmline API.
// It signs every request envelope with the worker's Ed25519 staking key.
package swarmsdk

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"swarmline/internal/sign"
)

// Client talks to one Swarmline coordinator on behalf of one worker key.
type Client struct {
	BaseURL        string
	PrivateKey     ed25519.PrivateKey
	TaskID         string
	GithubUsername string
	HTTPClient     *http.Client
	Timeout        time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, taskID string, key ed25519.PrivateKey) *Client {
	return &Client{
		BaseURL:    baseURL,
		TaskID:     taskID,
		PrivateKey: key,
		Timeout:    15 * time.Second,
	}
}

// Identity returns the wire identity derived from the client's key.
func (c *Client) Identity() string {
	return sign.Identity(c.PrivateKey)
}

// WorkItem is the claimed item as returned by the API.
type WorkItem struct {
	ID                 string   `json:"id"`
	Kind               string   `json:"kind"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Status             string   `json:"status"`
	RepoOwner          string   `json:"repo_owner"`
	RepoName           string   `json:"repo_name"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	DependencyPRUrls   []string `json:"dependency_pr_urls"`
	BountyPrompt       string   `json:"bounty_prompt"`
	ForkOwner          string   `json:"fork_owner"`
	ForkURL            string   `json:"fork_url"`
}

// Assignment mirrors the check endpoint response.
type Assignment struct {
	ItemID     string  `json:"item_id"`
	Round      int     `json:"round"`
	PRUrl      *string `json:"pr_url"`
	IsFinal    bool    `json:"is_final"`
	Approved   *bool   `json:"approved"`
	ItemStatus string  `json:"item_status"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ClaimTodo claims the next eligible todo for a round.
func (c *Client) ClaimTodo(ctx context.Context, round int) (WorkItem, error) {
	var out WorkItem
	err := c.signed(ctx, "todos/claim", sign.Claims{Action: "claim-todo", Round: round}, &out)
	return out, err
}

// ClaimIssue claims the next assignable issue as aggregator.
func (c *Client) ClaimIssue(ctx context.Context, round int) (WorkItem, error) {
	var out WorkItem
	err := c.signed(ctx, "issues/claim", sign.Claims{Action: "claim-issue", Round: round}, &out)
	return out, err
}

// RegisterAggregator records the fork for a claimed issue.
func (c *Client) RegisterAggregator(ctx context.Context, itemID string, round int, forkOwner, forkURL string) error {
	return c.signed(ctx, "issues/aggregator", sign.Claims{
		Action:    "register-aggregator",
		Round:     round,
		ItemID:    itemID,
		ForkOwner: forkOwner,
		ForkURL:   forkURL,
	}, nil)
}

// SubmitPR records a draft or final pull request for a todo or issue.
func (c *Client) SubmitPR(ctx context.Context, kind, itemID, prURL string, round int, isFinal bool) error {
	endpoint := "todos/pr"
	if kind == "issue" {
		endpoint = "issues/pr"
	}
	return c.signed(ctx, endpoint, sign.Claims{
		Action:  "submit-pr",
		Round:   round,
		ItemID:  itemID,
		PRUrl:   prURL,
		IsFinal: &isFinal,
	}, nil)
}

// Fail records an assignment failure.
func (c *Client) Fail(ctx context.Context, kind, itemID string, round int, reason, source string) error {
	endpoint, action := "todos/fail", "fail-todo"
	if kind == "issue" {
		endpoint, action = "issues/fail", "fail-issue"
	}
	return c.signed(ctx, endpoint, sign.Claims{
		Action: action,
		Round:  round,
		ItemID: itemID,
		Reason: reason,
		Source: source,
	}, nil)
}

// Check returns the worker's assignment of the given kind for a round.
func (c *Client) Check(ctx context.Context, kind string, round int) (Assignment, error) {
	endpoint, action := "todos/check", "check-todo"
	if kind == "issue" {
		endpoint, action = "issues/check", "check-issue"
	}
	var out Assignment
	err := c.signed(ctx, endpoint, sign.Claims{Action: action, Round: round}, &out)
	return out, err
}

func (c *Client) signed(ctx context.Context, endpoint string, claims sign.Claims, out any) error {
	claims.TaskID = c.TaskID
	claims.Identity = c.Identity()
	claims.GithubUsername = c.GithubUsername
	signature, err := sign.Sign(c.PrivateKey, claims)
	if err != nil {
		return err
	}
	body := map[string]string{
		"signature":  signature,
		"stakingKey": claims.Identity,
	}
	return c.do(ctx, http.MethodPost, endpoint, body, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
