// Package notify posts bounty status updates to external webhooks. Delivery
// is best effort: failures are logged and never surfaced to callers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Notifier is the callback surface the engine uses after bounty-level
// transitions.
type Notifier interface {
	UpdateBountyStatus(ctx context.Context, bountyID, status string)
	PostMessage(ctx context.Context, text string)
}

// Webhook delivers bounty status changes to a JSON webhook and optional
// human-readable messages to a Slack-compatible endpoint.
type Webhook struct {
	BountyURL  string
	SlackURL   string
	HTTPClient *http.Client
}

func NewWebhook(bountyURL, slackURL string) *Webhook {
	return &Webhook{
		BountyURL:  bountyURL,
		SlackURL:   slackURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Webhook) UpdateBountyStatus(ctx context.Context, bountyID, status string) {
	if w == nil || w.BountyURL == "" {
		return
	}
	w.post(ctx, w.BountyURL, map[string]string{
		"bountyId": bountyID,
		"status":   status,
	})
}

func (w *Webhook) PostMessage(ctx context.Context, text string) {
	if w == nil || w.SlackURL == "" {
		return
	}
	w.post(ctx, w.SlackURL, map[string]string{"text": text})
}

func (w *Webhook) post(ctx context.Context, url string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("notify: encode payload: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		log.Printf("notify: build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		log.Printf("notify: post %s: %v", url, err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		log.Printf("notify: post %s: %v", url, fmt.Errorf("status %d", res.StatusCode))
	}
}

// Noop satisfies Notifier and discards everything. Used when no webhook is
// configured.
type Noop struct{}

func (Noop) UpdateBountyStatus(context.Context, string, string) {}
func (Noop) PostMessage(context.Context, string)                {}
