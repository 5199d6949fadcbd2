package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// slotMillis converts the authority's slot-denominated round length into
// wall-clock milliseconds.
const slotMillis = 408

// HTTPAuthority queries the stake authority's REST surface.
type HTTPAuthority struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewHTTPAuthority(baseURL string) *HTTPAuthority {
	return &HTTPAuthority{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPAuthority) ListAuthorizedIdentities(ctx context.Context, taskID string) ([]string, error) {
	var out struct {
		Identities []string `json:"identities"`
	}
	if err := h.get(ctx, fmt.Sprintf("/tasks/%s/stakers", taskID), &out); err != nil {
		return nil, err
	}
	return out.Identities, nil
}

func (h *HTTPAuthority) RoundDurationMS(ctx context.Context, taskID string) (int64, error) {
	var out struct {
		RoundTime int64 `json:"round_time"`
	}
	if err := h.get(ctx, fmt.Sprintf("/tasks/%s", taskID), &out); err != nil {
		return 0, err
	}
	if out.RoundTime <= 0 {
		return 0, fmt.Errorf("task %s reports no round time", taskID)
	}
	return out.RoundTime * slotMillis, nil
}

func (h *HTTPAuthority) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+path, nil)
	if err != nil {
		return err
	}
	client := h.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("authority GET %s: status %d", path, res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}
