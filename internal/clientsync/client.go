package clientsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/basket/activity-sync/internal/wire"
)

// Client is the synchronizer's REST transport to the gateway, grounded on
// the teacher's bare *http.Client-with-timeout idiom (internal/engine's
// Ollama/search provider clients) rather than a generated SDK.
type Client struct {
	baseURL string
	session *Session
	http    *http.Client
}

// NewClient constructs a Client against baseURL (e.g. "https://api.example.com").
func NewClient(baseURL string, session *Session) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		session: session,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WebSocketURL returns the ws(s):// URL to dial for a live activity stream
// starting at cursor.
func (c *Client) WebSocketURL(cursor int64) string {
	u := c.baseURL + "/ws?cursor=" + strconv.FormatInt(cursor, 10)
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("clientsync: build request: %w", err)
	}
	if tok := c.session.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("clientsync: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clientsync: %s returned %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("clientsync: decode %s response: %w", path, err)
	}
	return nil
}

// BulkSnapshot fetches GET /v1/tasks/bulk.
func (c *Client) BulkSnapshot(ctx context.Context) (wire.BulkSnapshot, error) {
	var snap wire.BulkSnapshot
	err := c.do(ctx, http.MethodGet, "/v1/tasks/bulk", &snap)
	return snap, err
}

// ActivitySince fetches one page of GET /v1/activity?after=&limit=.
func (c *Client) ActivitySince(ctx context.Context, after int64, limit int) ([]wire.ActivityEvent, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var body struct {
		Data []wire.ActivityEvent `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/activity?"+q.Encode(), &body)
	return body.Data, err
}
