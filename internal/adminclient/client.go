// Package adminclient is a Go SDK for the admin HTTP API exposed by a
// YapYap node: enqueueing outbound messages, listing the inbox/outbox,
// and managing the contact address book.
//
// Grounded on the teacher's internal/client.Client: a thin wrapper over
// net/http and encoding/json so callers never build requests by hand,
// renamed from the KV store's put/get/delete/cluster surface to the
// message-node's enqueue/list/contacts surface.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to exactly one node's admin API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new Client. A zero timeout defaults to 10s — never call an
// admin endpoint without a timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// EnqueueResponse is returned after a successful enqueueOutbound call.
type EnqueueResponse struct {
	MessageID string `json:"message_id"`
}

// InboxMessage mirrors storage.InboxEntry as seen over the wire.
type InboxMessage struct {
	MessageID  string    `json:"messageId"`
	From       string    `json:"from"`
	ReceivedAt time.Time `json:"receivedAt"`
	Payload    []byte    `json:"payload"`
}

// OutboxEntry mirrors storage.OutboxEntry as seen over the wire.
type OutboxEntry struct {
	MessageID   string     `json:"messageId"`
	Target      string     `json:"target"`
	State       string     `json:"state"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"createdAt"`
	NextRetryAt time.Time  `json:"nextRetryAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	LastError   string     `json:"lastError,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

// Contact mirrors storage.Contact as seen over the wire.
type Contact struct {
	PeerID   string    `json:"peerId"`
	Alias    string    `json:"alias"`
	Trusted  bool      `json:"trusted"`
	LastSeen time.Time `json:"lastSeen"`
}

// Stats mirrors the stats() administrative operation's response.
type Stats struct {
	ConnectedPeers  int `json:"connected_peers"`
	OutboxPending   int `json:"outbox_pending"`
	OutboxDelivered int `json:"outbox_delivered"`
	OutboxFailed    int `json:"outbox_failed"`
	ProcessedCount  int `json:"processed_count"`
}

// EnqueueOutbound hands payload to the node for delivery to target.
func (c *Client) EnqueueOutbound(ctx context.Context, target, payload string, ttl time.Duration) (*EnqueueResponse, error) {
	body, _ := json.Marshal(map[string]any{
		"to":          target,
		"payload":     payload,
		"ttl_seconds": int(ttl.Seconds()),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enqueue request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var result EnqueueResponse
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

// ListInbox returns the most recently received messages, newest first,
// capped at limit (0 means "server default / all retained").
func (c *Client) ListInbox(ctx context.Context, limit int) ([]InboxMessage, error) {
	url := c.baseURL + "/inbox"
	if limit > 0 {
		url = fmt.Sprintf("%s?limit=%d", url, limit)
	}
	var result struct {
		Messages []InboxMessage `json:"messages"`
	}
	if err := c.getJSON(ctx, url, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// ListOutbox returns outbox entries, optionally filtered by state
// ("pending"/"processing"/"delivered"/"failed"; empty means all).
func (c *Client) ListOutbox(ctx context.Context, state string) ([]OutboxEntry, error) {
	url := c.baseURL + "/outbox"
	if state != "" {
		url = fmt.Sprintf("%s?state=%s", url, state)
	}
	var result struct {
		Entries []OutboxEntry `json:"entries"`
	}
	if err := c.getJSON(ctx, url, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// ListContacts returns every known contact.
func (c *Client) ListContacts(ctx context.Context) ([]Contact, error) {
	var result struct {
		Contacts []Contact `json:"contacts"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/contacts", &result); err != nil {
		return nil, err
	}
	return result.Contacts, nil
}

// UpsertContact adds or updates an address-book entry.
func (c *Client) UpsertContact(ctx context.Context, peerID, alias string, trusted bool) error {
	body, _ := json.Marshal(map[string]any{
		"peer_id": peerID,
		"alias":   alias,
		"trusted": trusted,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/contacts", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// RemoveContact deletes a peer from the address book.
func (c *Client) RemoveContact(ctx context.Context, peerID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/contacts/"+peerID, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Stats returns the node's current counters.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var result Stats
	if err := c.getJSON(ctx, c.baseURL+"/stats", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError carries the HTTP status and the error message from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
