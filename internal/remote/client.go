// Package remote holds the client for the manufacturing dashboard's backend
// API. The offline core owns no wire format beyond the acknowledgment
// request/response shape handled here.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avenlo/handoffd/internal/storage"
)

// ErrAlreadyApplied marks the idempotent-conflict case: the server reports
// the action's effect already happened. Callers treat it as success.
var ErrAlreadyApplied = errors.New("action already applied server-side")

const conflictCodeAlreadyAcknowledged = "ALREADY_ACKNOWLEDGED"

// AcknowledgePayload is the payload of an acknowledge_record action.
type AcknowledgePayload struct {
	RecordID string `json:"record_id"`
	Notes    string `json:"notes,omitempty"`
}

// Client sends queued actions to the remote API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a client bound to one API base URL and bearer token.
// Timeout policy lives here; the sync queue imposes none of its own.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Send replays one queued action against the API. It returns nil on any 2xx,
// ErrAlreadyApplied on the known idempotent conflict, and an error for
// everything else (including transport failures).
func (c *Client) Send(ctx context.Context, action storage.QueuedAction) error {
	switch action.Type {
	case storage.ActionAcknowledgeRecord:
		return c.sendAcknowledge(ctx, action)
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

func (c *Client) sendAcknowledge(ctx context.Context, action storage.QueuedAction) error {
	var payload AcknowledgePayload
	if err := json.Unmarshal([]byte(action.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing action payload: %w", err)
	}
	if payload.RecordID == "" {
		return errors.New("action payload missing record_id")
	}

	body, err := json.Marshal(map[string]string{"notes": payload.Notes})
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	url := fmt.Sprintf("%s/handoffs/%s/acknowledge", c.baseURL, payload.RecordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending acknowledgment: %w", err)
	}
	defer resp.Body.Close()

	return classifyResponse(resp)
}

func classifyResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusConflict {
		var conflict struct {
			Detail struct {
				Code string `json:"code"`
			} `json:"detail"`
		}
		if json.Unmarshal(raw, &conflict) == nil && conflict.Detail.Code == conflictCodeAlreadyAcknowledged {
			return ErrAlreadyApplied
		}
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, raw)
}
