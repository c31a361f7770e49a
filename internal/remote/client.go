// Package remote is the HTTP client for the remote system-of-record. It
// tags failures with typed errors at their origin so the classifier never
// has to pattern-match message text, and it sends the client-generated
// idempotency key on creates so retries are never double-applied.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fleetcomply/dutysync/internal/types"
)

// Record is the authoritative entity state returned by the remote.
type Record struct {
	ServerID  string          `json:"id"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Client talks to the remote system-of-record.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client with a bounded per-request timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// kindPath maps an entity kind to its collection path segment.
func kindPath(kind types.EntityKind) string {
	switch kind {
	case types.KindDutyCall:
		return "duty-calls"
	case types.KindVehicle:
		return "vehicles"
	case types.KindProfile:
		return "profiles"
	}
	return string(kind)
}

// Ping checks connectivity and server health.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/health", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	return nil
}

// Create submits a new entity. The idempotency key (the record's local_id)
// makes retried creates safe: the remote upserts by key and returns the
// same authoritative record for duplicates.
func (c *Client) Create(ctx context.Context, kind types.EntityKind, payload json.RawMessage, idempotencyKey string) (*Record, error) {
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	resp, err := c.send(ctx, http.MethodPost, "/api/v1/"+kindPath(kind), payload, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.statusError(resp)
	}
	return decodeRecord(resp.Body)
}

// Update replaces an entity. expectedVersion is sent as If-Match; the
// remote answers 409 with its current record when versions diverge.
func (c *Client) Update(ctx context.Context, kind types.EntityKind, serverID string, payload json.RawMessage, expectedVersion int64) (*Record, error) {
	headers := map[string]string{"If-Match": fmt.Sprintf("%d", expectedVersion)}
	path := fmt.Sprintf("/api/v1/%s/%s", kindPath(kind), serverID)
	resp, err := c.send(ctx, http.MethodPut, path, payload, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}
	return decodeRecord(resp.Body)
}

// Delete removes an entity. Deleting an already-deleted entity returns
// ErrNotFound, which callers treat as success.
func (c *Client) Delete(ctx context.Context, kind types.EntityKind, serverID string) error {
	path := fmt.Sprintf("/api/v1/%s/%s", kindPath(kind), serverID)
	resp, err := c.send(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.statusError(resp)
	}
	return nil
}

// send issues an authenticated JSON request, mapping transport failures
// to typed errors.
func (c *Client) send(ctx context.Context, method, path string, body json.RawMessage, headers map[string]string) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, mapTransportError(err)
	}
	return resp, nil
}

// mapTransportError tags network-level failures.
func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// statusError maps a non-success HTTP status to a typed error.
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		conflict := &ConflictError{}
		var rec Record
		if err := json.Unmarshal(body, &rec); err == nil && rec.ServerID != "" {
			conflict.Record = &rec
		}
		return conflict
	case resp.StatusCode >= 500:
		return &ServerError{Status: resp.StatusCode}
	default:
		return &RequestError{Status: resp.StatusCode, Detail: problemDetail(body)}
	}
}

func decodeRecord(r io.Reader) (*Record, error) {
	var rec Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode authoritative record: %w", err)
	}
	return &rec, nil
}

// problemDetail pulls the detail field out of an RFC 7807 response body,
// falling back to empty.
func problemDetail(body []byte) string {
	var p struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return ""
	}
	return p.Detail
}
