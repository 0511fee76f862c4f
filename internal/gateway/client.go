package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/revertd/revertd/types"
)

// apiError is a non-2xx daemon response.
type apiError struct {
	status int
	state  types.ChangeState
	msg    string
}

func (e *apiError) Error() string { return e.msg }

// Client talks to a running daemon over its unix socket.
type Client struct {
	http *http.Client
}

// NewClient dials the daemon socket. No connection is made until the
// first request.
func NewClient(socket string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
			},
		},
	}
}

// Confirm asks the daemon to confirm a pending change by ID or path.
func (c *Client) Confirm(ctx context.Context, ref string) (*types.PendingChange, error) {
	body, _ := json.Marshal(ConfirmRequest{ID: ref})
	var resp ConfirmResponse
	if err := c.do(ctx, http.MethodPost, "/v1/confirm", bytes.NewReader(body), &resp); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusNotFound {
			return nil, &types.NotPendingError{ChangeID: ref, State: apiErr.state}
		}
		return nil, err
	}
	return &resp.Change, nil
}

// Pending lists changes awaiting confirmation.
func (c *Client) Pending(ctx context.Context) ([]PendingItem, error) {
	var resp PendingResponse
	if err := c.do(ctx, http.MethodGet, "/v1/pending", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

// Status fetches the daemon status summary.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Snapshots lists stored snapshot metadata.
func (c *Client) Snapshots(ctx context.Context) ([]*types.Snapshot, error) {
	var resp SnapshotsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/snapshots", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

// RestoreSnapshot asks the daemon to apply a snapshot now.
func (c *Client) RestoreSnapshot(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/snapshots/"+id+"/restore", nil, nil)
}

// do issues one request against the daemon. Error responses decode to
// the typed errors the engine raised, so the CLI can distinguish a
// not-pending change from a broken daemon.
func (c *Client) do(ctx context.Context, method, path string, body *bytes.Reader, out any) error {
	var req *http.Request
	var err error
	// The host is a placeholder; the transport dials the socket.
	url := "http://revertd" + path
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var body ErrorResponse
		if derr := json.NewDecoder(resp.Body).Decode(&body); derr == nil && body.Error != "" {
			return &apiError{status: resp.StatusCode, state: body.State, msg: body.Error}
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
