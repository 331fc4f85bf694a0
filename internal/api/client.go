// Package api is the REST boundary to the school backend. It posts
// queued mutation batches, classifies every per-item outcome into the
// success / transient / permanent taxonomy the sync engine acts on, and
// exposes the reachability probe used by the connection monitor.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/types"
)

// ErrConnection marks a connection-level failure: no response was
// reachable at all. The engine aborts the drain cycle and lets the
// connection monitor take over; retry budget is not consumed.
var ErrConnection = errors.New("api: connection failure")

// Client talks to the Glassy School Nexus REST backend.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client. The token is the teacher's session
// JWT, sent as a bearer credential on every call.
func NewClient(baseURL, authToken string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("component", "api"),
	}
}

// batchRequest is the wire form of one apply call.
type batchRequest struct {
	Namespace string     `json:"namespace"`
	Mutations []mutation `json:"mutations"`
}

type mutation struct {
	ID             int64           `json:"id"`
	EntityID       string          `json:"entityId"`
	Operation      string          `json:"operation"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
}

// batchResponse carries per-mutation results. The backend answers 200
// even when individual mutations fail; item-level status does the talking.
type batchResponse struct {
	Results []itemResult `json:"results"`
}

type itemResult struct {
	ID     int64  `json:"id"`
	Status string `json:"status"` // "ok", "retry", "rejected"
	Error  string `json:"error,omitempty"`
}

// ApplyBatch sends the items to the backend in queue order and returns
// one classified result per item. A non-nil error means the batch never
// reached the backend (connection-level); no per-item results exist then.
func (c *Client) ApplyBatch(ctx context.Context, namespace string, items []*types.Item) ([]types.Result, error) {
	if expired, err := tokenExpired(c.authToken, time.Now()); err == nil && expired {
		// An expired session cannot succeed; fail the cycle without
		// burning any item's retry budget and wait for a fresh token.
		return nil, fmt.Errorf("%w: %v", ErrConnection, ErrTokenExpired)
	}

	req := batchRequest{Namespace: namespace, Mutations: make([]mutation, 0, len(items))}
	for _, it := range items {
		req.Mutations = append(req.Mutations, mutation{
			ID:             it.ID,
			EntityID:       it.EntityID,
			Operation:      string(it.Operation),
			Payload:        it.Payload,
			IdempotencyKey: it.IdempotencyKey,
			EnqueuedAt:     it.EnqueuedAt,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	url := fmt.Sprintf("%s/v1/lessons/%s/mutations:batch", c.baseURL, namespace)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.authToken)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			// A timeout is ambiguous: the batch may have been applied.
			// Idempotency keys make the retry safe, so classify every
			// item transient rather than declaring the connection dead.
			c.logger.Warn("apply batch timed out", "namespace", namespace, "items", len(items))
			return allClassified(items, types.ResultTransient, "timeout"), nil
		}
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer httpResp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrConnection, err)
	}

	switch {
	case httpResp.StatusCode == http.StatusOK:
		// Per-item classification below.
	case httpResp.StatusCode >= 500:
		c.logger.Warn("backend error", "status", httpResp.StatusCode, "namespace", namespace)
		return allClassified(items, types.ResultTransient,
			fmt.Sprintf("http %d", httpResp.StatusCode)), nil
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return allClassified(items, types.ResultTransient, "rate limited"), nil
	default:
		// 4xx: the batch itself is invalid from the backend's point of
		// view. Retrying blindly cannot help.
		c.logger.Warn("batch rejected", "status", httpResp.StatusCode,
			"namespace", namespace, "body", truncate(respBody, 200))
		return allClassified(items, types.ResultPermanent,
			fmt.Sprintf("http %d: %s", httpResp.StatusCode, truncate(respBody, 200))), nil
	}

	var resp batchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	byID := make(map[int64]itemResult, len(resp.Results))
	for _, r := range resp.Results {
		byID[r.ID] = r
	}

	results := make([]types.Result, 0, len(items))
	for _, it := range items {
		r, ok := byID[it.ID]
		if !ok {
			// The backend did not account for the item; treat as
			// transient so it is attempted again.
			results = append(results, types.Result{
				ItemID: it.ID, Class: types.ResultTransient, Message: "missing result",
			})
			continue
		}
		results = append(results, types.Result{
			ItemID:  it.ID,
			Class:   classify(r.Status),
			Message: r.Error,
		})
	}
	return results, nil
}

// Probe checks backend reachability with a cheap health call. It
// implements the connection monitor's Prober contract.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	defer resp.Body.Close()        //nolint:errcheck
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe: http %d", resp.StatusCode)
	}
	return nil
}

func classify(status string) types.ResultClass {
	switch status {
	case "ok":
		return types.ResultOK
	case "rejected":
		return types.ResultPermanent
	default:
		return types.ResultTransient
	}
}

func allClassified(items []*types.Item, class types.ResultClass, msg string) []types.Result {
	results := make([]types.Result, 0, len(items))
	for _, it := range items {
		results = append(results, types.Result{ItemID: it.ID, Class: class, Message: msg})
	}
	return results
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
