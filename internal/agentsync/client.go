package agentsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/datamesh/syncstore/internal/syncstore"
)

var (
	ErrConflict = errors.New("version conflict")
	ErrResync   = errors.New("full resync required")
)

// ConflictError reports a rejected push: the store moved past the version
// the agent last saw. ServerVersion is the gate to retry against.
type ConflictError struct {
	Store         string
	ServerVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict in store %s: server is at version %d", e.Store, e.ServerVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ResyncError means the requested delta predates the server's retained
// ledger; the agent must fall back to a full pull.
type ResyncError struct {
	Store         string
	OldestVersion int64
}

func (e *ResyncError) Error() string {
	return fmt.Sprintf("store %s requires full resync: oldest retained version is %d", e.Store, e.OldestVersion)
}

func (e *ResyncError) Is(target error) bool {
	return target == ErrResync
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client talks to a syncstore server over its HTTP API with bounded retries
// on transient failures.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) ListRecords(ctx context.Context, store string) (syncstore.ListResult, error) {
	var out syncstore.ListResult
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/stores/%s/records", url.PathEscape(store)), store, nil, &out)
	return out, err
}

func (c *Client) Sync(ctx context.Context, store string, items []syncstore.Record, lastVersion int64, clientID string) (syncstore.ApplyResult, error) {
	body := map[string]any{
		"items":       items,
		"lastVersion": lastVersion,
		"clientId":    clientID,
	}
	var out syncstore.ApplyResult
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/stores/%s/sync", url.PathEscape(store)), store, body, &out)
	return out, err
}

func (c *Client) Changes(ctx context.Context, store string, since int64) (syncstore.ChangesResult, error) {
	var out syncstore.ChangesResult
	path := fmt.Sprintf("/v1/stores/%s/changes?since=%d", url.PathEscape(store), since)
	err := c.doJSON(ctx, http.MethodGet, path, store, nil, &out)
	return out, err
}

func (c *Client) DeleteRecord(ctx context.Context, store, id, clientID string) (syncstore.DeleteResult, error) {
	var out syncstore.DeleteResult
	path := fmt.Sprintf("/v1/stores/%s/records/%s", url.PathEscape(store), url.PathEscape(id))
	err := c.doJSONWithClient(ctx, http.MethodDelete, path, store, clientID, nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath, store string, body, out any) error {
	return c.doJSONWithClient(ctx, method, requestPath, store, "", body, out)
}

func (c *Client) doJSONWithClient(ctx context.Context, method, requestPath, store, clientID string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if clientID != "" {
			req.Header.Set("X-Client-Id", clientID)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusConflict {
			var conflictPayload struct {
				ServerVersion int64 `json:"serverVersion"`
			}
			_ = json.Unmarshal(payloadBytes, &conflictPayload)
			return &ConflictError{Store: store, ServerVersion: conflictPayload.ServerVersion}
		}
		if resp.StatusCode == http.StatusGone {
			var resyncPayload struct {
				OldestVersion int64 `json:"oldestVersion"`
			}
			_ = json.Unmarshal(payloadBytes, &resyncPayload)
			return &ResyncError{Store: store, OldestVersion: resyncPayload.OldestVersion}
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return fmt.Sprintf("agent_%d", time.Now().UnixNano())
}
