package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/Oliskey-School/offline-sync/internal/errors"
	"github.com/Oliskey-School/offline-sync/internal/models"
)

// RESTConfig holds connection configuration for the hosted backend.
type RESTConfig struct {
	BaseURL string // e.g. https://backend.example.com
	APIKey  string
	Timeout time.Duration // per-request; defaults to 30s
}

// RESTBackend implements Backend over the hosted backend's HTTP/JSON API.
type RESTBackend struct {
	config     *RESTConfig
	httpClient *http.Client
}

// NewRESTBackend creates a RESTBackend.
func NewRESTBackend(config *RESTConfig) *RESTBackend {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RESTBackend{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Select fetches rows of a table, optionally narrowed by q.
func (b *RESTBackend) Select(ctx context.Context, table models.Table, q Query) ([]Row, error) {
	params := url.Values{}
	if q.ID != "" {
		params.Set("id", q.ID)
	}
	if q.Since > 0 {
		params.Set("updated_since", strconv.FormatInt(q.Since, 10))
	}
	path := "/rest/v1/" + table.String()
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	body, err := b.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var rows []Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemoteRejected, "malformed select response", err)
	}
	return rows, nil
}

// Insert creates a row and returns the authoritative stored row.
func (b *RESTBackend) Insert(ctx context.Context, table models.Table, payload json.RawMessage) (*Row, error) {
	body, err := b.do(ctx, http.MethodPost, "/rest/v1/"+table.String(), payload)
	if err != nil {
		return nil, err
	}
	return decodeRow(body)
}

// Update overwrites a row and returns the authoritative stored row.
func (b *RESTBackend) Update(ctx context.Context, table models.Table, id string, payload json.RawMessage) (*Row, error) {
	body, err := b.do(ctx, http.MethodPatch, "/rest/v1/"+table.String()+"/"+url.PathEscape(id), payload)
	if err != nil {
		return nil, err
	}
	return decodeRow(body)
}

// Delete removes a row permanently.
func (b *RESTBackend) Delete(ctx context.Context, table models.Table, id string) error {
	_, err := b.do(ctx, http.MethodDelete, "/rest/v1/"+table.String()+"/"+url.PathEscape(id), nil)
	return err
}

func decodeRow(body []byte) (*Row, error) {
	var row Row
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemoteRejected, "malformed row response", err)
	}
	return &row, nil
}

// do executes one request and classifies failures into the sync taxonomy.
func (b *RESTBackend) do(ctx context.Context, method, path string, payload json.RawMessage) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.config.BaseURL+path, reqBody)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.APIKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout: all retryable.
		return nil, apperrors.Wrap(apperrors.ErrTransientNetwork, method+" "+path+" failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransientNetwork, "failed to read response body", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.Newf(apperrors.ErrTransientNetwork,
			"%s %s returned %d: %s", method, path, resp.StatusCode, truncate(body))
	default:
		// 4xx validation/conflict: permanent, not retried.
		return nil, apperrors.Newf(apperrors.ErrRemoteRejected,
			"%s %s rejected with %d: %s", method, path, resp.StatusCode, truncate(body))
	}
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return fmt.Sprintf("%s... (%d bytes)", body[:max], len(body))
	}
	return string(body)
}
