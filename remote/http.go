// Package remote implements strata.RemoteStore over the collection REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/strata"
)

// Header names shared with the reference backend.
const (
	HeaderAppKey       = "X-Strata-App-Key"
	HeaderRequestID    = "X-Request-ID"
	HeaderRequestStart = "X-Request-Start"
)

// HTTPClient implements strata.RemoteStore using net/http.
// It is safe for concurrent use.
type HTTPClient struct {
	baseURL    string
	appKey     string
	token      string
	httpClient *http.Client
	debug      *strata.DebugLogger
}

var _ strata.RemoteStore = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the service rooted at baseURL.
func NewHTTPClient(baseURL, appKey, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		appKey:  appKey,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// FromConfig builds a client from the remote settings in cfg.
func FromConfig(cfg strata.Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, &strata.ValidationError{Field: "BaseURL", Message: "required for a remote store"}
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, &strata.ValidationError{Field: "BaseURL", Message: err.Error()}
	}
	c := NewHTTPClient(cfg.BaseURL, cfg.AppKey, cfg.AuthToken)
	if cfg.Timeout > 0 {
		c.httpClient.Timeout = cfg.Timeout
	}
	return c, nil
}

// WithHTTPClient sets a custom http.Client (for testing or custom timeouts).
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	c.httpClient = client
	return c
}

// WithDebug logs every request and response to l.
func (c *HTTPClient) WithDebug(l *strata.DebugLogger) *HTTPClient {
	c.debug = l
	return c
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.appKey != "" {
		req.Header.Set(HeaderAppKey, c.appKey)
	}
	req.Header.Set("User-Agent", "strata-client/1.0")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, uuid.NewString())
}

// errorBody is the backend's error envelope.
type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"description"`
}

// newRemoteError decodes an error response. Gateway failures mean the
// service itself was not reached and are reported as connectivity errors.
func newRemoteError(op string, statusCode int, body []byte) error {
	switch statusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &strata.ConnectivityError{Operation: op, Err: fmt.Errorf("HTTP %d", statusCode)}
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error == "" {
		eb.Error = http.StatusText(statusCode)
		if len(body) > 200 {
			eb.Description = string(body[:200]) + "..."
		} else {
			eb.Description = string(body)
		}
	}
	return &strata.RemoteError{
		Operation:   op,
		StatusCode:  statusCode,
		Code:        eb.Error,
		Description: eb.Description,
	}
}

// do sends one request and decodes a successful JSON response into out.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, params url.Values, body any, out any) (http.Header, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.debug.LogRequest(method, reqURL, payload)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.debug.LogError(op, err)
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &strata.ConnectivityError{Operation: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &strata.ConnectivityError{Operation: op, Err: err}
	}
	c.debug.LogResponse(resp.StatusCode, resp.Status, respBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rerr := newRemoteError(op, resp.StatusCode, respBody)
		c.debug.LogError(op, rerr)
		return nil, rerr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return resp.Header, nil
}

func collectionPath(collection string, elem ...string) string {
	parts := append([]string{url.PathEscape(collection)}, elem...)
	for i := 1; i < len(parts); i++ {
		parts[i] = url.PathEscape(parts[i])
	}
	return "/" + strings.Join(parts, "/")
}

func (c *HTTPClient) Create(ctx context.Context, collection string, r strata.Record) (strata.Record, error) {
	var out strata.Record
	_, err := c.do(ctx, "create", http.MethodPost, collectionPath(collection), nil, r, &out)
	return out, err
}

func (c *HTTPClient) Update(ctx context.Context, collection string, r strata.Record) (strata.Record, error) {
	if r.ID == "" {
		return strata.Record{}, strata.ErrMissingID
	}
	var out strata.Record
	_, err := c.do(ctx, "update", http.MethodPut, collectionPath(collection, r.ID), nil, r, &out)
	return out, err
}

type countBody struct {
	Count int `json:"count"`
}

func (c *HTTPClient) Delete(ctx context.Context, collection, id string) (int, error) {
	var out countBody
	_, err := c.do(ctx, "delete", http.MethodDelete, collectionPath(collection, id), nil, nil, &out)
	return out.Count, err
}

func (c *HTTPClient) DeleteByQuery(ctx context.Context, collection string, q *strata.Query) (int, error) {
	params, err := q.Values()
	if err != nil {
		return 0, err
	}
	var out countBody
	_, err = c.do(ctx, "delete_by_query", http.MethodDelete, collectionPath(collection), params, nil, &out)
	return out.Count, err
}

func (c *HTTPClient) Find(ctx context.Context, collection string, q *strata.Query) (*strata.FindResult, error) {
	params, err := q.Values()
	if err != nil {
		return nil, err
	}
	var records []strata.Record
	header, err := c.do(ctx, "find", http.MethodGet, collectionPath(collection), params, nil, &records)
	if err != nil {
		return nil, err
	}
	return &strata.FindResult{Records: records, RequestStart: requestStart(header)}, nil
}

func (c *HTTPClient) FindByID(ctx context.Context, collection, id string) (strata.Record, error) {
	var out strata.Record
	_, err := c.do(ctx, "find_by_id", http.MethodGet, collectionPath(collection, id), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) Count(ctx context.Context, collection string, q *strata.Query) (int, error) {
	params := url.Values{}
	if q.IsFiltered() {
		all, err := q.Values()
		if err != nil {
			return 0, err
		}
		params.Set("query", all.Get("query"))
	}
	var out countBody
	_, err := c.do(ctx, "count", http.MethodGet, collectionPath(collection, "_count"), params, nil, &out)
	return out.Count, err
}

// deltaBody is the _deltaset response.
type deltaBody struct {
	Changed []strata.Record `json:"changed"`
	Deleted []struct {
		ID string `json:"_id"`
	} `json:"deleted"`
}

func (c *HTTPClient) DeltaSet(ctx context.Context, collection string, q *strata.Query, since time.Time) (*strata.DeltaSet, error) {
	params := url.Values{}
	if q.IsFiltered() {
		all, err := q.Values()
		if err != nil {
			return nil, err
		}
		params.Set("query", all.Get("query"))
	}
	params.Set("since", strata.FormatTime(since))

	var out deltaBody
	header, err := c.do(ctx, "deltaset", http.MethodGet, collectionPath(collection, "_deltaset"), params, nil, &out)
	if err != nil {
		return nil, err
	}
	ds := &strata.DeltaSet{Changed: out.Changed, RequestStart: requestStart(header)}
	for _, d := range out.Deleted {
		ds.Deleted = append(ds.Deleted, d.ID)
	}
	return ds, nil
}

func requestStart(h http.Header) time.Time {
	raw := h.Get(HeaderRequestStart)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{strata.TimeLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
