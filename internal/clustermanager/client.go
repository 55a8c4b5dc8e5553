// Package clustermanager is a thin REST client for the cluster manager's
// admission-control API: paged query listings, query detail text, pool
// configuration get/update, and a pool-refresh command. It mirrors the
// engine's own session shape (one base path, HTTP basic auth, a single
// shared *http.Client) rather than opening a fresh connection per call.
package clustermanager

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

	"github.com/oriys/poolsched/internal/metrics"
	"github.com/oriys/poolsched/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultPageLimit  = 100
	defaultPageOffset = 0
	retryAttempts     = 2
	retryBackoff      = 500 * time.Millisecond
)

// Config describes how to reach one cluster's admission-control API.
type Config struct {
	ServerURL   string
	APIVersion  string
	ClusterName string
	Username    string
	Password    string
	Timeout     time.Duration
}

// Client talks to the cluster manager's REST API for one cluster. It is
// safe for concurrent use; the underlying *http.Client pools connections.
type Client struct {
	cfg      Config
	basePath string
	http     *http.Client
}

// New constructs a Client and, mirroring the engine's own eager session
// check, performs one authenticated GET against the base path so that bad
// credentials or an unreachable server fail at construction time rather
// than on the first real operation.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:      cfg,
		basePath: fmt.Sprintf("%s/api/%s/clusters/%s", cfg.ServerURL, cfg.APIVersion, cfg.ClusterName),
		http:     &http.Client{Timeout: cfg.Timeout},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.basePath, nil)
	if err != nil {
		return nil, fmt.Errorf("build session probe request: %w", err)
	}
	req.SetBasicAuth(cfg.Username, cfg.Password)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("establish session with cluster manager: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Operation: "session-probe"}
	}
	return c, nil
}

// QueriesResponse is the raw shape of a get_impala_queries page.
type QueriesResponse struct {
	Queries []QuerySummary `json:"queries"`
}

// QuerySummary is one entry of a queries-page response.
type QuerySummary struct {
	QueryID        string          `json:"queryId"`
	StartTime      string          `json:"startTime"`
	DurationMillis int64           `json:"durationMillis"`
	Attributes     QueryAttributes `json:"attributes"`
}

// QueryAttributes carries the fields of a query's attribute map this
// system reads: the admission pool it ran in and its admission wait.
type QueryAttributes struct {
	Pool          string `json:"pool"`
	AdmissionWait int64  `json:"admission_wait"`
}

// QueryDetails is the raw shape of a get_query_details response.
type QueryDetails struct {
	Details string `json:"details"`
}

// ConfigDocument is the raw {items:[...]} shape the config endpoints
// exchange; internal/poolconfig parses the scheduled-allocations item
// out of it.
type ConfigDocument = json.RawMessage

// RolesResponse is the raw shape of a get_roles response.
type RolesResponse struct {
	Items json.RawMessage `json:"items"`
}

// GetQueries fetches one page of queries between startTime and endTime,
// newest first, limited to 100 entries starting at offset 0 — exactly
// the engine's own default paging. filterStr may be empty.
func (c *Client) GetQueries(ctx context.Context, startTime, endTime time.Time, filterStr string) (*QueriesResponse, error) {
	q := url.Values{}
	q.Set("filter", filterStr)
	q.Set("from", startTime.Format(time.RFC3339Nano))
	q.Set("to", endTime.Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(defaultPageLimit))
	q.Set("offset", strconv.Itoa(defaultPageOffset))

	path := c.basePath + "/services/impala/impalaQueries?" + q.Encode()

	var out QueriesResponse
	if err := c.doRetry(ctx, "get_queries", http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetQueryDetails fetches the free-text profile for one query id.
func (c *Client) GetQueryDetails(ctx context.Context, queryID string) (*QueryDetails, error) {
	path := c.basePath + "/services/impala/impalaQueries/" + url.PathEscape(queryID)

	var out QueryDetails
	if err := c.doRetry(ctx, "get_query_details", http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConfig fetches the impala service configuration. view may be
// "full", "summary", or empty (no view parameter sent).
func (c *Client) GetConfig(ctx context.Context, view string) (ConfigDocument, error) {
	path := c.basePath + "/services/impala/config"
	if view != "" {
		path += "?" + (url.Values{"view": {view}}).Encode()
	}

	var out json.RawMessage
	if err := c.doRetry(ctx, "get_config", http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateConfig PUTs a full replacement configuration document. This is
// not idempotent from the cluster manager's point of view (a concurrent
// second write could clobber a third party's change in between), so it
// is never retried.
func (c *Client) UpdateConfig(ctx context.Context, doc ConfigDocument) error {
	path := c.basePath + "/services/impala/config"
	var out json.RawMessage
	return c.doOnce(ctx, "update_config", http.MethodPut, path, bytes.NewReader(doc), "application/json", &out)
}

// RefreshPools asks the cluster manager to push the latest pool
// configuration out to impala daemons. Like UpdateConfig, this triggers
// a side effect with no idempotency token, so it is attempted once.
func (c *Client) RefreshPools(ctx context.Context) error {
	path := c.basePath + "/commands/poolsRefresh"
	var out json.RawMessage
	return c.doOnce(ctx, "refresh_pools", http.MethodPost, path, nil, "", &out)
}

// GetRoles fetches the full role list of the impala service.
func (c *Client) GetRoles(ctx context.Context) (*RolesResponse, error) {
	path := c.basePath + "/services/impala/roles"
	var out RolesResponse
	if err := c.doRetry(ctx, "get_roles", http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// doRetry performs an idempotent operation with at most retryAttempts
// tries total and a fixed backoff between attempts, per the retry
// policy read operations get.
func (c *Client) doRetry(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err := c.doOnceAttempt(ctx, op, method, path, body, contentType, out, attempt > 1)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == retryAttempts {
			break
		}
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// doOnce performs a single-attempt, non-retried operation.
func (c *Client) doOnce(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) error {
	return c.doOnceAttempt(ctx, op, method, path, body, contentType, out, false)
}

func (c *Client) doOnceAttempt(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any, retried bool) (err error) {
	ctx, span := observability.StartClientSpan(ctx, "clustermanager."+op,
		attribute.String(string(observability.AttrOperation), op),
		attribute.Bool(string(observability.AttrRetry), retried),
	)
	defer span.End()

	started := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.RecordHTTPRequest(op, outcome, time.Since(started), retried)
	}()

	req, err := http.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	span.SetAttributes(attribute.Int(string(observability.AttrStatusCode), resp.StatusCode))

	if resp.StatusCode >= 400 {
		terr := &TransportError{StatusCode: resp.StatusCode, Operation: op, Body: string(data)}
		observability.SetSpanError(span, terr)
		err = terr
		return err
	}

	if out == nil || len(data) == 0 {
		observability.SetSpanOK(span)
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append(json.RawMessage(nil), data...)
		observability.SetSpanOK(span)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	observability.SetSpanOK(span)
	return nil
}

// isRetryable reports whether an error from one attempt warrants a
// second try: transport failures and 5xx responses are, 4xx responses
// (bad credentials, bad request, not found) are not.
func isRetryable(err error) bool {
	if terr, ok := err.(*TransportError); ok {
		return terr.StatusCode >= 500
	}
	return true
}
