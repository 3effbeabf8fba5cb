// Package vespa is the vector index feature: a thin HTTP client for the
// Vespa document and query APIs, the destination handler that feeds embedded
// chunks, the search executor, and the collection inspector. Document ids are
// deterministic per (sync, entity, chunk) so feeds are idempotent.
package vespa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/airweave/airweave-go/runtime/errs"
	"github.com/airweave/airweave-go/runtime/telemetry"
)

type (
	// ClientOptions configures the Vespa HTTP client.
	ClientOptions struct {
		// Endpoint is the container base URL, e.g. "http://localhost:8080".
		Endpoint string
		// Namespace and Schema name the document type; both default to
		// "airweave" / "entity".
		Namespace string
		Schema    string
		// HTTPClient overrides the default client (tests, custom transport).
		HTTPClient *http.Client
		// Timeout bounds one request; defaults to 30s.
		Timeout time.Duration
		Logger  telemetry.Logger
	}

	// Client talks to one Vespa container.
	Client struct {
		endpoint  string
		namespace string
		schema    string
		http      *http.Client
		log       telemetry.Logger
	}

	// queryResponse is the subset of the query API response the executor
	// reads.
	queryResponse struct {
		Root struct {
			Fields struct {
				TotalCount int `json:"totalCount"`
			} `json:"fields"`
			Children []queryChild `json:"children"`
			Errors   []struct {
				Summary string `json:"summary"`
				Message string `json:"message"`
			} `json:"errors"`
		} `json:"root"`
	}

	queryChild struct {
		ID        string         `json:"id"`
		Relevance float64        `json:"relevance"`
		Fields    map[string]any `json:"fields"`
		Children  []queryChild   `json:"children"`
		Label     string         `json:"label"`
		Value     string         `json:"value"`
	}
)

// NewClient builds a Vespa client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("vespa: endpoint is required")
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "airweave"
	}
	schema := opts.Schema
	if schema == "" {
		schema = "entity"
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Client{
		endpoint:  opts.Endpoint,
		namespace: ns,
		schema:    schema,
		http:      hc,
		log:       log,
	}, nil
}

// Schema returns the document type name.
func (c *Client) Schema() string { return c.schema }

// FeedDocument puts one document by id, creating or replacing it.
func (c *Client) FeedDocument(ctx context.Context, docID string, fields map[string]any) error {
	body, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return fmt.Errorf("vespa: encoding document %s: %w", docID, err)
	}
	u := fmt.Sprintf("%s/document/v1/%s/%s/docid/%s",
		c.endpoint, c.namespace, c.schema, url.PathEscape(docID))
	return c.do(ctx, http.MethodPut, u, body, nil)
}

// RemoveWhere deletes every document matching the selection expression.
func (c *Client) RemoveWhere(ctx context.Context, selection string) error {
	u := fmt.Sprintf("%s/document/v1/%s/%s/docid?selection=%s&cluster=%s",
		c.endpoint, c.namespace, c.schema, url.QueryEscape(selection), c.namespace)
	return c.do(ctx, http.MethodDelete, u, nil, nil)
}

// Query runs one query API request and decodes the response envelope.
func (c *Client) Query(ctx context.Context, body map[string]any) (*queryResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("vespa: encoding query: %w", err)
	}
	var resp queryResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint+"/search/", raw, &resp); err != nil {
		return nil, err
	}
	if len(resp.Root.Errors) > 0 {
		e := resp.Root.Errors[0]
		return nil, errs.Permanent(errs.KindExternalService,
			fmt.Sprintf("vespa query error: %s: %s", e.Summary, e.Message), nil)
	}
	return &resp, nil
}

// do issues one request and classifies failures: 5xx and transport errors
// are retryable, 4xx are permanent.
func (c *Client) do(ctx context.Context, method, u string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("vespa: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Operational(errs.KindDestinationDown, "vespa unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errs.Operational(errs.KindDestinationDown, "vespa: reading response", err)
	}
	switch {
	case resp.StatusCode >= 500:
		return errs.Operational(errs.KindDestinationDown,
			fmt.Sprintf("vespa returned %d: %s", resp.StatusCode, truncate(data, 200)), nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.RateLimited("vespa feed throttled", 0, nil)
	case resp.StatusCode >= 400:
		return errs.Permanent(errs.KindExternalService,
			fmt.Sprintf("vespa returned %d: %s", resp.StatusCode, truncate(data, 200)), nil)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("vespa: decoding response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
