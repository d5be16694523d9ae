// Package supabase provides a thin REST client for the hosted backend: the
// PostgREST surface for tables and RPC procedures, and the storage API for
// result objects.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"
)

const (
	maxResponseBytes  = 8 << 20  // 8 MiB
	maxErrorBodyBytes = 32 << 10 // 32 KiB
)

// Config holds connection settings for the hosted backend.
type Config struct {
	URL        string
	ServiceKey string
}

// Client wraps the Supabase REST API with service-role authentication.
type Client struct {
	url        string
	serviceKey string
	httpClient *http.Client
}

// NewClient validates the configuration and returns a ready client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.ServiceKey == "" {
		return nil, fmt.Errorf("supabase service key is required")
	}
	parsed, err := neturl.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("supabase URL %q is not a valid URL", cfg.URL)
	}

	return &Client{
		url:        strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// RPC calls a PostgREST procedure and decodes the JSON response into out.
// Pass a nil out to discard the result.
func (c *Client) RPC(ctx context.Context, fn string, args interface{}, out interface{}) error {
	respBody, err := c.request(ctx, http.MethodPost, "/rest/v1/rpc/"+fn, args, "")
	if err != nil {
		return fmt.Errorf("rpc %s: %w", fn, err)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("rpc %s: unmarshal response: %w", fn, err)
	}
	return nil
}

// Select reads rows from a table using a PostgREST query string and decodes
// them into out.
func (c *Client) Select(ctx context.Context, table, query string, out interface{}) error {
	respBody, err := c.request(ctx, http.MethodGet, "/rest/v1/"+table, nil, query)
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("select %s: unmarshal response: %w", table, err)
	}
	return nil
}

// Insert writes a row into a table.
func (c *Client) Insert(ctx context.Context, table string, row interface{}) error {
	if _, err := c.request(ctx, http.MethodPost, "/rest/v1/"+table, row, ""); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, body interface{}, query string) ([]byte, error) {
	url := c.url + path
	if query != "" {
		url += "?" + query
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("supabase API error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return respBody, nil
}
