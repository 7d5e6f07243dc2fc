// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package memory is the client for the long-term fix-pattern store. The
// service is advisory: every error here degrades to an empty result or a
// no-op, never to a failed intervention.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// FixRecord is one stored fix pattern. CustomID is the idempotency key:
// storing the same id again updates the record instead of duplicating it.
type FixRecord struct {
	ID           string         `json:"id,omitempty"`
	CustomID     string         `json:"custom_id,omitempty"`
	ContainerTag string         `json:"container_tag,omitempty"`
	Content      string         `json:"content"`
	Score        float64        `json:"score,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SearchOptions narrows a search call.
type SearchOptions struct {
	ContainerTag string
	Filters      map[string]any
	Threshold    float64
	Limit        int
}

// Client talks to the memory service over HTTPS with bearer-token auth.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// New returns a client; empty baseURL or token yields a disabled client whose
// calls are silent no-ops.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether the service is configured.
func (c *Client) Enabled() bool { return c != nil && c.baseURL != "" && c.token != "" }

// Search returns ranked fix records for a natural-language query. Failures
// are logged and surface as an empty slice with the error for the caller's
// log entry; the intervention pipeline must not branch on it.
func (c *Client) Search(ctx context.Context, query string, opts SearchOptions) ([]FixRecord, error) {
	if !c.Enabled() {
		return nil, nil
	}

	payload := map[string]any{"query": query}
	if opts.ContainerTag != "" {
		payload["container_tag"] = opts.ContainerTag
	}
	if len(opts.Filters) > 0 {
		payload["filters"] = opts.Filters
	}
	if opts.Threshold > 0 {
		payload["threshold"] = opts.Threshold
	}
	if opts.Limit > 0 {
		payload["limit"] = opts.Limit
	}

	body, err := c.post(ctx, "/v1/memories/search", payload)
	if err != nil {
		log.Warnf("memory search failed: %v", err)
		return nil, err
	}

	var out struct {
		Results []FixRecord `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		log.Warnf("memory search returned malformed body: %v", err)
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return out.Results, nil
}

// Store writes a fix record and returns the service-assigned id.
func (c *Client) Store(ctx context.Context, rec FixRecord) (string, error) {
	if !c.Enabled() {
		return "", nil
	}

	payload := map[string]any{
		"content":       rec.Content,
		"custom_id":     rec.CustomID,
		"container_tag": rec.ContainerTag,
		"metadata":      rec.Metadata,
	}

	body, err := c.post(ctx, "/v1/memories", payload)
	if err != nil {
		log.Warnf("memory store failed: %v", err)
		return "", err
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode store response: %w", err)
	}
	return out.ID, nil
}

// post sends one JSON request with a single backoff retry on 5xx responses.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("memory service returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("memory service rejected request with status %d: %s", resp.StatusCode, truncate(string(body), 200))
		}
		return body, nil
	}
	return nil, lastErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
