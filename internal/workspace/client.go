// SPDX-License-Identifier: Apache-2.0

// Package workspace is a small client for the Databricks Jobs and MLflow
// REST APIs of one workspace.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxErrorBody = 4 << 10

type Options struct {
	Host       string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	host       string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(opts Options) *Client {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		host:       strings.TrimRight(strings.TrimSpace(opts.Host), "/"),
		token:      opts.Token,
		httpClient: hc,
		logger:     l,
	}
}

// Host returns the workspace base URL without trailing slash.
func (c *Client) Host() string {
	return c.host
}

// APIError is a non-2xx response from the workspace.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("workspace api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("workspace api: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsErrorCode reports whether err is an APIError with the given error_code.
func IsErrorCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) do(ctx context.Context, method string, path string, query url.Values, in any, out any) error {
	if c.host == "" {
		return errors.New("workspace host is not configured")
	}

	endpoint := c.host + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("workspace request failed",
			"method", method,
			"path", path,
			"error", err,
		)
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("workspace request completed",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
