package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiClient is a thin client for the overlord HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

// statusError is a non-2xx API response.
type statusError struct {
	Code   int
	Reason string
}

func (e *statusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Reason)
}

// get fetches path and decodes the JSON body into out. Error responses are
// decoded into out as well, so callers can read a degraded health report.
func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error   string `json:"error"`
			Details string `json:"details"`
			Detail  string `json:"detail"`
		}
		json.Unmarshal(body, &e)
		reason := e.Error
		if e.Details != "" {
			reason += ": " + e.Details
		}
		if reason == "" {
			reason = e.Detail
		}
		if out != nil {
			json.Unmarshal(body, out)
		}
		return &statusError{Code: resp.StatusCode, Reason: reason}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func targetPath(prefix, name string) string {
	return prefix + url.PathEscape(name)
}
