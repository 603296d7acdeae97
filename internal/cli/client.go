// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultAPIURL = "http://localhost:8080"

// apiClient is a thin HTTP client for the pipeline API.
type apiClient struct {
	baseURL string
	tenant  string
	http    *http.Client
}

// connectionFlags registers the shared --api and --tenant flags on fs and
// returns a constructor to call after parsing.
func connectionFlags(fs *flag.FlagSet) func() (*apiClient, error) {
	api := fs.String("api", "", "API base URL (default $SPECFORGE_API or "+defaultAPIURL+")")
	tenant := fs.String("tenant", "", "Tenant ID (default $SPECFORGE_TENANT)")

	return func() (*apiClient, error) {
		baseURL := *api
		if baseURL == "" {
			baseURL = os.Getenv("SPECFORGE_API")
		}
		if baseURL == "" {
			baseURL = defaultAPIURL
		}
		tenantID := *tenant
		if tenantID == "" {
			tenantID = os.Getenv("SPECFORGE_TENANT")
		}
		if tenantID == "" {
			return nil, fmt.Errorf("tenant is required: pass --tenant or set SPECFORGE_TENANT")
		}
		return &apiClient{
			baseURL: strings.TrimRight(baseURL, "/"),
			tenant:  tenantID,
			// Step execution blocks for the duration of one agent call.
			http: &http.Client{Timeout: 15 * time.Minute},
		}, nil
	}
}

// apiError is the decoded error body of a non-2xx response.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
	Reason  string `json:"reason"`
}

func (e *apiError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Reason)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

func (c *apiClient) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Tenant-ID", c.tenant)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *apiClient) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out interface{}) error {
	return c.do(http.MethodPost, path, body, out)
}
