// Copyright (c) 2026 The Taxflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retrieval provides the optional document-retrieval gateway.
// Absence of configuration is a valid state: handlers gate on the capability
// and degrade to "no additional context" when it is missing or failing.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/taxflow/orchestrator/internal/config"
)

// Result is the context block returned for one query.
type Result struct {
	Context string   `json:"context"`
	Sources []string `json:"sources"`
}

// Querier is the capability the dispatch core depends on.
type Querier interface {
	Query(ctx context.Context, text string) (*Result, error)
}

// Client implements Querier against the document-retrieval HTTP service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

// NewClient creates a retrieval client. When client credentials are
// configured the underlying HTTP client handles token acquisition and
// refresh transparently.
func NewClient(ctx context.Context, cfg config.RetrievalConfig) *Client {
	httpClient := &http.Client{Timeout: cfg.Timeout.Std()}
	if cfg.ClientID != "" {
		creds := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = creds.Client(ctx)
		httpClient.Timeout = cfg.Timeout.Std()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		timeout:    cfg.Timeout.Std(),
	}
}

// Query retrieves document context relevant to the given text.
func (c *Client) Query(ctx context.Context, text string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"query": text})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieval query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build retrieval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("retrieval query: HTTP %d: %s", resp.StatusCode, body)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}
	return &result, nil
}
