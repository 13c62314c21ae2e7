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

// Package freescout provides a client for the FreeScout helpdesk REST API
// and the normalization step that converts its response variants into one
// canonical Conversation shape.
package freescout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError is returned for non-2xx helpdesk responses. 4xx responses are
// permanent for that call; 5xx are transient and safe for the webhook sender
// to retry.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("freescout %s: HTTP %d: %s", e.Op, e.Status, e.Body)
}

// Transient reports whether the failure is worth retrying.
func (e *StatusError) Transient() bool { return e.Status >= 500 }

// Client calls the FreeScout REST API. It is stateless and safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a FreeScout API client. A nil httpClient gets a default
// with a 15s timeout.
func NewClient(httpClient *http.Client, baseURL, apiKey string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// GetConversation fetches a conversation with its threads embedded and
// normalizes it.
func (c *Client) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	raw, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/conversations/%d?embed=threads", id), nil, "get conversation")
	if err != nil {
		return nil, err
	}
	return NormalizeConversation(raw)
}

// PostMessage posts a customer-visible reply. When scheduledAt is non-nil
// the message is deferred instead of sent immediately.
func (c *Client) PostMessage(ctx context.Context, id int64, body string, scheduledAt *time.Time) error {
	payload := map[string]any{
		"type": "message",
		"text": body,
	}
	if scheduledAt != nil {
		payload["scheduledFor"] = scheduledAt.UTC().Format(time.RFC3339)
	}
	_, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/conversations/%d/threads", id), payload, "post message")
	return err
}

// PostNote posts an internal-only note, invisible to the customer.
func (c *Client) PostNote(ctx context.Context, id int64, text string) error {
	_, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/conversations/%d/threads", id),
		map[string]any{"type": "note", "text": text}, "post note")
	return err
}

// PostTimelineEntry posts a structured line-item marker to the conversation
// timeline.
func (c *Client) PostTimelineEntry(ctx context.Context, id int64, text string) error {
	_, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/conversations/%d/threads", id),
		map[string]any{"type": "lineitem", "text": text}, "post timeline entry")
	return err
}

// GetTags returns the conversation's current tag set.
func (c *Client) GetTags(ctx context.Context, id int64) ([]string, error) {
	raw, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/conversations/%d", id), nil, "get tags")
	if err != nil {
		return nil, err
	}
	conv, err := NormalizeConversation(raw)
	if err != nil {
		return nil, err
	}
	return conv.Tags, nil
}

// PutTags replaces the conversation's tag set. Callers own the merge
// semantics; this is a plain write.
func (c *Client) PutTags(ctx context.Context, id int64, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	_, err := c.do(ctx, http.MethodPut,
		fmt.Sprintf("/conversations/%d/tags", id),
		map[string]any{"tags": tags}, "put tags")
	return err
}

// CreateDraft creates an agent-facing draft reply attributed to authorID.
// The draft is not sent to the customer; it awaits human review.
func (c *Client) CreateDraft(ctx context.Context, id int64, body string, authorID int64) error {
	payload := map[string]any{
		"type":  "message",
		"text":  body,
		"state": "draft",
	}
	if authorID != 0 {
		payload["user"] = authorID
	}
	_, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/conversations/%d/threads", id), payload, "create draft")
	return err
}

// do performs one authenticated API call and returns the response body.
func (c *Client) do(ctx context.Context, method, path string, payload any, op string) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("X-FreeScout-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, Status: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}

	return respBody, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
