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

package freescout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

// capture records the last request the test server received.
type capture struct {
	method string
	path   string
	query  string
	apiKey string
	body   map[string]any
}

func newTestServer(t *testing.T, status int, response string, cap *capture) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cap.method = r.Method
		cap.path = r.URL.Path
		cap.query = r.URL.RawQuery
		cap.apiKey = r.Header.Get("X-FreeScout-API-Key")
		cap.body = nil
		if r.Body != nil {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				cap.body = body
			}
		}
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
}

func TestGetConversation(t *testing.T) {
	var cap capture
	srv := newTestServer(t, http.StatusOK,
		`{"id": 42, "subject": "Tax question", "_embedded": {"threads": [
			{"type": "customer", "body": "hello", "createdAt": "2026-03-01T10:00:00Z"}
		]}}`, &cap)
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "secret-key")
	conv, err := c.GetConversation(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cap.method != http.MethodGet || cap.path != "/conversations/42" {
		t.Errorf("request = %s %s, want GET /conversations/42", cap.method, cap.path)
	}
	if cap.query != "embed=threads" {
		t.Errorf("query = %q, want \"embed=threads\"", cap.query)
	}
	if cap.apiKey != "secret-key" {
		t.Errorf("api key header = %q, want \"secret-key\"", cap.apiKey)
	}
	if conv.ID != 42 || len(conv.Threads) != 1 {
		t.Errorf("conversation = %+v, want id 42 with 1 thread", conv)
	}
}

func TestPostMessage(t *testing.T) {
	t.Run("immediate", func(t *testing.T) {
		var cap capture
		srv := newTestServer(t, http.StatusCreated, `{}`, &cap)
		defer srv.Close()

		c := NewClient(srv.Client(), srv.URL, "k")
		if err := c.PostMessage(context.Background(), 42, "hello", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cap.path != "/conversations/42/threads" {
			t.Errorf("path = %q", cap.path)
		}
		if cap.body["type"] != "message" || cap.body["text"] != "hello" {
			t.Errorf("body = %v", cap.body)
		}
		if _, ok := cap.body["scheduledFor"]; ok {
			t.Error("immediate message must not carry scheduledFor")
		}
	})

	t.Run("scheduled", func(t *testing.T) {
		var cap capture
		srv := newTestServer(t, http.StatusCreated, `{}`, &cap)
		defer srv.Close()

		at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
		c := NewClient(srv.Client(), srv.URL, "k")
		if err := c.PostMessage(context.Background(), 42, "later", &at); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cap.body["scheduledFor"] != "2026-03-01T12:30:00Z" {
			t.Errorf("scheduledFor = %v, want RFC3339 timestamp", cap.body["scheduledFor"])
		}
	})
}

func TestPostNoteAndTimeline(t *testing.T) {
	tests := []struct {
		name     string
		call     func(c *Client) error
		wantType string
	}{
		{
			name:     "note",
			call:     func(c *Client) error { return c.PostNote(context.Background(), 7, "internal") },
			wantType: "note",
		},
		{
			name:     "timeline",
			call:     func(c *Client) error { return c.PostTimelineEntry(context.Background(), 7, "step done") },
			wantType: "lineitem",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cap capture
			srv := newTestServer(t, http.StatusCreated, `{}`, &cap)
			defer srv.Close()

			c := NewClient(srv.Client(), srv.URL, "k")
			if err := tt.call(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cap.body["type"] != tt.wantType {
				t.Errorf("type = %v, want %q", cap.body["type"], tt.wantType)
			}
		})
	}
}

func TestGetTags(t *testing.T) {
	var cap capture
	srv := newTestServer(t, http.StatusOK,
		`{"id": 42, "tags": [{"id": 1, "name": "vip"}, {"id": 2, "name": "open"}]}`, &cap)
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "k")
	tags, err := c.GetTags(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(tags, []string{"vip", "open"}) {
		t.Errorf("tags = %v, want [vip open]", tags)
	}
}

func TestPutTags(t *testing.T) {
	var cap capture
	srv := newTestServer(t, http.StatusOK, `{}`, &cap)
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "k")
	if err := c.PutTags(context.Background(), 42, []string{"a", "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cap.method != http.MethodPut || cap.path != "/conversations/42/tags" {
		t.Errorf("request = %s %s, want PUT /conversations/42/tags", cap.method, cap.path)
	}
	want := []any{"a", "b"}
	if !reflect.DeepEqual(cap.body["tags"], want) {
		t.Errorf("tags = %v, want %v", cap.body["tags"], want)
	}
}

func TestPutTagsNil(t *testing.T) {
	var cap capture
	srv := newTestServer(t, http.StatusOK, `{}`, &cap)
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "k")
	if err := c.PutTags(context.Background(), 42, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, ok := cap.body["tags"].([]any); !ok || len(got) != 0 {
		t.Errorf("tags = %v, want explicit empty array", cap.body["tags"])
	}
}

func TestCreateDraft(t *testing.T) {
	var cap capture
	srv := newTestServer(t, http.StatusCreated, `{}`, &cap)
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "k")
	if err := c.CreateDraft(context.Background(), 42, "draft text", 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cap.body["state"] != "draft" {
		t.Errorf("state = %v, want \"draft\"", cap.body["state"])
	}
	if cap.body["user"] != float64(7) {
		t.Errorf("user = %v, want 7", cap.body["user"])
	}
}

func TestStatusError(t *testing.T) {
	var cap capture
	srv := newTestServer(t, http.StatusBadGateway, `upstream down`, &cap)
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "k")
	err := c.PostNote(context.Background(), 42, "x")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want *StatusError", err)
	}
	if se.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", se.Status)
	}
	if !se.Transient() {
		t.Error("502 should be transient")
	}
}

func TestStatusErrorPermanent(t *testing.T) {
	var cap capture
	srv := newTestServer(t, http.StatusNotFound, `not found`, &cap)
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "k")
	err := c.PostNote(context.Background(), 42, "x")

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want *StatusError", err)
	}
	if se.Transient() {
		t.Error("404 should not be transient")
	}
}
