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

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taxflow/orchestrator/internal/models"
)

// stubDispatcher returns a fixed outcome and counts invocations.
type stubDispatcher struct {
	outcome models.DispatchOutcome
	calls   int
	lastEvt models.InboundEvent
}

func (s *stubDispatcher) Dispatch(_ context.Context, evt models.InboundEvent) models.DispatchOutcome {
	s.calls++
	s.lastEvt = evt
	out := s.outcome
	out.EventName = evt.Name
	return out
}

// stubFilter marks scripted delivery ids as duplicates.
type stubFilter struct {
	duplicates map[string]bool
	err        error
	seen       []string
}

func (s *stubFilter) IsNew(_ context.Context, deliveryID string) (bool, error) {
	s.seen = append(s.seen, deliveryID)
	if s.err != nil {
		return false, s.err
	}
	return !s.duplicates[deliveryID], nil
}

// stubSink records consumed outcomes.
type stubSink struct {
	outcomes []models.DispatchOutcome
}

func (s *stubSink) Consume(_ context.Context, outcome models.DispatchOutcome, _ []byte) {
	s.outcomes = append(s.outcomes, outcome)
}

func postEvent(h *Handler, event, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body))
	if event != "" {
		req.Header.Set(HeaderEvent, event)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeEvent(w, req)
	return w
}

func TestServeEventSuccess(t *testing.T) {
	disp := &stubDispatcher{outcome: models.DispatchOutcome{Status: models.StatusSuccess, EntityID: 42}}
	sink := &stubSink{}
	h := NewHandler(HandlerConfig{Dispatcher: disp, Sinks: []OutcomeSink{sink}})

	w := postEvent(h, "welcome.generate", `{"id": 42}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if disp.calls != 1 {
		t.Errorf("dispatch calls = %d, want 1", disp.calls)
	}
	if disp.lastEvt.Name != "welcome.generate" {
		t.Errorf("event name = %q", disp.lastEvt.Name)
	}

	var outcome models.DispatchOutcome
	if err := json.Unmarshal(w.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("response is not a DispatchOutcome: %v", err)
	}
	if outcome.Status != models.StatusSuccess || outcome.EntityID != 42 {
		t.Errorf("outcome = %+v", outcome)
	}

	if len(sink.outcomes) != 1 {
		t.Errorf("sink consumed %d outcomes, want 1", len(sink.outcomes))
	}
}

func TestServeEventMethodNotAllowed(t *testing.T) {
	h := NewHandler(HandlerConfig{Dispatcher: &stubDispatcher{}})

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()
	h.ServeEvent(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestServeEventMissingHeader(t *testing.T) {
	disp := &stubDispatcher{}
	h := NewHandler(HandlerConfig{Dispatcher: disp})

	w := postEvent(h, "", `{"id": 42}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if disp.calls != 0 {
		t.Errorf("dispatch calls = %d, want 0", disp.calls)
	}
}

func TestServeEventSignature(t *testing.T) {
	body := `{"id": 42}`
	secret := "shh"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	goodSig := hex.EncodeToString(mac.Sum(nil))

	tests := []struct {
		name      string
		signature string
		wantCode  int
		wantCalls int
	}{
		{name: "valid", signature: goodSig, wantCode: http.StatusOK, wantCalls: 1},
		{name: "wrong", signature: "deadbeef", wantCode: http.StatusUnauthorized, wantCalls: 0},
		{name: "missing", signature: "", wantCode: http.StatusUnauthorized, wantCalls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disp := &stubDispatcher{outcome: models.DispatchOutcome{Status: models.StatusSuccess}}
			h := NewHandler(HandlerConfig{Dispatcher: disp, Secret: secret})

			headers := map[string]string{}
			if tt.signature != "" {
				headers[HeaderSignature] = tt.signature
			}
			w := postEvent(h, "welcome.generate", body, headers)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if disp.calls != tt.wantCalls {
				t.Errorf("dispatch calls = %d, want %d", disp.calls, tt.wantCalls)
			}
		})
	}
}

// TestServeEventDuplicate verifies replayed deliveries short-circuit with
// zero dispatches.
func TestServeEventDuplicate(t *testing.T) {
	disp := &stubDispatcher{outcome: models.DispatchOutcome{Status: models.StatusSuccess}}
	filter := &stubFilter{duplicates: map[string]bool{"dup-1": true}}
	sink := &stubSink{}
	h := NewHandler(HandlerConfig{Dispatcher: disp, Filter: filter, Sinks: []OutcomeSink{sink}})

	w := postEvent(h, "welcome.generate", `{"id": 42}`,
		map[string]string{HeaderDelivery: "dup-1"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if disp.calls != 0 {
		t.Errorf("dispatch calls = %d, want 0 for a duplicate", disp.calls)
	}
	if len(sink.outcomes) != 0 {
		t.Errorf("sink consumed %d outcomes, want 0", len(sink.outcomes))
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp["duplicate"] != true {
		t.Errorf("response = %v, want duplicate marker", resp)
	}
}

// TestServeEventDeliveryIDFallback verifies identical bodies without a
// delivery header hash to the same dedup key.
func TestServeEventDeliveryIDFallback(t *testing.T) {
	disp := &stubDispatcher{outcome: models.DispatchOutcome{Status: models.StatusSuccess}}
	filter := &stubFilter{}
	h := NewHandler(HandlerConfig{Dispatcher: disp, Filter: filter})

	postEvent(h, "welcome.generate", `{"id": 42}`, nil)
	postEvent(h, "welcome.generate", `{"id": 42}`, nil)

	if len(filter.seen) != 2 {
		t.Fatalf("filter saw %d ids, want 2", len(filter.seen))
	}
	if filter.seen[0] != filter.seen[1] {
		t.Errorf("identical bodies produced different ids: %q vs %q", filter.seen[0], filter.seen[1])
	}
}

// TestServeEventDedupUnavailable verifies a dedup backend outage fails open.
func TestServeEventDedupUnavailable(t *testing.T) {
	disp := &stubDispatcher{outcome: models.DispatchOutcome{Status: models.StatusSuccess}}
	filter := &stubFilter{err: errors.New("redis down")}
	h := NewHandler(HandlerConfig{Dispatcher: disp, Filter: filter})

	w := postEvent(h, "welcome.generate", `{"id": 42}`, nil)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (fail open)", w.Code)
	}
	if disp.calls != 1 {
		t.Errorf("dispatch calls = %d, want 1", disp.calls)
	}
}

// TestServeEventValidationFailure verifies validation failures surface as 422
// with the outcome in the body.
func TestServeEventValidationFailure(t *testing.T) {
	disp := &stubDispatcher{outcome: models.DispatchOutcome{
		Status: models.StatusFailure,
		Error:  "validation: payload has no conversation id",
	}}
	h := NewHandler(HandlerConfig{Dispatcher: disp})

	w := postEvent(h, "welcome.generate", `{}`, nil)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}

	var outcome models.DispatchOutcome
	if err := json.Unmarshal(w.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if outcome.Status != models.StatusFailure {
		t.Errorf("outcome status = %q, want %q", outcome.Status, models.StatusFailure)
	}
}

// TestServeEventPartialFailureIs200 verifies partial failures stay HTTP 200;
// the status lives in the body.
func TestServeEventPartialFailureIs200(t *testing.T) {
	disp := &stubDispatcher{outcome: models.DispatchOutcome{Status: models.StatusPartialFailure}}
	h := NewHandler(HandlerConfig{Dispatcher: disp})

	w := postEvent(h, "welcome.generate", `{"id": 42}`, nil)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

// TestServeEventOverCapacity verifies the in-flight bound answers 503 without
// dispatching.
func TestServeEventOverCapacity(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	disp := &blockingDispatcher{block: block, started: started}
	h := NewHandler(HandlerConfig{Dispatcher: disp, MaxInflight: 1})

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- postEvent(h, "welcome.generate", `{"id": 1}`, nil)
	}()
	<-started

	w := postEvent(h, "welcome.generate", `{"id": 2}`, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}

	close(block)
	first := <-done
	if first.Code != http.StatusOK {
		t.Errorf("first request status = %d, want 200", first.Code)
	}
}

// markingFilter mimics the Redis SETNX semantics: the first sighting of an
// id marks it seen.
type markingFilter struct {
	seen map[string]bool
}

func (m *markingFilter) IsNew(_ context.Context, deliveryID string) (bool, error) {
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[deliveryID] {
		return false, nil
	}
	m.seen[deliveryID] = true
	return true, nil
}

// TestRejectedDeliveryCanRetry verifies a 503-rejected delivery is not
// marked seen, so the sender's retry dispatches instead of short-circuiting
// as a duplicate.
func TestRejectedDeliveryCanRetry(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	disp := &blockingDispatcher{block: block, started: started}
	filter := &markingFilter{}
	h := NewHandler(HandlerConfig{Dispatcher: disp, Filter: filter, MaxInflight: 1})

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- postEvent(h, "welcome.generate", `{"id": 1}`,
			map[string]string{HeaderDelivery: "A"})
	}()
	<-started

	rejected := postEvent(h, "welcome.generate", `{"id": 2}`,
		map[string]string{HeaderDelivery: "B"})
	if rejected.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rejected.Code)
	}

	close(block)
	<-done

	second := &stubDispatcher{outcome: models.DispatchOutcome{Status: models.StatusSuccess}}
	h2 := NewHandler(HandlerConfig{Dispatcher: second, Filter: filter, MaxInflight: 1})
	retry := postEvent(h2, "welcome.generate", `{"id": 2}`,
		map[string]string{HeaderDelivery: "B"})

	if retry.Code != http.StatusOK {
		t.Fatalf("retry status = %d, want 200", retry.Code)
	}
	if second.calls != 1 {
		t.Errorf("retry dispatch calls = %d, want 1 (delivery id must not be consumed by the 503)", second.calls)
	}

	var resp map[string]any
	if err := json.Unmarshal(retry.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp["duplicate"] == true {
		t.Error("retry was short-circuited as a duplicate")
	}
}

type blockingDispatcher struct {
	block   chan struct{}
	started chan struct{}
}

func (d *blockingDispatcher) Dispatch(context.Context, models.InboundEvent) models.DispatchOutcome {
	close(d.started)
	<-d.block
	return models.DispatchOutcome{Status: models.StatusSuccess}
}

func TestServeHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := NewHandler(HandlerConfig{
			Dispatcher: &stubDispatcher{},
			Health:     []HealthChecker{func(context.Context) error { return nil }},
		})
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		h.ServeHealth(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})

	t.Run("backend down", func(t *testing.T) {
		h := NewHandler(HandlerConfig{
			Dispatcher: &stubDispatcher{},
			Health:     []HealthChecker{func(context.Context) error { return errors.New("redis: connection refused") }},
		})
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		h.ServeHealth(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
	})
}
