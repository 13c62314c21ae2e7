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

// Package webhook is the HTTP ingress. The helpdesk's automation rules POST
// events here; the handler authenticates the delivery, filters duplicates,
// dispatches synchronously under a concurrency bound, and answers with the
// structured dispatch outcome.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/taxflow/orchestrator/internal/models"
)

// Request headers, following the FreeScout webhook conventions.
const (
	HeaderEvent     = "X-FreeScout-Event"
	HeaderSignature = "X-Webhook-Signature"
	HeaderDelivery  = "X-Delivery-ID"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Dispatcher is the core boundary the ingress calls into.
type Dispatcher interface {
	Dispatch(ctx context.Context, event models.InboundEvent) models.DispatchOutcome
}

// DeliveryFilter spots replayed webhook deliveries. Implemented by
// dedup.Filter; nil disables deduplication.
type DeliveryFilter interface {
	IsNew(ctx context.Context, deliveryID string) (bool, error)
}

// OutcomeSink receives every dispatch outcome for audit and alerting.
// Implementations must not block dispatch responses; errors are logged and
// dropped.
type OutcomeSink interface {
	Consume(ctx context.Context, outcome models.DispatchOutcome, payload []byte)
}

// HealthChecker reports backend health for the /health endpoint.
type HealthChecker func(ctx context.Context) error

// Handler processes inbound helpdesk webhook events.
type Handler struct {
	dispatcher Dispatcher
	filter     DeliveryFilter
	sinks      []OutcomeSink
	secret     string
	inflight   *semaphore.Weighted
	health     []HealthChecker
}

// HandlerConfig holds the ingress dependencies.
type HandlerConfig struct {
	Dispatcher  Dispatcher
	Filter      DeliveryFilter
	Sinks       []OutcomeSink
	Secret      string
	MaxInflight int64
	Health      []HealthChecker
}

// NewHandler creates the webhook handler.
func NewHandler(cfg HandlerConfig) *Handler {
	maxInflight := cfg.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 16
	}
	return &Handler{
		dispatcher: cfg.Dispatcher,
		filter:     cfg.Filter,
		sinks:      cfg.Sinks,
		secret:     cfg.Secret,
		inflight:   semaphore.NewWeighted(maxInflight),
		health:     cfg.Health,
	}
}

// ServeEvent handles POST /webhook.
//
// The event name comes from the X-FreeScout-Event header and the payload is
// the raw JSON body. The response is always the structured DispatchOutcome:
// 200 for dispatched events (including unknown-event no-ops and partial
// failures — status lives in the body), 422 when the payload failed
// validation, 401 for bad signatures, 503 when the in-flight bound is hit so
// the sender retries later.
func (h *Handler) ServeEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	eventName := r.Header.Get(HeaderEvent)
	if eventName == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s header required", HeaderEvent))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if h.secret != "" && !h.validSignature(r.Header.Get(HeaderSignature), body) {
		slog.Warn("webhook signature mismatch", "event", eventName)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	// Capacity first: a 503-rejected delivery must not be marked seen, or
	// the sender's retry would short-circuit as a duplicate and the event
	// would be lost.
	if !h.inflight.TryAcquire(1) {
		writeError(w, http.StatusServiceUnavailable, "too many in-flight dispatches, retry later")
		return
	}
	defer h.inflight.Release(1)

	// Duplicate deliveries short-circuit with zero side effects
	deliveryID := r.Header.Get(HeaderDelivery)
	if deliveryID == "" {
		sum := sha256.Sum256(body)
		deliveryID = hex.EncodeToString(sum[:])
	}
	if h.filter != nil {
		isNew, err := h.filter.IsNew(r.Context(), deliveryID)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "error", err)
		} else if !isNew {
			slog.Info("duplicate delivery skipped",
				"event", eventName,
				"delivery_id", deliveryID,
			)
			writeJSON(w, http.StatusOK, map[string]any{
				"duplicate":   true,
				"delivery_id": deliveryID,
			})
			return
		}
	}

	outcome := h.dispatcher.Dispatch(r.Context(), models.InboundEvent{
		Name:    eventName,
		Payload: body,
	})

	for _, sink := range h.sinks {
		sink.Consume(r.Context(), outcome, body)
	}

	code := http.StatusOK
	if outcome.Status == models.StatusFailure {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, outcome)
}

// ServeHealth handles GET /health, checking each configured backend.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.health {
		if err := check(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// validSignature checks the hex HMAC-SHA256 of the body with constant-time
// comparison.
func (h *Handler) validSignature(signature string, body []byte) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Serve starts the webhook HTTP server on the given port. It binds the port
// immediately and signals readiness via the returned channel before starting
// to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", handler.ServeEvent)
	mux.HandleFunc("/health", handler.ServeHealth)

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // dispatches wait on AI generation
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("webhook server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
