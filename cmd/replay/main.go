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

// Taxflow Orchestrator — Replay Command
//
// Standalone CLI tool that re-dispatches failed webhook deliveries from the
// outcome audit log. Safe to run repeatedly: tag merges are idempotent and
// duplicate messages/notes are accepted at-least-once behavior.
//
// Usage:
//
//	go run ./cmd/replay/ --server http://localhost:8080 [--since 24h] [--event intent.detect] [--dry-run]
package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taxflow/orchestrator/internal/config"
	"github.com/taxflow/orchestrator/internal/outcomes"
	"github.com/taxflow/orchestrator/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	serverFlag := flag.String("server", "http://localhost:8080", "Orchestrator base URL to replay against")
	sinceFlag := flag.String("since", "24h", "Lookback duration (e.g. 24h, 168h)")
	eventFlag := flag.String("event", "", "Only replay this event name (optional)")
	dryRunFlag := flag.Bool("dry-run", false, "List matching outcomes without re-dispatching")
	flag.Parse()

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.PostgresURL == "" {
		slog.Error("replay requires the outcome audit log — set postgres.url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	store, err := outcomes.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise outcome store", "error", err)
		os.Exit(1)
	}

	since := time.Now().UTC().Add(-sinceDuration)
	records, err := store.ListFailed(ctx, since, *eventFlag)
	if err != nil {
		slog.Error("failed to list failed outcomes", "error", err)
		os.Exit(1)
	}

	slog.Info("failed dispatches found",
		"count", len(records),
		"since", since.Format(time.RFC3339),
		"event", *eventFlag,
	)

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	replayed, skipped, errored := 0, 0, 0

	for _, rec := range records {
		if len(rec.Payload) == 0 {
			slog.Warn("no stored payload, skipping",
				"dispatch_id", rec.DispatchID,
				"event", rec.EventName,
			)
			skipped++
			continue
		}

		if *dryRunFlag {
			slog.Info("would replay",
				"dispatch_id", rec.DispatchID,
				"event", rec.EventName,
				"entity_id", rec.EntityID,
				"status", rec.Status,
			)
			skipped++
			continue
		}

		if err := replayOne(ctx, httpClient, *serverFlag, cfg.WebhookSecret, rec); err != nil {
			slog.Error("replay failed",
				"dispatch_id", rec.DispatchID,
				"error", err,
			)
			errored++
			continue
		}
		replayed++
	}

	slog.Info("replay finished",
		"replayed", replayed,
		"skipped", skipped,
		"errors", errored,
	)
}

// replayOne re-POSTs one stored payload to the webhook endpoint. A fresh
// delivery id bypasses the dedup filter on purpose.
func replayOne(ctx context.Context, client *http.Client, server, secret string, rec outcomes.Record) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		server+"/webhook", bytes.NewReader(rec.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.HeaderEvent, rec.EventName)
	req.Header.Set(webhook.HeaderDelivery, "replay-"+uuid.New().String())
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(rec.Payload)
		req.Header.Set(webhook.HeaderSignature, hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}

	slog.Info("replayed dispatch",
		"dispatch_id", rec.DispatchID,
		"event", rec.EventName,
		"entity_id", rec.EntityID,
	)
	return nil
}
