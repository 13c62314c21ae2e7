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

// Taxflow Orchestrator
//
// Entry point for the webhook orchestration service. It:
//  1. Loads configuration from config.yaml
//  2. Connects to Redis (delivery dedup, alert queue) and optionally Postgres
//  3. Builds the helpdesk, AI completion and retrieval gateways
//  4. Constructs the dispatcher with the built-in handlers
//  5. Serves the webhook and health endpoints
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/taxflow/orchestrator/internal/ai"
	"github.com/taxflow/orchestrator/internal/config"
	"github.com/taxflow/orchestrator/internal/dedup"
	"github.com/taxflow/orchestrator/internal/dispatch"
	"github.com/taxflow/orchestrator/internal/freescout"
	"github.com/taxflow/orchestrator/internal/outcomes"
	"github.com/taxflow/orchestrator/internal/queue"
	"github.com/taxflow/orchestrator/internal/retrieval"
	"github.com/taxflow/orchestrator/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting taxflow orchestrator")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"personas", len(cfg.Workflow.Personas),
		"intent_labels", len(cfg.Workflow.IntentLabels),
		"retrieval", cfg.Retrieval.Enabled(),
		"max_inflight", cfg.MaxInflight,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := queue.NewPublisher(rdb, cfg.AlertsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Dedup Filter ---
	filter := dedup.NewFilter(rdb)

	// --- Outcome Store (Postgres, optional) ---
	var store *outcomes.Store
	var pgPool *pgxpool.Pool
	if cfg.PostgresURL != "" {
		pgPool, err = pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		store, err = outcomes.NewStore(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise outcome store", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Info("no postgres configured, outcome audit log disabled")
	}

	// --- Gateways ---
	helpdesk := freescout.NewClient(nil, cfg.FreeScout.BaseURL, cfg.FreeScout.APIKey)
	completer := ai.NewClient(cfg.AI)

	var retriever retrieval.Querier
	if cfg.Retrieval.Enabled() {
		retriever = retrieval.NewClient(ctx, cfg.Retrieval)
		slog.Info("retrieval gateway configured", "url", cfg.Retrieval.BaseURL)
	}

	// --- Dispatcher ---
	dispatcher := dispatch.New(dispatch.Deps{
		Gateway:   helpdesk,
		Completer: completer,
		Retriever: retriever,
		Workflow:  cfg.Workflow,
	})

	// --- Outcome sinks ---
	sinks := []webhook.OutcomeSink{}
	if store != nil {
		sinks = append(sinks, &storeSink{store: store})
	}
	sinks = append(sinks, &alertSink{publisher: publisher})

	// --- Health checks ---
	health := []webhook.HealthChecker{publisher.Ping}
	if store != nil {
		health = append(health, store.Ping)
	}

	// --- Webhook Server ---
	handler := webhook.NewHandler(webhook.HandlerConfig{
		Dispatcher:  dispatcher,
		Filter:      filter,
		Sinks:       sinks,
		Secret:      cfg.WebhookSecret,
		MaxInflight: cfg.MaxInflight,
		Health:      health,
	})

	ready, err := webhook.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("orchestrator ready", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // stops the webhook server and in-flight background work

	rdb.Close()
	if pgPool != nil {
		pgPool.Close()
	}

	slog.Info("orchestrator stopped")
}
