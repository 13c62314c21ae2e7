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

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/taxflow/orchestrator/internal/models"
	"github.com/taxflow/orchestrator/internal/outcomes"
	"github.com/taxflow/orchestrator/internal/queue"
)

const sinkTimeout = 5 * time.Second

// storeSink persists every outcome to the Postgres audit log.
type storeSink struct {
	store *outcomes.Store
}

func (s *storeSink) Consume(_ context.Context, outcome models.DispatchOutcome, payload []byte) {
	// Detached context: the audit write must survive the webhook sender
	// disconnecting right after the response.
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := s.store.Insert(ctx, outcome, payload); err != nil {
		slog.Error("failed to persist dispatch outcome",
			"dispatch_id", outcome.DispatchID,
			"error", err,
		)
	}
}

// alertSink forwards failed and partially failed outcomes to the alert queue.
type alertSink struct {
	publisher *queue.Publisher
}

func (s *alertSink) Consume(_ context.Context, outcome models.DispatchOutcome, _ []byte) {
	if outcome.Status != models.StatusFailure && outcome.Status != models.StatusPartialFailure {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := s.publisher.PublishOutcomeAlert(ctx, outcome); err != nil {
		slog.Error("failed to publish outcome alert",
			"dispatch_id", outcome.DispatchID,
			"error", err,
		)
	}
}
