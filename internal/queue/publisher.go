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

// Package queue publishes failed dispatch outcomes to a Redis list consumed
// by the operator-alerting worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/taxflow/orchestrator/internal/models"
)

// Publisher sends outcome alerts to Redis.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// alertTask is the envelope the alerting worker consumes.
type alertTask struct {
	ID       string                 `json:"id"`
	Kind     string                 `json:"kind"`
	Outcome  models.DispatchOutcome `json:"outcome"`
	QueuedAt string                 `json:"queued_at"`
}

// PublishOutcomeAlert enqueues one failed or partially failed outcome for
// operator review.
func (p *Publisher) PublishOutcomeAlert(ctx context.Context, outcome models.DispatchOutcome) error {
	task := alertTask{
		ID:       uuid.New().String(),
		Kind:     "dispatch.alert",
		Outcome:  outcome,
		QueuedAt: time.Now().UTC().Format(time.RFC3339),
	}

	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal alert task: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(taskJSON)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published outcome alert",
		"task_id", task.ID,
		"dispatch_id", outcome.DispatchID,
		"event", outcome.EventName,
		"status", outcome.Status,
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
