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

// Package outcomes provides a Postgres-backed audit log of dispatch
// outcomes. It feeds operator dashboards and the replay tool; the dispatch
// core itself never reads it.
package outcomes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taxflow/orchestrator/internal/models"
)

// Record is one persisted dispatch outcome, including the original payload
// so failed dispatches can be replayed.
type Record struct {
	ID         int64
	DispatchID string
	EventName  string
	EntityID   int64
	Status     string
	Error      string
	Actions    []models.ActionResult
	Payload    []byte
	CreatedAt  time.Time
}

// Store provides insert and query operations for dispatch outcomes.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an outcome store backed by the given Postgres pool.
// It ensures the dispatch_outcomes table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure outcomes schema: %w", err)
	}
	slog.Info("outcome store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dispatch_outcomes (
			id          BIGSERIAL PRIMARY KEY,
			dispatch_id TEXT NOT NULL UNIQUE,
			event_name  TEXT NOT NULL,
			entity_id   BIGINT NOT NULL DEFAULT 0,
			status      TEXT NOT NULL,
			error       TEXT DEFAULT '',
			actions     JSONB NOT NULL DEFAULT '[]',
			payload     JSONB,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_outcomes_entity ON dispatch_outcomes(entity_id);
		CREATE INDEX IF NOT EXISTS idx_outcomes_status ON dispatch_outcomes(status);
		CREATE INDEX IF NOT EXISTS idx_outcomes_created ON dispatch_outcomes(created_at);
	`)
	return err
}

// Insert persists one dispatch outcome with its original payload.
func (s *Store) Insert(ctx context.Context, outcome models.DispatchOutcome, payload []byte) error {
	actions, err := json.Marshal(outcome.Actions)
	if err != nil {
		return fmt.Errorf("marshal action results: %w", err)
	}
	if !json.Valid(payload) {
		payload = nil
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO dispatch_outcomes
			(dispatch_id, event_name, entity_id, status, error, actions, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dispatch_id) DO NOTHING
	`, outcome.DispatchID, outcome.EventName, outcome.EntityID,
		string(outcome.Status), outcome.Error, actions, payload)
	return err
}

// ListByEntity returns the most recent outcomes for one conversation.
func (s *Store) ListByEntity(ctx context.Context, entityID int64, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, dispatch_id, event_name, entity_id, status, error, actions, payload, created_at
		FROM dispatch_outcomes
		WHERE entity_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListFailed returns failed and partially failed dispatches since the given
// time, optionally filtered by event name. Used by the replay tool.
func (s *Store) ListFailed(ctx context.Context, since time.Time, eventName string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, dispatch_id, event_name, entity_id, status, error, actions, payload, created_at
		FROM dispatch_outcomes
		WHERE status IN ('failure', 'partial_failure')
		  AND created_at >= $1
		  AND ($2 = '' OR event_name = $2)
		ORDER BY created_at
	`, since, eventName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Ping checks the Postgres connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// collectRecords scans rows into Records.
func collectRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		var actions []byte
		if err := rows.Scan(
			&r.ID, &r.DispatchID, &r.EventName, &r.EntityID,
			&r.Status, &r.Error, &actions, &r.Payload, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(actions) > 0 {
			if err := json.Unmarshal(actions, &r.Actions); err != nil {
				return nil, fmt.Errorf("decode action results: %w", err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
