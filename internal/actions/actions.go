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

// Package actions implements the atomic side-effecting primitives handlers
// compose: send or schedule a message, merge tags, add a note, add a
// timeline entry, create a draft. Every invocation is recorded as an ordered
// ActionResult so the dispatch outcome exposes per-step success.
//
// Tag writes use fetch-union-write so repeated delivery of the same event
// cannot create duplicate tags (duplicates would corrupt downstream
// "has tag X" conditions in the helpdesk rule engine). Messages, notes and
// timeline entries are append-only: a duplicate is visible but harmless,
// accepted at-least-once behavior.
package actions

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/taxflow/orchestrator/internal/freescout"
	"github.com/taxflow/orchestrator/internal/models"
)

// Gateway is the helpdesk capability the primitives are built on.
// Implemented by freescout.Client; tests substitute a counting fake.
type Gateway interface {
	GetConversation(ctx context.Context, id int64) (*freescout.Conversation, error)
	PostMessage(ctx context.Context, id int64, body string, scheduledAt *time.Time) error
	PostNote(ctx context.Context, id int64, text string) error
	PostTimelineEntry(ctx context.Context, id int64, text string) error
	GetTags(ctx context.Context, id int64) ([]string, error)
	PutTags(ctx context.Context, id int64, tags []string) error
	CreateDraft(ctx context.Context, id int64, body string, authorID int64) error
}

// Recorder accumulates the ordered per-step results of one dispatch.
// It is owned by a single dispatch call and not safe for concurrent use.
type Recorder struct {
	results []models.ActionResult
}

// Record appends one result.
func (r *Recorder) Record(res models.ActionResult) {
	r.results = append(r.results, res)
}

// Results returns the accumulated results in invocation order.
func (r *Recorder) Results() []models.ActionResult {
	return r.results
}

// Counts returns how many recorded actions succeeded and failed.
func (r *Recorder) Counts() (succeeded, failed int) {
	for _, res := range r.results {
		if res.Succeeded {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// Set binds the primitives to a gateway.
type Set struct {
	gw Gateway
}

// NewSet creates the action primitive set.
func NewSet(gw Gateway) *Set {
	return &Set{gw: gw}
}

// SendMessage posts a customer-visible message, deferred when scheduledAt is
// set. The result is recorded either way; the returned error lets callers
// make hard-dependency decisions.
func (s *Set) SendMessage(ctx context.Context, rec *Recorder, entityID int64, body string, scheduledAt *time.Time) error {
	kind := models.ActionSendMessage
	detail := fmt.Sprintf("%d chars", len(body))
	if scheduledAt != nil {
		kind = models.ActionScheduleMessage
		detail = fmt.Sprintf("%d chars, scheduled for %s", len(body), scheduledAt.UTC().Format(time.RFC3339))
	}

	err := s.gw.PostMessage(ctx, entityID, body, scheduledAt)
	rec.Record(result(kind, detail, err))
	return err
}

// AddTags merges the requested tags into the entity's stored tag set:
// fetch current, union, write back. Calling it twice with the same tags is a
// no-op on the second call.
func (s *Set) AddTags(ctx context.Context, rec *Recorder, entityID int64, tags []string) error {
	detail := fmt.Sprintf("merge %v", tags)

	current, err := s.gw.GetTags(ctx, entityID)
	if err != nil {
		rec.Record(result(models.ActionAddTags, detail, err))
		return err
	}

	merged := union(current, tags)
	if len(merged) == len(current) {
		// Union added nothing; skip the write
		rec.Record(result(models.ActionAddTags, detail+" (already present)", nil))
		return nil
	}

	err = s.gw.PutTags(ctx, entityID, merged)
	rec.Record(result(models.ActionAddTags, detail, err))
	return err
}

// AddNote posts an internal annotation. Safe to repeat; a duplicate note is
// cosmetic.
func (s *Set) AddNote(ctx context.Context, rec *Recorder, entityID int64, text string) error {
	err := s.gw.PostNote(ctx, entityID, text)
	rec.Record(result(models.ActionAddNote, "", err))
	return err
}

// AddTimelineEntry posts a structured timeline marker. Same retry posture as
// AddNote.
func (s *Set) AddTimelineEntry(ctx context.Context, rec *Recorder, entityID int64, text string) error {
	err := s.gw.PostTimelineEntry(ctx, entityID, text)
	rec.Record(result(models.ActionTimelineEntry, text, err))
	return err
}

// CreateDraft creates an agent-facing draft reply awaiting human review.
func (s *Set) CreateDraft(ctx context.Context, rec *Recorder, entityID int64, body string, authorID int64) error {
	err := s.gw.CreateDraft(ctx, entityID, body, authorID)
	rec.Record(result(models.ActionCreateDraft, fmt.Sprintf("author %d, %d chars", authorID, len(body)), err))
	return err
}

func result(kind models.ActionKind, detail string, err error) models.ActionResult {
	res := models.ActionResult{Kind: kind, Detail: detail, Succeeded: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// union returns current ∪ extra, deduplicated, sorted for a deterministic
// write order.
func union(current, extra []string) []string {
	seen := make(map[string]struct{}, len(current)+len(extra))
	merged := make([]string, 0, len(current)+len(extra))
	for _, t := range current {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			merged = append(merged, t)
		}
	}
	for _, t := range extra {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			merged = append(merged, t)
		}
	}
	sort.Strings(merged)
	return merged
}
