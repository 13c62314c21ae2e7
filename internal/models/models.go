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

// Package models defines the data structures shared across the orchestrator.
package models

import (
	"encoding/json"
	"time"
)

// InboundEvent is one webhook delivery: a named event plus its opaque payload.
// It is created at the HTTP boundary and discarded after dispatch completes.
type InboundEvent struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// AuthorRole identifies who wrote a thread entry.
type AuthorRole string

const (
	RoleCustomer AuthorRole = "customer"
	RoleAgent    AuthorRole = "agent"
)

// ThreadEntry is a single message in a conversation, customer- or agent-authored.
type ThreadEntry struct {
	Author    AuthorRole `json:"author"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
}

// Customer holds the minimal customer identity attached to a conversation.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CustomField is one helpdesk custom field, keyed by its numeric field id.
type CustomField struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EventContext is the normalized, read-only snapshot of everything a handler
// needs about the conversation an event concerns. It is built once per
// dispatch and never refreshed during that dispatch.
type EventContext struct {
	EntityID        int64
	Subject         string
	Locale          string
	AssignedAgentID int64 // 0 = unassigned
	MailboxID       int64
	Customer        *Customer

	// Thread is the full transcript, sorted by creation time ascending.
	// Internal notes are excluded. An empty thread is valid (e.g. an
	// imported lead with no message yet).
	Thread []ThreadEntry

	// CustomFields is keyed by field id. Fields flagged internal in config
	// stay in the map; they are only excluded when prompts are built.
	CustomFields map[int64]CustomField
}

// InitialCustomerMessage returns the first chronological customer-authored
// entry. ok is false when the customer has never written.
func (ec *EventContext) InitialCustomerMessage() (ThreadEntry, bool) {
	for _, t := range ec.Thread {
		if t.Author == RoleCustomer {
			return t, true
		}
	}
	return ThreadEntry{}, false
}

// LatestCustomerMessage returns the most recent customer-authored entry.
func (ec *EventContext) LatestCustomerMessage() (ThreadEntry, bool) {
	for i := len(ec.Thread) - 1; i >= 0; i-- {
		if ec.Thread[i].Author == RoleCustomer {
			return ec.Thread[i], true
		}
	}
	return ThreadEntry{}, false
}

// ActionKind names one side-effecting primitive for outcome reporting.
type ActionKind string

const (
	ActionSendMessage     ActionKind = "send_message"
	ActionScheduleMessage ActionKind = "schedule_message"
	ActionAddTags         ActionKind = "add_tags"
	ActionAddNote         ActionKind = "add_note"
	ActionTimelineEntry   ActionKind = "timeline_entry"
	ActionCreateDraft     ActionKind = "create_draft"
)

// ActionResult records the outcome of one action primitive invocation.
type ActionResult struct {
	Kind      ActionKind `json:"kind"`
	Succeeded bool       `json:"succeeded"`
	Detail    string     `json:"detail,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// DispatchStatus classifies how a dispatch ended.
type DispatchStatus string

const (
	StatusSuccess        DispatchStatus = "success"
	StatusPartialFailure DispatchStatus = "partial_failure"
	StatusFailure        DispatchStatus = "failure"
	StatusUnknownEvent   DispatchStatus = "unknown_event"
)

// DispatchOutcome is the terminal, per-event result returned to the webhook
// sender. It is constructed once and never mutated after return.
type DispatchOutcome struct {
	DispatchID string         `json:"dispatch_id"`
	EventName  string         `json:"event"`
	EntityID   int64          `json:"entity_id,omitempty"`
	Status     DispatchStatus `json:"status"`
	Actions    []ActionResult `json:"actions"`
	Error      string         `json:"error,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}
