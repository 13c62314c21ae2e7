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

// Package resolver builds the normalized per-dispatch event context from a
// canonical conversation snapshot. It runs before any side effect, so a
// resolver failure aborts the dispatch with nothing partially applied.
package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/taxflow/orchestrator/internal/config"
	"github.com/taxflow/orchestrator/internal/freescout"
	"github.com/taxflow/orchestrator/internal/models"
)

// ErrMissingEntityID means the payload carried no conversation identifier.
// Fatal for the dispatch; no side effects are attempted.
var ErrMissingEntityID = errors.New("payload has no conversation id")

// Resolver converts canonical conversations into read-only event contexts.
type Resolver struct {
	workflow config.WorkflowConfig
}

// New creates a resolver with the injected workflow tables.
func New(workflow config.WorkflowConfig) *Resolver {
	return &Resolver{workflow: workflow}
}

// Resolve builds the EventContext snapshot for one dispatch.
//
// The transcript contains customer messages and agent replies only (notes
// and timeline items are internal) and is sorted by creation time ascending.
// The sort is stable: entries with equal timestamps keep payload order.
func (r *Resolver) Resolve(conv *freescout.Conversation) (*models.EventContext, error) {
	if conv == nil || conv.ID == 0 {
		return nil, ErrMissingEntityID
	}

	ec := &models.EventContext{
		EntityID:        conv.ID,
		Subject:         conv.Subject,
		Locale:          conv.Locale,
		AssignedAgentID: conv.AssigneeID,
		MailboxID:       conv.MailboxID,
		CustomFields:    make(map[int64]models.CustomField, len(conv.CustomFields)),
	}
	if ec.Locale == "" {
		ec.Locale = r.workflow.DefaultLocale
	}

	if conv.Customer != nil {
		ec.Customer = &models.Customer{
			Name:  conv.Customer.Name(),
			Email: conv.Customer.Email,
		}
	}

	for _, t := range conv.Threads {
		var role models.AuthorRole
		switch t.Type {
		case "customer":
			role = models.RoleCustomer
		case "message":
			role = models.RoleAgent
		default:
			// notes and lineitems stay out of the transcript
			continue
		}
		ec.Thread = append(ec.Thread, models.ThreadEntry{
			Author:    role,
			Body:      strings.TrimSpace(t.Body),
			CreatedAt: t.CreatedAt,
		})
	}
	sort.SliceStable(ec.Thread, func(i, j int) bool {
		return ec.Thread[i].CreatedAt.Before(ec.Thread[j].CreatedAt)
	})

	for _, f := range conv.CustomFields {
		name := f.Name
		// Deployment config may carry the semantic name for a field id
		if mapped, ok := r.workflow.FieldNames[f.ID]; ok {
			name = mapped
		}
		ec.CustomFields[f.ID] = models.CustomField{ID: f.ID, Name: name, Value: f.Value}
	}

	return ec, nil
}

// FormatCustomFields renders the human-readable field block used in AI
// prompts. Internal tracking fields and fields with empty or whitespace-only
// values are excluded. Output order is ascending field id, so identical
// contexts always produce identical prompts.
func (r *Resolver) FormatCustomFields(fields map[int64]models.CustomField) string {
	ids := make([]int64, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	for _, id := range ids {
		f := fields[id]
		if r.workflow.IsInternalField(id) {
			continue
		}
		if strings.TrimSpace(f.Value) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", f.Name, strings.TrimSpace(f.Value))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatTranscript renders the chronological thread for AI prompts.
func FormatTranscript(thread []models.ThreadEntry) string {
	var b strings.Builder
	for _, t := range thread {
		label := "Customer"
		if t.Author == models.RoleAgent {
			label = "Agent"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, t.Body)
	}
	return strings.TrimRight(b.String(), "\n")
}
