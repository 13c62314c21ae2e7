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

package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taxflow/orchestrator/internal/ai"
	"github.com/taxflow/orchestrator/internal/resolver"
)

// handleDraftGenerate writes a reply draft for the assigned agent to review.
// The persona comes from the agent-id mapping with a generic fallback; the
// one persona configured for document-grounded answers gets its prompt
// enriched with retrieved context when the retrieval gateway is available.
// Retrieval failures degrade to "no additional context" and never abort the
// draft.
func (d *Dispatcher) handleDraftGenerate(ctx context.Context, run *Run) error {
	ec := run.Context
	persona := d.workflow.PersonaFor(ec.AssignedAgentID)

	system := persona.SystemPrompt
	system += fmt.Sprintf("\n\nWrite the reply in locale %q. The reply will be reviewed by a human agent before sending.", ec.Locale)

	if persona.UseRetrieval && d.retriever != nil {
		query := ec.Subject
		if latest, ok := ec.LatestCustomerMessage(); ok {
			query = latest.Body
		}
		res, err := d.retriever.Query(ctx, query)
		if err != nil {
			slog.Warn("retrieval unavailable, drafting without document context",
				"entity_id", ec.EntityID,
				"error", err,
			)
		} else if res != nil && res.Context != "" {
			system += fmt.Sprintf("\n\nRelevant documentation:\n%s", res.Context)
		}
	}

	userPrompt := fmt.Sprintf("Conversation so far:\n%s\n\nDraft the next reply to the customer.",
		resolver.FormatTranscript(ec.Thread))
	if block := d.resolver.FormatCustomFields(ec.CustomFields); block != "" {
		userPrompt += fmt.Sprintf("\n\nKnown case details:\n%s", block)
	}

	// The draft cannot exist without the generated text; an AI failure here
	// aborts with zero actions attempted.
	text, err := d.complete(ctx, ai.Request{
		SystemPrompt: system,
		UserPrompt:   userPrompt,
		Temperature:  0.4,
		MaxTokens:    1024,
	})
	if err != nil {
		return err
	}

	d.acts.CreateDraft(ctx, run.Rec, ec.EntityID, text, ec.AssignedAgentID)
	return nil
}
