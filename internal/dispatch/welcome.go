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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/taxflow/orchestrator/internal/ai"
	"github.com/taxflow/orchestrator/internal/models"
)

// handleWelcome greets a new lead: an AI-written welcome reply sent
// immediately, a templated document-request message scheduled after a delay,
// the docs-requested tag for the downstream rule engine, and a timeline
// summary.
//
// A lead imported without any customer message is normal (phone intake);
// the AI still runs, prompted with a synthetic placeholder derived from the
// subject line. If the welcome text cannot be generated, the immediate send
// is skipped as its hard dependency, but the scheduled message, tag and
// timeline entry do not depend on the AI text and still run.
func (d *Dispatcher) handleWelcome(ctx context.Context, run *Run) error {
	ec := run.Context

	initialBody := ""
	if initial, ok := ec.InitialCustomerMessage(); ok {
		initialBody = initial.Body
	} else {
		initialBody = fmt.Sprintf("(the customer has not written yet; they opened a request with subject %q)", ec.Subject)
	}

	userPrompt := fmt.Sprintf("Customer message:\n%s\n", initialBody)
	if block := d.resolver.FormatCustomFields(ec.CustomFields); block != "" {
		userPrompt += fmt.Sprintf("\nKnown case details:\n%s\n", block)
	}
	userPrompt += fmt.Sprintf("\nReply in locale %q.", ec.Locale)

	welcomeText, aiErr := d.complete(ctx, ai.Request{
		SystemPrompt: d.workflow.WelcomePrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.7,
		MaxTokens:    512,
	})

	if aiErr == nil {
		d.acts.SendMessage(ctx, run.Rec, ec.EntityID, welcomeText, nil)
	} else {
		// The immediate message depends on the AI text; record the skipped
		// step so the outcome shows what did not happen.
		run.Rec.Record(models.ActionResult{
			Kind:  models.ActionSendMessage,
			Error: fmt.Sprintf("skipped: welcome text unavailable: %v", aiErr),
		})
		slog.Warn("welcome text generation failed, skipping immediate message",
			"entity_id", ec.EntityID,
			"error", aiErr,
		)
	}

	followup, err := d.renderFollowup(ec)
	if err != nil {
		// Template trouble is a deployment bug; fall back to the raw body
		slog.Error("followup template failed", "error", err)
		followup = d.workflow.FollowupBody
	}
	sendAt := time.Now().UTC().Add(d.workflow.FollowupDelay.Std())
	d.acts.SendMessage(ctx, run.Rec, ec.EntityID, followup, &sendAt)

	d.acts.AddTags(ctx, run.Rec, ec.EntityID, []string{d.workflow.DocsRequestedTag})

	summary := fmt.Sprintf("Welcome flow: greeting sent, document request scheduled for %s, tagged %s",
		sendAt.Format(time.RFC3339), d.workflow.DocsRequestedTag)
	if aiErr != nil {
		summary = fmt.Sprintf("Welcome flow: greeting FAILED (%v), document request scheduled for %s",
			aiErr, sendAt.Format(time.RFC3339))
	}
	d.acts.AddTimelineEntry(ctx, run.Rec, ec.EntityID, summary)

	return aiErr
}

// renderFollowup substitutes customer variables into the configured
// document-request body.
func (d *Dispatcher) renderFollowup(ec *models.EventContext) (string, error) {
	name := "customer"
	if ec.Customer != nil && ec.Customer.Name != "" {
		name = ec.Customer.Name
	}

	tmpl, err := template.New("followup").Parse(d.workflow.FollowupBody)
	if err != nil {
		return "", fmt.Errorf("parse followup template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Name, Subject string }{Name: name, Subject: ec.Subject}); err != nil {
		return "", fmt.Errorf("render followup template: %w", err)
	}
	return buf.String(), nil
}
