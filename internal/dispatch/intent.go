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
	"strings"

	"github.com/taxflow/orchestrator/internal/ai"
)

// handleIntentDetect classifies the customer's latest reply into the closed
// intent label set and writes the label as a tag for the rule engine.
//
// The classifier output is validated against the declared set before
// tagging; an out-of-set label fails the dispatch rather than polluting the
// external tag vocabulary the workflow conditions match on.
func (d *Dispatcher) handleIntentDetect(ctx context.Context, run *Run) error {
	ec := run.Context

	latest, ok := ec.LatestCustomerMessage()
	if !ok {
		// Fail fast, before any AI call
		return ErrNoCustomerMessage()
	}

	system := fmt.Sprintf(
		"You classify helpdesk replies from tax advisory customers. "+
			"Answer with exactly one of these labels and nothing else: %s",
		strings.Join(d.workflow.IntentLabels, ", "))

	raw, err := d.complete(ctx, ai.Request{
		SystemPrompt: system,
		UserPrompt:   latest.Body,
		Temperature:  0,
		MaxTokens:    16,
	})
	if err != nil {
		return err
	}

	label := normalizeLabel(raw)
	if !d.workflow.HasIntentLabel(label) {
		return &ClassificationAmbiguous{Label: raw}
	}

	d.acts.AddTags(ctx, run.Rec, ec.EntityID, []string{label})
	d.acts.AddTimelineEntry(ctx, run.Rec, ec.EntityID,
		fmt.Sprintf("Intent detected: %s", label))

	return nil
}

// normalizeLabel strips the decoration models wrap around labels despite
// instructions: whitespace, quotes, trailing punctuation, lowercase.
func normalizeLabel(raw string) string {
	label := strings.TrimSpace(raw)
	label = strings.Trim(label, "\"'`")
	label = strings.TrimRight(label, ".!")
	return strings.ToUpper(label)
}
