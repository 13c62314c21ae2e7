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

// Package dispatch is the event dispatch and action execution core. It
// resolves an inbound event to a handler, executes the handler's action
// pipeline, and folds every internal failure into a structured
// DispatchOutcome. Nothing escapes the Dispatch boundary.
//
// Dispatch calls share no mutable state and may run concurrently for
// different conversations. Two events for the same conversation have no
// ordering guarantee; tag merges are commutative and notes append-only, so
// interleaving is safe, while strict message ordering would need a
// per-entity queue this service deliberately does not have.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taxflow/orchestrator/internal/actions"
	"github.com/taxflow/orchestrator/internal/ai"
	"github.com/taxflow/orchestrator/internal/config"
	"github.com/taxflow/orchestrator/internal/freescout"
	"github.com/taxflow/orchestrator/internal/models"
	"github.com/taxflow/orchestrator/internal/resolver"
	"github.com/taxflow/orchestrator/internal/retrieval"
)

// Dispatcher is the top-level entry point of the core.
type Dispatcher struct {
	registry  *Registry
	resolver  *resolver.Resolver
	gateway   actions.Gateway
	acts      *actions.Set
	completer ai.Completer
	retriever retrieval.Querier // nil when retrieval is not configured
	workflow  config.WorkflowConfig
}

// Deps bundles the dispatcher's collaborators.
type Deps struct {
	Gateway   actions.Gateway
	Completer ai.Completer
	Retriever retrieval.Querier
	Workflow  config.WorkflowConfig
}

// New creates a dispatcher with the three built-in handlers registered.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		registry:  NewRegistry(),
		resolver:  resolver.New(deps.Workflow),
		gateway:   deps.Gateway,
		acts:      actions.NewSet(deps.Gateway),
		completer: deps.Completer,
		retriever: deps.Retriever,
		workflow:  deps.Workflow,
	}
	d.registry.Register(EventWelcomeGenerate, d.handleWelcome)
	d.registry.Register(EventIntentDetect, d.handleIntentDetect)
	d.registry.Register(EventDraftGenerate, d.handleDraftGenerate)
	return d
}

// Run is the per-dispatch state handed to a handler: the resolved read-only
// context plus the action recorder. It lives for exactly one dispatch.
type Run struct {
	Context *models.EventContext
	Rec     *actions.Recorder
}

// Dispatch handles exactly one inbound event and always returns a structured
// outcome. Resolver failures abort before any side effect; once side effects
// begin, each step's failure is recorded and the pipeline continues unless a
// later step depends on the failed step's output.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.InboundEvent) (outcome models.DispatchOutcome) {
	outcome = models.DispatchOutcome{
		DispatchID: uuid.New().String(),
		EventName:  event.Name,
		Actions:    []models.ActionResult{},
	}
	// Named result so the deferred assignment lands in the returned value
	defer func() {
		outcome.FinishedAt = time.Now().UTC()
	}()

	handler := d.registry.Lookup(event.Name)
	if handler == nil {
		slog.Info("unknown event, no-op dispatch", "event", event.Name)
		outcome.Status = models.StatusUnknownEvent
		return outcome
	}

	run, err := d.buildRun(ctx, event)
	if err != nil {
		outcome.Status = models.StatusFailure
		outcome.Error = err.Error()
		slog.Warn("dispatch aborted before side effects",
			"event", event.Name,
			"dispatch_id", outcome.DispatchID,
			"error", err,
		)
		return outcome
	}
	outcome.EntityID = run.Context.EntityID

	handlerErr := d.runHandler(ctx, handler, run)

	outcome.Actions = run.Rec.Results()
	outcome.Status = statusFor(run.Rec, handlerErr)
	if handlerErr != nil {
		outcome.Error = handlerErr.Error()
	}

	succeeded, failed := run.Rec.Counts()
	slog.Info("dispatch finished",
		"event", event.Name,
		"dispatch_id", outcome.DispatchID,
		"entity_id", outcome.EntityID,
		"status", outcome.Status,
		"actions_ok", succeeded,
		"actions_failed", failed,
	)
	return outcome
}

// buildRun normalizes the payload, refreshes thread data from the helpdesk
// when the webhook payload did not embed it, and resolves the event context.
func (d *Dispatcher) buildRun(ctx context.Context, event models.InboundEvent) (*Run, error) {
	conv, err := freescout.NormalizeConversation(event.Payload)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if conv.ID == 0 {
		return nil, &ValidationError{Reason: resolver.ErrMissingEntityID.Error()}
	}

	if !conv.HasThreads {
		fetched, err := d.gateway.GetConversation(ctx, conv.ID)
		if err != nil {
			return nil, &GatewayError{Gateway: "helpdesk", Op: "get conversation", Err: err}
		}
		if fetched != nil {
			conv = fetched
		}
	}

	ec, err := d.resolver.Resolve(conv)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return &Run{Context: ec, Rec: &actions.Recorder{}}, nil
}

// runHandler executes the handler, converting a panic into an error instead
// of letting it cross the dispatch boundary.
func (d *Dispatcher) runHandler(ctx context.Context, handler HandlerFunc, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			slog.Error("handler panicked",
				"entity_id", run.Context.EntityID,
				"panic", r,
			)
		}
	}()
	return handler(ctx, run)
}

// statusFor implements the outcome algebra: Success only if every attempted
// action succeeded and the handler finished cleanly; PartialFailure when at
// least one action succeeded but something else failed; Failure otherwise.
func statusFor(rec *actions.Recorder, handlerErr error) models.DispatchStatus {
	succeeded, failed := rec.Counts()
	switch {
	case failed == 0 && handlerErr == nil:
		return models.StatusSuccess
	case succeeded > 0:
		return models.StatusPartialFailure
	default:
		return models.StatusFailure
	}
}

// complete wraps the AI gateway call with error classification.
func (d *Dispatcher) complete(ctx context.Context, req ai.Request) (string, error) {
	text, err := d.completer.Complete(ctx, req)
	if err != nil {
		return "", &GatewayError{Gateway: "ai", Op: "complete", Err: err}
	}
	return text, nil
}

// IsValidation reports whether err is a payload validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
