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

import "context"

// Recognized event names. The helpdesk workflow configuration may start
// emitting new names before this service learns them; those dispatch as
// UnknownEvent no-ops instead of errors.
const (
	EventWelcomeGenerate = "welcome.generate"
	EventIntentDetect    = "intent.detect"
	EventDraftGenerate   = "draft.generate"
)

// HandlerFunc is one fixed action pipeline bound to an event name. It runs
// with the resolved context and records every attempted action on run.Rec.
type HandlerFunc func(ctx context.Context, run *Run) error

// Registry maps event names to handlers.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds an event name to a handler, replacing any previous binding.
func (r *Registry) Register(eventName string, fn HandlerFunc) {
	r.handlers[eventName] = fn
}

// Lookup returns the handler for an event name, or nil when unregistered.
func (r *Registry) Lookup(eventName string) HandlerFunc {
	return r.handlers[eventName]
}
