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

import "fmt"

// ValidationError marks a malformed or incomplete inbound payload. It is
// fatal for the dispatch: no side effects are attempted after one occurs.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

// ErrNoCustomerMessage is returned by handlers that require at least one
// customer-authored message when none exists.
func ErrNoCustomerMessage() *ValidationError {
	return &ValidationError{Reason: "conversation has no customer message"}
}

// GatewayError wraps a failed external call, tagged with which gateway and
// operation failed.
type GatewayError struct {
	Gateway string // "helpdesk", "ai", "retrieval"
	Op      string
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s gateway: %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ClassificationAmbiguous means the AI classifier returned a label outside
// the declared closed set. The label is not written as a tag; surfacing the
// mismatch beats polluting the external tag vocabulary.
type ClassificationAmbiguous struct {
	Label string
}

func (e *ClassificationAmbiguous) Error() string {
	return fmt.Sprintf("classification returned out-of-set label %q", e.Label)
}
