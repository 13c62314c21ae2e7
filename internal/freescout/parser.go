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

package freescout

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Conversation is the single canonical shape every FreeScout response and
// webhook payload is normalized into before it reaches the dispatch core.
// The core never sees a raw FreeScout envelope.
type Conversation struct {
	ID           int64
	Number       int64
	Subject      string
	MailboxID    int64
	AssigneeID   int64
	Locale       string
	Customer     *Person
	Tags         []string
	CustomFields []CustomField
	Threads      []Thread

	// HasThreads distinguishes "payload carried no thread data" from
	// "conversation genuinely has zero threads". Webhook payloads without
	// embedded threads trigger a fetch via the API client.
	HasThreads bool
}

// Person is a customer or agent reference on a conversation or thread.
type Person struct {
	ID        int64
	FirstName string
	LastName  string
	Email     string
}

// Name returns "First Last" with whatever parts are present.
func (p *Person) Name() string {
	return strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
}

// Thread is one entry of a conversation: customer message, agent reply,
// internal note, or timeline line item.
type Thread struct {
	Type      string // "customer", "message", "note", "lineitem"
	Body      string
	AuthorID  int64
	CreatedAt time.Time
}

// CustomField is one helpdesk custom field value.
type CustomField struct {
	ID    int64
	Name  string
	Value string
}

// rawConversation mirrors the union of FreeScout's response variants.
// Numeric fields arrive as numbers or quoted strings depending on the
// FreeScout version, hence flexInt.
type rawConversation struct {
	ID        flexInt `json:"id"`
	Number    flexInt `json:"number"`
	Subject   string  `json:"subject"`
	MailboxID flexInt `json:"mailboxId"`
	Mailbox   *struct {
		ID flexInt `json:"id"`
	} `json:"mailbox"`
	UserID   flexInt `json:"userId"`
	Assignee *struct {
		ID flexInt `json:"id"`
	} `json:"assignee"`
	Locale   string `json:"locale"`
	Customer *struct {
		ID        flexInt `json:"id"`
		FirstName string  `json:"firstName"`
		LastName  string  `json:"lastName"`
		Email     string  `json:"email"`
	} `json:"customer"`
	Tags         json.RawMessage `json:"tags"`
	CustomFields []struct {
		ID    flexInt         `json:"id"`
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value"`
	} `json:"customFields"`
	Threads  []rawThread `json:"threads"`
	Embedded *struct {
		Threads []rawThread `json:"threads"`
	} `json:"_embedded"`
}

type rawThread struct {
	Type      string `json:"type"`
	Body      string `json:"body"`
	Text      string `json:"text"`
	CreatedBy *struct {
		ID flexInt `json:"id"`
	} `json:"createdBy"`
	CreatedAt string `json:"createdAt"`
}

// envelope covers the wrapper variants FreeScout emits: a bare conversation
// object, {"data": {...}}, or {"conversation": {...}}.
type envelope struct {
	Data         json.RawMessage `json:"data"`
	Conversation json.RawMessage `json:"conversation"`
}

// NormalizeConversation parses any supported FreeScout envelope into the
// canonical Conversation. It never fails on missing optional fields; only
// malformed JSON is an error. A missing conversation id yields ID == 0 and
// is the caller's validation concern.
func NormalizeConversation(raw json.RawMessage) (*Conversation, error) {
	body := unwrap(raw)

	var rc rawConversation
	if err := json.Unmarshal(body, &rc); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}

	conv := &Conversation{
		ID:      int64(rc.ID),
		Number:  int64(rc.Number),
		Subject: rc.Subject,
		Locale:  rc.Locale,
	}

	conv.MailboxID = int64(rc.MailboxID)
	if conv.MailboxID == 0 && rc.Mailbox != nil {
		conv.MailboxID = int64(rc.Mailbox.ID)
	}
	conv.AssigneeID = int64(rc.UserID)
	if conv.AssigneeID == 0 && rc.Assignee != nil {
		conv.AssigneeID = int64(rc.Assignee.ID)
	}

	if rc.Customer != nil {
		conv.Customer = &Person{
			ID:        int64(rc.Customer.ID),
			FirstName: rc.Customer.FirstName,
			LastName:  rc.Customer.LastName,
			Email:     rc.Customer.Email,
		}
	}

	conv.Tags = parseTags(rc.Tags)

	for _, f := range rc.CustomFields {
		conv.CustomFields = append(conv.CustomFields, CustomField{
			ID:    int64(f.ID),
			Name:  f.Name,
			Value: rawToString(f.Value),
		})
	}

	threads := rc.Threads
	if len(threads) == 0 && rc.Embedded != nil {
		threads = rc.Embedded.Threads
	}
	if threads != nil {
		conv.HasThreads = true
	}
	for _, t := range threads {
		body := t.Body
		if body == "" {
			body = t.Text
		}
		th := Thread{
			Type:      t.Type,
			Body:      body,
			CreatedAt: parseTime(t.CreatedAt),
		}
		if t.CreatedBy != nil {
			th.AuthorID = int64(t.CreatedBy.ID)
		}
		conv.Threads = append(conv.Threads, th)
	}

	return conv, nil
}

// unwrap strips the {"data": ...} / {"conversation": ...} wrappers.
func unwrap(raw json.RawMessage) json.RawMessage {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		if len(env.Conversation) > 0 && string(env.Conversation) != "null" {
			return env.Conversation
		}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			return env.Data
		}
	}
	return raw
}

// parseTags accepts both tag shapes: ["vip"] and [{"id":1,"name":"vip"}].
func parseTags(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names
	}
	// A failed decode can leave partial zero values behind
	names = nil

	var objs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &objs); err == nil {
		for _, o := range objs {
			if o.Name != "" {
				names = append(names, o.Name)
			}
		}
	}
	return names
}

// parseTime handles the two timestamp formats FreeScout emits.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// rawToString renders a JSON scalar (string, number, bool, null) as text.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// flexInt decodes JSON numbers that may be quoted.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Tolerate non-numeric ids rather than failing the whole payload
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}
