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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// FreeScoutConfig holds credentials for the helpdesk API.
type FreeScoutConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// AIConfig holds credentials for the OpenAI-compatible completion API.
type AIConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

// RetrievalConfig holds the optional document-retrieval service settings.
// An empty BaseURL means retrieval is not configured, which is a valid state.
type RetrievalConfig struct {
	BaseURL      string   `yaml:"base_url"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Timeout      Duration `yaml:"timeout"`
}

// Enabled reports whether a retrieval endpoint is configured.
func (r RetrievalConfig) Enabled() bool { return r.BaseURL != "" }

// Persona is a named system prompt bound to an assigned agent id.
// AgentID 0 marks the fallback persona used when no specific one matches.
type Persona struct {
	AgentID      int64  `yaml:"agent_id"`
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`
	UseRetrieval bool   `yaml:"use_retrieval"`
}

// WorkflowConfig carries the per-deployment workflow tables: persona prompts,
// field-id maps, intent vocabulary. Injected into the dispatcher at
// construction time so the core stays testable with fixture configurations.
type WorkflowConfig struct {
	DefaultLocale    string           `yaml:"default_locale"`
	DocsRequestedTag string           `yaml:"docs_requested_tag"`
	FollowupDelay    Duration         `yaml:"followup_delay"`
	InternalFieldIDs []int64          `yaml:"internal_field_ids"`
	FieldNames       map[int64]string `yaml:"field_names"`
	IntentLabels     []string         `yaml:"intent_labels"`
	WelcomePrompt    string           `yaml:"welcome_prompt"`
	FollowupBody     string           `yaml:"followup_body"`
	Personas         []Persona        `yaml:"personas"`
}

// PersonaFor returns the persona registered for the given agent id, falling
// back to the agent_id=0 entry, then to a built-in generic persona.
func (w WorkflowConfig) PersonaFor(agentID int64) Persona {
	var fallback *Persona
	for i := range w.Personas {
		p := &w.Personas[i]
		if p.AgentID == agentID && agentID != 0 {
			return *p
		}
		if p.AgentID == 0 {
			fallback = p
		}
	}
	if fallback != nil {
		return *fallback
	}
	return Persona{
		Name:         "generic",
		SystemPrompt: "You are a helpful tax advisory assistant. Answer clearly and concisely.",
	}
}

// IsInternalField reports whether a field id is excluded from AI prompts.
func (w WorkflowConfig) IsInternalField(id int64) bool {
	for _, f := range w.InternalFieldIDs {
		if f == id {
			return true
		}
	}
	return false
}

// HasIntentLabel reports whether a label belongs to the closed intent set.
func (w WorkflowConfig) HasIntentLabel(label string) bool {
	for _, l := range w.IntentLabels {
		if l == label {
			return true
		}
	}
	return false
}

// Config holds all configuration for the orchestrator service.
type Config struct {
	FreeScout FreeScoutConfig
	AI        AIConfig
	Retrieval RetrievalConfig
	Workflow  WorkflowConfig

	// Redis
	RedisURL    string
	AlertsQueue string

	// Postgres (optional — empty disables the outcome audit store)
	PostgresURL string

	// Webhook ingress
	WebhookSecret string
	MaxInflight   int64

	// Server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	FreeScout FreeScoutConfig `yaml:"freescout"`
	AI        AIConfig        `yaml:"ai"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Redis     struct {
		URL    string `yaml:"url"`
		Queues struct {
			Alerts string `yaml:"alerts"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Webhook struct {
		Secret      string `yaml:"secret"`
		MaxInflight int64  `yaml:"max_inflight"`
	} `yaml:"webhook"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		FreeScout:     raw.FreeScout,
		AI:            raw.AI,
		Retrieval:     raw.Retrieval,
		Workflow:      raw.Workflow,
		RedisURL:      firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		AlertsQueue:   firstNonEmpty(raw.Redis.Queues.Alerts, envOrDefault("ALERTS_QUEUE", "outcome-alerts")),
		PostgresURL:   firstNonEmpty(raw.Postgres.URL, os.Getenv("DATABASE_URL")),
		WebhookSecret: firstNonEmpty(raw.Webhook.Secret, os.Getenv("WEBHOOK_SECRET")),
		MaxInflight:   raw.Webhook.MaxInflight,
		Port:          envOrDefaultInt("PORT", 8080),
	}

	cfg.FreeScout.BaseURL = strings.TrimRight(cfg.FreeScout.BaseURL, "/")
	if cfg.FreeScout.BaseURL == "" {
		return nil, fmt.Errorf("freescout.base_url is required")
	}
	if cfg.FreeScout.APIKey == "" {
		return nil, fmt.Errorf("freescout.api_key is required")
	}
	if cfg.AI.APIKey == "" {
		return nil, fmt.Errorf("ai.api_key is required")
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = "gpt-4o-mini"
	}
	if cfg.AI.Timeout == 0 {
		cfg.AI.Timeout = Duration(envOrDefaultDuration("AI_TIMEOUT", 60*time.Second))
	}
	if cfg.Retrieval.Enabled() {
		if cfg.Retrieval.Timeout == 0 {
			cfg.Retrieval.Timeout = Duration(10 * time.Second)
		}
		// Client credentials are all-or-nothing
		if (cfg.Retrieval.ClientID == "") != (cfg.Retrieval.ClientSecret == "") {
			return nil, fmt.Errorf("retrieval.client_id and retrieval.client_secret must be set together")
		}
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 16
	}

	applyWorkflowDefaults(&cfg.Workflow)

	return cfg, nil
}

func applyWorkflowDefaults(w *WorkflowConfig) {
	if w.DefaultLocale == "" {
		w.DefaultLocale = "nl"
	}
	if w.DocsRequestedTag == "" {
		w.DocsRequestedTag = "DOCS_REQUESTED"
	}
	if w.FollowupDelay == 0 {
		w.FollowupDelay = Duration(10 * time.Minute)
	}
	if len(w.IntentLabels) == 0 {
		w.IntentLabels = []string{"DOCS_UPLOADED", "QUESTION", "OFFER_ACCEPTED", "OTHER"}
	}
	if w.WelcomePrompt == "" {
		w.WelcomePrompt = "You are the first-line assistant of a tax advisory helpdesk. " +
			"Write a short, warm welcome reply to the customer's first message. " +
			"Do not promise outcomes or give binding tax advice."
	}
	if w.FollowupBody == "" {
		w.FollowupBody = "Dear {{.Name}},\n\nTo prepare your case we need a few documents: " +
			"your most recent tax assessment, your WOZ statement and an overview of your savings. " +
			"You can reply to this message with attachments.\n\nKind regards,\nYour advisory team"
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
