// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent wires the full agent service: configuration, storage,
// model-host client, reasoning loop, and the HTTP server that carries
// the client event channel.
package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kodiakworks/kodiak/pkg/fault"
)

// DefaultConfigPath is where LoadConfig looks when no path is given.
const DefaultConfigPath = "configs/kodiak.yaml"

// configValidate is the validator instance for the config structs.
var configValidate = validator.New()

// Config is the agent service configuration. Values come from the YAML
// file first, then the environment; the environment wins.
type Config struct {
	// ProjectID and Location identify the Google Cloud project when the
	// googleai model backend is selected. Unused otherwise.
	ProjectID string `yaml:"project_id"`
	Location  string `yaml:"location"`

	// ServerPort is the agent's listen port.
	ServerPort int `yaml:"server_port" validate:"min=1,max=65535"`

	// Debug drops the log level to debug and switches gin to debug mode.
	Debug bool `yaml:"debug_mode"`

	Haven   HavenConfig   `yaml:"haven"`
	Loop    LoopConfig    `yaml:"loop"`
	Memory  MemoryConfig  `yaml:"memory"`
	Store   StoreConfig   `yaml:"store"`
	Model   ModelConfig   `yaml:"model"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Audit   AuditConfig   `yaml:"audit"`
	Workers WorkerConfig  `yaml:"workers"`
}

// HavenConfig points the agent at the model-host process and configures
// the havend binary's own listener.
type HavenConfig struct {
	// Address is host:port of the running havend the agent talks to.
	Address string `yaml:"address" validate:"required,hostname_port"`

	// AuthKey is the shared secret for the X-Haven-Key header. havend
	// generates and prints one at startup when empty; agentd must be
	// given the same value.
	AuthKey string `yaml:"auth_key"`

	// Port is havend's listen port.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// TimeoutSeconds bounds one model call end to end.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"min=1"`
}

// LoopConfig bounds the reasoning loop.
type LoopConfig struct {
	AbsoluteMaxIterations int `yaml:"absolute_max_iterations" validate:"min=1"`
	NominalMaxIterations  int `yaml:"nominal_max_iterations" validate:"min=1,ltefield=AbsoluteMaxIterations"`
	ToolTimeoutSeconds    int `yaml:"tool_timeout_seconds" validate:"min=1"`
}

// MemoryConfig tunes the tiered session memory.
type MemoryConfig struct {
	// SegmentThreshold bounds the Tier-1 buffer and the reload window.
	SegmentThreshold int `yaml:"segment_threshold" validate:"min=1"`
}

// StoreConfig selects and configures the vector store.
type StoreConfig struct {
	// Backend is "weaviate" or "memory".
	Backend string `yaml:"backend" validate:"oneof=weaviate memory"`

	WeaviateHost   string `yaml:"weaviate_host"`
	WeaviateScheme string `yaml:"weaviate_scheme" validate:"omitempty,oneof=http https"`

	// EmbeddingServiceURL is the /embed endpoint. Empty selects the
	// local trigram embedder.
	EmbeddingServiceURL string `yaml:"embedding_service_url" validate:"omitempty,url"`
}

// ModelConfig selects the language-model backend havend generates with.
type ModelConfig struct {
	// Backend is "ollama", "openai", or "googleai".
	Backend string `yaml:"backend" validate:"oneof=ollama openai googleai"`

	// Name is the model identifier, e.g. "gemma3:12b" or "gpt-4o-mini".
	Name string `yaml:"name" validate:"required"`

	OllamaURL     string `yaml:"ollama_url" validate:"omitempty,url"`
	OpenAIBaseURL string `yaml:"openai_base_url" validate:"omitempty,url"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
}

// SandboxConfig places the tool sandbox.
type SandboxConfig struct {
	Dir string `yaml:"dir" validate:"required"`

	// Watch enables the fsnotify monitor that audits out-of-band file
	// changes inside the sandbox.
	Watch bool `yaml:"watch"`
}

// AuditConfig places the badger audit database.
type AuditConfig struct {
	DBPath string `yaml:"db_path" validate:"required"`
}

// WorkerConfig sizes the pool bounding filesystem and subprocess work.
type WorkerConfig struct {
	PoolSize int `yaml:"pool_size" validate:"min=1"`
}

// DefaultConfig returns the values the commented default file carries.
func DefaultConfig() Config {
	return Config{
		ServerPort: 5001,
		Haven: HavenConfig{
			Address:        "127.0.0.1:50000",
			Port:           50000,
			TimeoutSeconds: 120,
		},
		Loop: LoopConfig{
			AbsoluteMaxIterations: 10,
			NominalMaxIterations:  3,
			ToolTimeoutSeconds:    60,
		},
		Memory: MemoryConfig{SegmentThreshold: 20},
		Store: StoreConfig{
			Backend:        "weaviate",
			WeaviateHost:   "localhost:8080",
			WeaviateScheme: "http",
		},
		Model: ModelConfig{
			Backend:   "ollama",
			Name:      "gemma3:12b",
			OllamaURL: "http://localhost:11434",
		},
		Sandbox: SandboxConfig{Dir: "./sandbox"},
		Audit:   AuditConfig{DBPath: "./audit_db"},
		Workers: WorkerConfig{PoolSize: 8},
	}
}

// LoadConfig reads the YAML file at path (DefaultConfigPath when empty),
// creating a commented default on first run, then overlays environment
// variables and validates the result.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeDefaultConfig(path); err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "first run: created default config at %s\n", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err, "read config file")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fault.Wrap(fault.ParseError, err, "parse config file")
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := configValidate.Struct(cfg); err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err, "config validation failed")
	}
	return &cfg, nil
}

func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fault.Wrap(fault.InvalidArgument, err, "create config directory")
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return fault.Wrap(fault.InvalidArgument, err, "write default config")
	}
	return nil
}

// applyEnv overlays environment variables onto cfg. Set-but-empty
// variables are ignored so compose files can pass them through blank.
func applyEnv(cfg *Config) error {
	envStr("PROJECT_ID", &cfg.ProjectID)
	envStr("LOCATION", &cfg.Location)
	envStr("HAVEN_ADDRESS", &cfg.Haven.Address)
	envStr("HAVEN_AUTH_KEY", &cfg.Haven.AuthKey)
	envStr("WEAVIATE_HOST", &cfg.Store.WeaviateHost)
	envStr("WEAVIATE_SCHEME", &cfg.Store.WeaviateScheme)
	envStr("STORE_BACKEND", &cfg.Store.Backend)
	envStr("EMBEDDING_SERVICE_URL", &cfg.Store.EmbeddingServiceURL)
	envStr("LLM_BACKEND", &cfg.Model.Backend)
	envStr("MODEL_NAME", &cfg.Model.Name)
	envStr("OLLAMA_URL", &cfg.Model.OllamaURL)
	envStr("OPENAI_BASE_URL", &cfg.Model.OpenAIBaseURL)
	envStr("OPENAI_API_KEY", &cfg.Model.OpenAIAPIKey)
	envStr("SANDBOX_DIR", &cfg.Sandbox.Dir)
	envStr("AUDIT_DB_PATH", &cfg.Audit.DBPath)

	for _, v := range []struct {
		key string
		dst *int
	}{
		{"SERVER_PORT", &cfg.ServerPort},
		{"HAVEN_PORT", &cfg.Haven.Port},
		{"HAVEN_TIMEOUT_SECONDS", &cfg.Haven.TimeoutSeconds},
		{"ABSOLUTE_MAX_ITERATIONS_REASONING_LOOP", &cfg.Loop.AbsoluteMaxIterations},
		{"NOMINAL_MAX_ITERATIONS_REASONING_LOOP", &cfg.Loop.NominalMaxIterations},
		{"SEGMENT_THRESHOLD", &cfg.Memory.SegmentThreshold},
		{"WORKER_POOL_SIZE", &cfg.Workers.PoolSize},
		{"TOOL_TIMEOUT_SECONDS", &cfg.Loop.ToolTimeoutSeconds},
	} {
		if err := envInt(v.key, v.dst); err != nil {
			return err
		}
	}

	if err := envBool("DEBUG_MODE", &cfg.Debug); err != nil {
		return err
	}
	return envBool("WATCH_SANDBOX", &cfg.Sandbox.Watch)
}

func envStr(key string, dst *string) {
	if raw, ok := os.LookupEnv(key); ok && raw != "" {
		*dst = raw
	}
}

func envInt(key string, dst *int) error {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fault.New(fault.InvalidArgument, "%s must be an integer, got %q", key, raw)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fault.New(fault.InvalidArgument, "%s must be a boolean, got %q", key, raw)
	}
	*dst = b
	return nil
}

// defaultConfigYAML is written on first run. Kept as literal text so the
// generated file carries comments.
const defaultConfigYAML = `# Kodiak agent configuration.
# Environment variables override every value here (see the docs for the
# full variable list). Lines you do not change keep their defaults.

# Google Cloud project, only used with the googleai model backend.
project_id: ""
location: ""

# Agent server listen port.
server_port: 5001

# Verbose logging and gin debug mode.
debug_mode: false

haven:
  # Where the agent reaches the havend model host.
  address: "127.0.0.1:50000"
  # Shared secret for the X-Haven-Key header. havend generates and
  # prints one at startup when this is empty.
  auth_key: ""
  # havend's own listen port.
  port: 50000
  # Upper bound for one model call, in seconds.
  timeout_seconds: 120

loop:
  # Hard stop for the reasoning loop.
  absolute_max_iterations: 10
  # After this many iterations the model is reminded to wrap up.
  nominal_max_iterations: 3
  # Upper bound for one tool execution, in seconds.
  tool_timeout_seconds: 60

memory:
  # Conversation turns kept in the live buffer.
  segment_threshold: 20

store:
  # "weaviate" or "memory". The memory backend needs no infrastructure
  # but forgets everything on restart.
  backend: "weaviate"
  weaviate_host: "localhost:8080"
  weaviate_scheme: "http"
  # Optional external embedding service (/embed endpoint). Empty uses a
  # deterministic local embedder.
  embedding_service_url: ""

model:
  # "ollama", "openai", or "googleai".
  backend: "ollama"
  name: "gemma3:12b"
  ollama_url: "http://localhost:11434"
  openai_base_url: ""
  openai_api_key: ""

sandbox:
  # All agent file operations stay under this directory.
  dir: "./sandbox"
  # Audit out-of-band file changes inside the sandbox.
  watch: false

audit:
  # Badger database directory for the audit trail.
  db_path: "./audit_db"

workers:
  # Concurrent filesystem / subprocess operations.
  pool_size: 8
`
