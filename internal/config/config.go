// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for talkio.
//
// Configuration lives in TOML with sensible defaults and environment
// variable overrides for secrets:
//   - ~/.talkio/config.toml
//   - Built-in defaults
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/talkio-tui/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete talkio configuration.
type Config struct {
	Version string `toml:"version"`

	// DefaultModel is the model id used for new conversations.
	DefaultModel string `toml:"default_model"`

	Providers  []Provider  `toml:"providers"`
	Models     []Model     `toml:"models"`
	Personas   []Persona   `toml:"personas"`
	MCPServers []MCPServer `toml:"mcp_servers"`

	Tools      ToolsConfig      `toml:"tools"`
	Generation GenerationConfig `toml:"generation"`
}

// Provider is one OpenAI-compatible endpoint.
type Provider struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
	// BaseURL is used as-is with /chat/completions appended.
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	// APIVersion is sent as the api-version query parameter (Azure-style).
	APIVersion string `toml:"api_version"`
	// Headers are custom headers attached to every request.
	Headers map[string]string `toml:"headers"`
}

// Model binds a wire model name to a provider plus generation parameters.
type Model struct {
	ID          string `toml:"id"`
	ProviderID  string `toml:"provider_id"`
	Name        string `toml:"name"` // wire model name sent to the API
	DisplayName string `toml:"display_name"`

	// Sampling parameters. Nil means "omit from the request".
	Temperature *float64 `toml:"temperature"`
	TopP        *float64 `toml:"top_p"`

	// ReasoningEffort is passed through for models that accept it.
	ReasoningEffort string `toml:"reasoning_effort"`
}

// Persona contributes a system prompt and an optional tool allow-list to a
// conversation participant.
type Persona struct {
	ID           string   `toml:"id"`
	Name         string   `toml:"name"`
	SystemPrompt string   `toml:"system_prompt"`
	// AllowedTools restricts which built-in tools this persona may call.
	// A persona that names no tools gets no built-ins.
	AllowedTools []string `toml:"allowed_tools"`
	// AllowedServers restricts remote tool resolution to these MCP server
	// ids. Empty means all enabled servers.
	AllowedServers []string `toml:"allowed_servers"`
}

// MCPServer is one remote tool server.
type MCPServer struct {
	ID      string            `toml:"id"`
	Name    string            `toml:"name"`
	URL     string            `toml:"url"`
	Enabled bool              `toml:"enabled"`
	Headers map[string]string `toml:"headers"`
}

// ToolsConfig holds global tool enablement. Built-ins default to enabled;
// listing a name here turns it off.
type ToolsConfig struct {
	Disabled []string `toml:"disabled"`
}

// GenerationConfig tunes the orchestrator.
type GenerationConfig struct {
	// MaxToolRounds bounds tool-call cycles within one turn.
	MaxToolRounds int `toml:"max_tool_rounds"`
	// AutoDiscussMaxRounds bounds automatic group follow-up rounds.
	AutoDiscussMaxRounds int `toml:"auto_discuss_max_rounds"`
	// AutoTitle derives a conversation title from the first turn.
	AutoTitle bool `toml:"auto_title"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		Generation: GenerationConfig{
			MaxToolRounds:        5,
			AutoDiscussMaxRounds: 4,
			AutoTitle:            true,
		},
	}
}

// fillDefaults backfills zero values after a partial file load.
func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.Generation.MaxToolRounds <= 0 {
		cfg.Generation.MaxToolRounds = def.Generation.MaxToolRounds
	}
	if cfg.Generation.AutoDiscussMaxRounds <= 0 {
		cfg.Generation.AutoDiscussMaxRounds = def.Generation.AutoDiscussMaxRounds
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the talkio configuration directory, honoring the
// TALKIO_HOME override.
func ConfigDir() (string, error) {
	if dir := os.Getenv("TALKIO_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".talkio"), nil
}

// ConfigPath returns the path of the TOML configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DatabasePath returns the path of the conversation database.
func DatabasePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "talkio.db"), nil
}

// =============================================================================
// LOAD & SAVE
// =============================================================================

// Load reads the configuration from the default location. A missing file
// yields the defaults, not an error.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the configuration from an explicit path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	fillDefaults(cfg)
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the default location atomically.
// Config may hold API keys, hence the restrictive mode.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath writes the configuration to an explicit path atomically.
func SaveToPath(cfg *Config, path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// =============================================================================
// ENV OVERRIDES
// =============================================================================

// ApplyEnvOverrides lets API keys come from the environment instead of the
// file: TALKIO_<PROVIDER_ID>_API_KEY, with dashes mapped to underscores.
func (c *Config) ApplyEnvOverrides() {
	for i := range c.Providers {
		key := "TALKIO_" + envName(c.Providers[i].ID) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			c.Providers[i].APIKey = v
		}
	}
}

func envName(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks referential integrity and URL syntax.
func (c *Config) Validate() error {
	providers := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if p.ID == "" {
			return ValidationError{field, "id is required"}
		}
		if providers[p.ID] {
			return ValidationError{field, "duplicate id " + p.ID}
		}
		providers[p.ID] = true
		if p.BaseURL == "" {
			return ValidationError{field, "base_url is required"}
		}
		if _, err := url.Parse(p.BaseURL); err != nil {
			return ValidationError{field, "invalid base_url: " + err.Error()}
		}
	}

	models := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		field := fmt.Sprintf("models[%d]", i)
		if m.ID == "" {
			return ValidationError{field, "id is required"}
		}
		if models[m.ID] {
			return ValidationError{field, "duplicate id " + m.ID}
		}
		models[m.ID] = true
		if !providers[m.ProviderID] {
			return ValidationError{field, "unknown provider_id " + m.ProviderID}
		}
	}

	if c.DefaultModel != "" && !models[c.DefaultModel] {
		return ValidationError{"default_model", "unknown model id " + c.DefaultModel}
	}

	servers := make(map[string]bool, len(c.MCPServers))
	for i, s := range c.MCPServers {
		field := fmt.Sprintf("mcp_servers[%d]", i)
		if s.ID == "" {
			return ValidationError{field, "id is required"}
		}
		if servers[s.ID] {
			return ValidationError{field, "duplicate id " + s.ID}
		}
		servers[s.ID] = true
		if s.URL == "" {
			return ValidationError{field, "url is required"}
		}
	}

	return nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

// ProviderByID returns the provider with the given id, or nil.
func (c *Config) ProviderByID(id string) *Provider {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i]
		}
	}
	return nil
}

// ModelByID returns the model with the given id, or nil.
func (c *Config) ModelByID(id string) *Model {
	for i := range c.Models {
		if c.Models[i].ID == id {
			return &c.Models[i]
		}
	}
	return nil
}

// PersonaByID returns the persona with the given id, or nil.
func (c *Config) PersonaByID(id string) *Persona {
	for i := range c.Personas {
		if c.Personas[i].ID == id {
			return &c.Personas[i]
		}
	}
	return nil
}

// EnabledMCPServers returns the servers that should be connected.
func (c *Config) EnabledMCPServers() []MCPServer {
	var out []MCPServer
	for _, s := range c.MCPServers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// ToolEnabled reports whether a built-in tool is globally enabled.
func (c *Config) ToolEnabled(name string) bool {
	for _, d := range c.Tools.Disabled {
		if d == name {
			return false
		}
	}
	return true
}
