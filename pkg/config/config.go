// Package config loads the process-wide automation configuration: entity
// allowlists, SSRF blocklist extensions, batch sizes, timeouts and backoff.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config is immutable once loaded and is injected into the components that need it.
type Config struct {
	Allowlist Allowlist `yaml:"allowlist"`
	SSRF      SSRF      `yaml:"ssrf"`
	Actions   Actions   `yaml:"actions"`
	AI        AI        `yaml:"ai"`
	Scheduler Scheduler `yaml:"scheduler"`
	Delivery  Delivery  `yaml:"delivery"`
}

// Allowlist maps every table actions may write to the fields they may set on it.
type Allowlist struct {
	Tables map[string][]string `yaml:"tables" validate:"required,min=1"`
}

// SSRF extends the built-in outbound blocklists.
type SSRF struct {
	BlockedCIDRs    []string `yaml:"blocked_cidrs"    validate:"dive,cidr"`
	BlockedHosts    []string `yaml:"blocked_hosts"    validate:"dive,required"`
	BlockedSuffixes []string `yaml:"blocked_suffixes" validate:"dive,required"`
	// Disabled turns the guard off. Only meant for local development.
	Disabled bool `yaml:"disabled"`
}

type Actions struct {
	HTTPTimeout time.Duration `yaml:"http_timeout" validate:"gt=0"`
}

type AI struct {
	BaseURL           string        `yaml:"base_url"            validate:"omitempty,url"`
	APIKey            string        `yaml:"api_key"`
	DefaultModel      string        `yaml:"default_model"`
	Timeout           time.Duration `yaml:"timeout"             validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gt=0"`
	Burst             int           `yaml:"burst"               validate:"gt=0"`
	MaxTokens         int           `yaml:"max_tokens"          validate:"gt=0"`
}

type Scheduler struct {
	BatchSize int `yaml:"batch_size" validate:"gt=0"`
}

type Delivery struct {
	FanOutBatchSize int           `yaml:"fan_out_batch_size" validate:"gt=0"`
	BatchSize       int           `yaml:"batch_size"         validate:"gt=0"`
	BaseBackoff     time.Duration `yaml:"base_backoff"       validate:"gt=0"`
	Timeout         time.Duration `yaml:"timeout"            validate:"gt=0"`
	// Topic, when set, is the event bus topic outbox events are published to before fan-out.
	Topic string `yaml:"topic"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Allowlist: Allowlist{
			Tables: map[string][]string{
				"contacts": {"name", "email", "phone", "status", "owner_id", "tags", "notes", "score"},
				"deals":    {"title", "value", "status", "owner_id", "close_date", "probability", "notes"},
				"tasks":    {"title", "description", "status", "due_date", "assignee_id", "priority"},
			},
		},
		Actions: Actions{HTTPTimeout: 10 * time.Second},
		AI: AI{
			DefaultModel:      "gpt-4o-mini",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 2,
			Burst:             4,
			MaxTokens:         1024,
		},
		Scheduler: Scheduler{BatchSize: 100},
		Delivery: Delivery{
			FanOutBatchSize: 100,
			BatchSize:       100,
			BaseBackoff:     30 * time.Second,
			Timeout:         10 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()

		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field constraints and that every allow-listed name is a plain
// SQL identifier.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	for table, fields := range c.Allowlist.Tables {
		if !identifierPattern.MatchString(table) {
			return fmt.Errorf("%w: table name %q", ErrInvalidConfig, table)
		}

		for _, field := range fields {
			if !identifierPattern.MatchString(field) || isProtectedField(field) {
				return fmt.Errorf("%w: field name %q on table %q", ErrInvalidConfig, field, table)
			}
		}
	}

	return nil
}

// UnmarshalYAML replaces the default tables instead of merging into them.
func (a *Allowlist) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Tables map[string][]string `yaml:"tables"`
	}

	if err := node.Decode(&raw); err != nil {
		return err
	}

	a.Tables = raw.Tables

	return nil
}

// AllowsTable reports whether actions may write to table.
func (a Allowlist) AllowsTable(table string) bool {
	_, ok := a.Tables[table]

	return ok
}

// AllowsField reports whether actions may set field on table.
func (a Allowlist) AllowsField(table, field string) bool {
	fields, ok := a.Tables[table]

	return ok && slices.Contains(fields, field)
}

// id, account_id and timestamps are managed by the store and never writable by actions.
func isProtectedField(field string) bool {
	switch field {
	case "id", "account_id", "created_at", "updated_at", "metadata":
		return true
	default:
		return false
	}
}
