package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// Session scope policies. Scope controls how granular session keys are.
const (
	ScopeMain      = "main"
	ScopePerSender = "per-sender"
	ScopePerGroup  = "per-group"
)

// Defaults applied before file/env/override merging.
const (
	DefaultAgentID     = "default"
	DefaultScope       = ScopeMain
	DefaultIdleMinutes = 60
	DefaultStateDir    = "~/.otto"
	DefaultChannel     = "whatsapp"
	DefaultAccountID   = "default"
)

// DefaultResetTriggers returns the message prefixes that force a new session.
func DefaultResetTriggers() []string {
	return []string{"/new", "/reset"}
}

// RuntimeConfig captures user-configurable settings shared across binaries.
type RuntimeConfig struct {
	AgentID       string
	SessionScope  string
	IdleMinutes   int
	ResetTriggers []string
	StateDir      string
	OAuthDir      string
	Channel       string
	AccountID     string
	ChannelsFile  string
	Environment   string
	Verbose       bool
	LogLevel      string
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
}

// Source returns the origin for the given configuration field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// Overrides conveys caller-specified values that should win over env/file sources.
type Overrides struct {
	AgentID       *string
	SessionScope  *string
	IdleMinutes   *int
	ResetTriggers *[]string
	StateDir      *string
	OAuthDir      *string
	Channel       *string
	AccountID     *string
	ChannelsFile  *string
	Environment   *string
	Verbose       *bool
	LogLevel      *string
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithConfigPath forces the loader to read configuration from a specific file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir overrides how the loader resolves the user's home directory.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// AliasEnvLookup wraps an EnvLookup with additional alias keys.
func AliasEnvLookup(base EnvLookup, aliases map[string][]string) EnvLookup {
	return func(key string) (string, bool) {
		if base == nil {
			base = DefaultEnvLookup
		}
		if value, ok := base(key); ok && value != "" {
			return value, true
		}
		if list, ok := aliases[key]; ok {
			for _, alias := range list {
				if value, ok := base(alias); ok && value != "" {
					return value, true
				}
			}
		}
		return "", false
	}
}

// Load constructs the runtime configuration by merging defaults, file, env and overrides.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	cfg := RuntimeConfig{
		AgentID:       DefaultAgentID,
		SessionScope:  DefaultScope,
		IdleMinutes:   DefaultIdleMinutes,
		ResetTriggers: DefaultResetTriggers(),
		StateDir:      DefaultStateDir,
		Channel:       DefaultChannel,
		AccountID:     DefaultAccountID,
		Environment:   "development",
		LogLevel:      "info",
	}

	// Load from config file if present.
	if err := applyFile(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}

	// Apply environment overrides next.
	if err := applyEnv(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}

	// Apply caller overrides last.
	applyOverrides(&cfg, &meta, options.overrides)

	normalizeRuntimeConfig(&cfg)

	return cfg, meta, nil
}

type fileConfig struct {
	AgentID       string   `json:"agent_id"`
	SessionScope  string   `json:"session_scope"`
	IdleMinutes   *int     `json:"idle_minutes"`
	ResetTriggers []string `json:"reset_triggers"`
	StateDir      string   `json:"state_dir"`
	OAuthDir      string   `json:"oauth_dir"`
	Channel       string   `json:"channel"`
	AccountID     string   `json:"account_id"`
	ChannelsFile  string   `json:"channels_file"`
	Environment   string   `json:"environment"`
	Verbose       *bool    `json:"verbose"`
	LogLevel      string   `json:"log_level"`
}

func applyFile(cfg *RuntimeConfig, meta *Metadata, opts loadOptions) error {
	configPath := opts.configPath
	if configPath == "" {
		home, err := opts.homeDir()
		if err != nil {
			return nil
		}
		configPath = filepath.Join(home, ".otto-config.json")
	}

	data, err := opts.readFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if parsed.AgentID != "" {
		cfg.AgentID = parsed.AgentID
		meta.sources["agent_id"] = SourceFile
	}
	if parsed.SessionScope != "" {
		cfg.SessionScope = parsed.SessionScope
		meta.sources["session_scope"] = SourceFile
	}
	if parsed.IdleMinutes != nil {
		cfg.IdleMinutes = *parsed.IdleMinutes
		meta.sources["idle_minutes"] = SourceFile
	}
	if len(parsed.ResetTriggers) > 0 {
		cfg.ResetTriggers = append([]string(nil), parsed.ResetTriggers...)
		meta.sources["reset_triggers"] = SourceFile
	}
	if parsed.StateDir != "" {
		cfg.StateDir = parsed.StateDir
		meta.sources["state_dir"] = SourceFile
	}
	if parsed.OAuthDir != "" {
		cfg.OAuthDir = parsed.OAuthDir
		meta.sources["oauth_dir"] = SourceFile
	}
	if parsed.Channel != "" {
		cfg.Channel = parsed.Channel
		meta.sources["channel"] = SourceFile
	}
	if parsed.AccountID != "" {
		cfg.AccountID = parsed.AccountID
		meta.sources["account_id"] = SourceFile
	}
	if parsed.ChannelsFile != "" {
		cfg.ChannelsFile = parsed.ChannelsFile
		meta.sources["channels_file"] = SourceFile
	}
	if parsed.Environment != "" {
		cfg.Environment = parsed.Environment
		meta.sources["environment"] = SourceFile
	}
	if parsed.Verbose != nil {
		cfg.Verbose = *parsed.Verbose
		meta.sources["verbose"] = SourceFile
	}
	if parsed.LogLevel != "" {
		cfg.LogLevel = parsed.LogLevel
		meta.sources["log_level"] = SourceFile
	}

	return nil
}

func applyEnv(cfg *RuntimeConfig, meta *Metadata, opts loadOptions) error {
	lookup := opts.envLookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}

	if value, ok := lookup("OTTO_AGENT_ID"); ok && value != "" {
		cfg.AgentID = value
		meta.sources["agent_id"] = SourceEnv
	}
	if value, ok := lookup("OTTO_SESSION_SCOPE"); ok && value != "" {
		cfg.SessionScope = value
		meta.sources["session_scope"] = SourceEnv
	}
	if value, ok := lookup("OTTO_IDLE_MINUTES"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse OTTO_IDLE_MINUTES: %w", err)
		}
		cfg.IdleMinutes = parsed
		meta.sources["idle_minutes"] = SourceEnv
	}
	if value, ok := lookup("OTTO_RESET_TRIGGERS"); ok && value != "" {
		parts := strings.Split(value, ",")
		filtered := parts[:0]
		for _, token := range parts {
			trimmed := strings.TrimSpace(token)
			if trimmed != "" {
				filtered = append(filtered, trimmed)
			}
		}
		cfg.ResetTriggers = append([]string(nil), filtered...)
		meta.sources["reset_triggers"] = SourceEnv
	}
	if value, ok := lookup("OTTO_STATE_DIR"); ok && value != "" {
		cfg.StateDir = value
		meta.sources["state_dir"] = SourceEnv
	}
	if value, ok := lookup("OTTO_OAUTH_DIR"); ok && value != "" {
		cfg.OAuthDir = value
		meta.sources["oauth_dir"] = SourceEnv
	}
	if value, ok := lookup("OTTO_CHANNEL"); ok && value != "" {
		cfg.Channel = value
		meta.sources["channel"] = SourceEnv
	}
	if value, ok := lookup("OTTO_ACCOUNT_ID"); ok && value != "" {
		cfg.AccountID = value
		meta.sources["account_id"] = SourceEnv
	}
	if value, ok := lookup("OTTO_CHANNELS_FILE"); ok && value != "" {
		cfg.ChannelsFile = value
		meta.sources["channels_file"] = SourceEnv
	}
	if value, ok := lookup("OTTO_ENV"); ok && value != "" {
		cfg.Environment = value
		meta.sources["environment"] = SourceEnv
	}
	if value, ok := lookup("OTTO_VERBOSE"); ok && value != "" {
		parsed, err := parseBoolEnv(value)
		if err != nil {
			return fmt.Errorf("parse OTTO_VERBOSE: %w", err)
		}
		cfg.Verbose = parsed
		meta.sources["verbose"] = SourceEnv
	}
	if value, ok := lookup("OTTO_LOG_LEVEL"); ok && value != "" {
		cfg.LogLevel = value
		meta.sources["log_level"] = SourceEnv
	}

	return nil
}

func applyOverrides(cfg *RuntimeConfig, meta *Metadata, overrides Overrides) {
	if overrides.AgentID != nil {
		cfg.AgentID = *overrides.AgentID
		meta.sources["agent_id"] = SourceOverride
	}
	if overrides.SessionScope != nil {
		cfg.SessionScope = *overrides.SessionScope
		meta.sources["session_scope"] = SourceOverride
	}
	if overrides.IdleMinutes != nil {
		cfg.IdleMinutes = *overrides.IdleMinutes
		meta.sources["idle_minutes"] = SourceOverride
	}
	if overrides.ResetTriggers != nil {
		cfg.ResetTriggers = append([]string(nil), (*overrides.ResetTriggers)...)
		meta.sources["reset_triggers"] = SourceOverride
	}
	if overrides.StateDir != nil {
		cfg.StateDir = *overrides.StateDir
		meta.sources["state_dir"] = SourceOverride
	}
	if overrides.OAuthDir != nil {
		cfg.OAuthDir = *overrides.OAuthDir
		meta.sources["oauth_dir"] = SourceOverride
	}
	if overrides.Channel != nil {
		cfg.Channel = *overrides.Channel
		meta.sources["channel"] = SourceOverride
	}
	if overrides.AccountID != nil {
		cfg.AccountID = *overrides.AccountID
		meta.sources["account_id"] = SourceOverride
	}
	if overrides.ChannelsFile != nil {
		cfg.ChannelsFile = *overrides.ChannelsFile
		meta.sources["channels_file"] = SourceOverride
	}
	if overrides.Environment != nil {
		cfg.Environment = *overrides.Environment
		meta.sources["environment"] = SourceOverride
	}
	if overrides.Verbose != nil {
		cfg.Verbose = *overrides.Verbose
		meta.sources["verbose"] = SourceOverride
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
		meta.sources["log_level"] = SourceOverride
	}
}

func normalizeRuntimeConfig(cfg *RuntimeConfig) {
	cfg.AgentID = strings.TrimSpace(cfg.AgentID)
	cfg.SessionScope = strings.TrimSpace(strings.ToLower(cfg.SessionScope))
	cfg.StateDir = strings.TrimSpace(cfg.StateDir)
	cfg.OAuthDir = strings.TrimSpace(cfg.OAuthDir)
	cfg.Channel = strings.TrimSpace(strings.ToLower(cfg.Channel))
	cfg.AccountID = strings.TrimSpace(cfg.AccountID)
	cfg.ChannelsFile = strings.TrimSpace(cfg.ChannelsFile)
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.LogLevel = strings.TrimSpace(strings.ToLower(cfg.LogLevel))

	if cfg.AgentID == "" {
		cfg.AgentID = DefaultAgentID
	}
	switch cfg.SessionScope {
	case ScopeMain, ScopePerSender, ScopePerGroup:
	default:
		cfg.SessionScope = DefaultScope
	}
	if cfg.IdleMinutes < 0 {
		cfg.IdleMinutes = 0
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}

	if len(cfg.ResetTriggers) > 0 {
		filtered := cfg.ResetTriggers[:0]
		seen := make(map[string]struct{}, len(cfg.ResetTriggers))
		for _, trigger := range cfg.ResetTriggers {
			trimmed := strings.TrimSpace(trigger)
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			filtered = append(filtered, trimmed)
		}
		cfg.ResetTriggers = filtered
	}
}

func parseBoolEnv(value string) (bool, error) {
	trimmed := strings.TrimSpace(value)
	lower := strings.ToLower(trimmed)
	switch lower {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", value)
	}
}
