package config

import (
	"os"
	"testing"
)

type envMap map[string]string

func (e envMap) Lookup(key string) (string, bool) {
	val, ok := e[key]
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(
		WithEnv(envMap{}.Lookup),
		WithFileReader(func(string) ([]byte, error) { return nil, os.ErrNotExist }),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AgentID != "default" {
		t.Fatalf("expected default agent id, got %q", cfg.AgentID)
	}
	if cfg.SessionScope != ScopeMain {
		t.Fatalf("expected main scope by default, got %q", cfg.SessionScope)
	}
	if cfg.IdleMinutes != DefaultIdleMinutes {
		t.Fatalf("expected idle minutes %d, got %d", DefaultIdleMinutes, cfg.IdleMinutes)
	}
	if len(cfg.ResetTriggers) != 2 || cfg.ResetTriggers[0] != "/new" || cfg.ResetTriggers[1] != "/reset" {
		t.Fatalf("unexpected default reset triggers: %#v", cfg.ResetTriggers)
	}
	if cfg.StateDir != DefaultStateDir {
		t.Fatalf("expected default state dir, got %q", cfg.StateDir)
	}
	if got := meta.Source("agent_id"); got != SourceDefault {
		t.Fatalf("expected default agent_id source, got %s", got)
	}
	if cfg.Verbose {
		t.Fatal("expected verbose default to be false")
	}
}

func TestLoadFromFile(t *testing.T) {
	fileData := []byte(`{
                "agent_id": "support",
                "session_scope": "per-group",
                "idle_minutes": 15,
                "reset_triggers": ["/fresh"],
                "state_dir": "~/state",
                "oauth_dir": "~/creds",
                "channel": "telegram",
                "account_id": "acct-7",
                "environment": "staging",
                "verbose": true,
                "log_level": "debug"
        }`)
	cfg, meta, err := Load(
		WithEnv(envMap{}.Lookup),
		WithFileReader(func(string) ([]byte, error) { return fileData, nil }),
		WithHomeDir(func() (string, error) { return "/home/test", nil }),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AgentID != "support" || cfg.SessionScope != ScopePerGroup {
		t.Fatalf("unexpected agent/scope from file: %#v", cfg)
	}
	if cfg.IdleMinutes != 15 {
		t.Fatalf("expected idle_minutes=15, got %d", cfg.IdleMinutes)
	}
	if len(cfg.ResetTriggers) != 1 || cfg.ResetTriggers[0] != "/fresh" {
		t.Fatalf("unexpected reset triggers: %#v", cfg.ResetTriggers)
	}
	if cfg.Channel != "telegram" || cfg.AccountID != "acct-7" {
		t.Fatalf("unexpected channel/account from file: %q/%q", cfg.Channel, cfg.AccountID)
	}
	if cfg.Environment != "staging" || !cfg.Verbose || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected ambient settings: %#v", cfg)
	}
	if got := meta.Source("session_scope"); got != SourceFile {
		t.Fatalf("expected file source for session_scope, got %s", got)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	fileData := []byte(`{"agent_id": "file-agent", "idle_minutes": 10}`)
	env := envMap{
		"OTTO_AGENT_ID":       "env-agent",
		"OTTO_IDLE_MINUTES":   "45",
		"OTTO_RESET_TRIGGERS": "/new, /again",
	}
	cfg, meta, err := Load(
		WithEnv(env.Lookup),
		WithFileReader(func(string) ([]byte, error) { return fileData, nil }),
		WithHomeDir(func() (string, error) { return "/home/test", nil }),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AgentID != "env-agent" {
		t.Fatalf("expected env to win over file, got %q", cfg.AgentID)
	}
	if cfg.IdleMinutes != 45 {
		t.Fatalf("expected env idle minutes, got %d", cfg.IdleMinutes)
	}
	if len(cfg.ResetTriggers) != 2 || cfg.ResetTriggers[1] != "/again" {
		t.Fatalf("unexpected env reset triggers: %#v", cfg.ResetTriggers)
	}
	if got := meta.Source("agent_id"); got != SourceEnv {
		t.Fatalf("expected env source for agent_id, got %s", got)
	}
}

func TestLoadOverridesWinLast(t *testing.T) {
	agent := "flag-agent"
	scope := "per-sender"
	cfg, meta, err := Load(
		WithEnv(envMap{"OTTO_AGENT_ID": "env-agent"}.Lookup),
		WithFileReader(func(string) ([]byte, error) { return nil, os.ErrNotExist }),
		WithOverrides(Overrides{AgentID: &agent, SessionScope: &scope}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AgentID != "flag-agent" || cfg.SessionScope != ScopePerSender {
		t.Fatalf("expected overrides to win, got %#v", cfg)
	}
	if got := meta.Source("agent_id"); got != SourceOverride {
		t.Fatalf("expected override source, got %s", got)
	}
}

func TestLoadInvalidScopeFallsBack(t *testing.T) {
	cfg, _, err := Load(
		WithEnv(envMap{"OTTO_SESSION_SCOPE": "per-planet"}.Lookup),
		WithFileReader(func(string) ([]byte, error) { return nil, os.ErrNotExist }),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SessionScope != ScopeMain {
		t.Fatalf("expected invalid scope to fall back to main, got %q", cfg.SessionScope)
	}
}

func TestLoadInvalidIdleMinutesErrors(t *testing.T) {
	_, _, err := Load(
		WithEnv(envMap{"OTTO_IDLE_MINUTES": "soon"}.Lookup),
		WithFileReader(func(string) ([]byte, error) { return nil, os.ErrNotExist }),
	)
	if err == nil {
		t.Fatal("expected error for malformed OTTO_IDLE_MINUTES")
	}
}

func TestAliasEnvLookupFallsBackToLegacyNames(t *testing.T) {
	lookup := AliasEnvLookup(envMap{"OTTOBOT_AGENT_ID": "legacy"}.Lookup, DefaultEnvAliases())
	value, ok := lookup("OTTO_AGENT_ID")
	if !ok || value != "legacy" {
		t.Fatalf("expected alias fallback, got %q ok=%v", value, ok)
	}

	lookup = AliasEnvLookup(envMap{"OTTO_AGENT_ID": "canonical", "OTTOBOT_AGENT_ID": "legacy"}.Lookup, DefaultEnvAliases())
	value, ok = lookup("OTTO_AGENT_ID")
	if !ok || value != "canonical" {
		t.Fatalf("expected canonical name to win, got %q ok=%v", value, ok)
	}
}
