package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StoreFileName is the session store file inside each agent's sessions dir.
const StoreFileName = "sessions.json"

// Paths derives every on-disk location from the configured state and
// credential roots. Current layout is agent-scoped:
//
//	<stateDir>/agents/<agentId>/sessions/sessions.json
//	<stateDir>/agents/<agentId>/agent/
//	<oauthDir>/<channel>/<accountId>/
//
// The pre-agent layout placed sessions, the working dir and credentials flat
// under the roots; those paths are exposed for the migration engine.
type Paths struct {
	stateDir string
	oauthDir string
}

// NewPaths resolves the configured roots, expanding a leading "~/".
func NewPaths(cfg RuntimeConfig) (Paths, error) {
	return NewPathsWithHome(cfg, os.UserHomeDir)
}

// NewPathsWithHome is NewPaths with an injectable home resolver for tests.
func NewPathsWithHome(cfg RuntimeConfig, homeDir func() (string, error)) (Paths, error) {
	stateDir, err := ExpandHome(cfg.StateDir, homeDir)
	if err != nil {
		return Paths{}, fmt.Errorf("resolve state dir: %w", err)
	}
	if stateDir == "" {
		return Paths{}, fmt.Errorf("state dir is empty")
	}

	oauthDir := cfg.OAuthDir
	if oauthDir == "" {
		oauthDir = filepath.Join(stateDir, "credentials")
	} else {
		oauthDir, err = ExpandHome(oauthDir, homeDir)
		if err != nil {
			return Paths{}, fmt.Errorf("resolve oauth dir: %w", err)
		}
	}

	return Paths{stateDir: stateDir, oauthDir: oauthDir}, nil
}

// StateDir returns the resolved state root.
func (p Paths) StateDir() string {
	return p.stateDir
}

// AgentsDir returns the root holding all agent-scoped state.
func (p Paths) AgentsDir() string {
	return filepath.Join(p.stateDir, "agents")
}

// AgentRoot returns the state root for one agent.
func (p Paths) AgentRoot(agentID string) string {
	return filepath.Join(p.AgentsDir(), agentID)
}

// SessionsDir returns the directory holding an agent's store and transcripts.
func (p Paths) SessionsDir(agentID string) string {
	return filepath.Join(p.AgentRoot(agentID), "sessions")
}

// SessionStorePath returns the session store file for an agent.
func (p Paths) SessionStorePath(agentID string) string {
	return filepath.Join(p.SessionsDir(agentID), StoreFileName)
}

// AgentWorkDir returns the agent's working directory.
func (p Paths) AgentWorkDir(agentID string) string {
	return filepath.Join(p.AgentRoot(agentID), "agent")
}

// OAuthDir returns the credential root shared by all channels.
func (p Paths) OAuthDir() string {
	return p.oauthDir
}

// AccountCredentialsDir returns the per-account credential directory.
func (p Paths) AccountCredentialsDir(channel, accountID string) string {
	return filepath.Join(p.oauthDir, channel, accountID)
}

// LegacySessionsDir returns the pre-agent sessions directory.
func (p Paths) LegacySessionsDir() string {
	return filepath.Join(p.stateDir, "sessions")
}

// LegacySessionStorePath returns the pre-agent session store file.
func (p Paths) LegacySessionStorePath() string {
	return filepath.Join(p.LegacySessionsDir(), StoreFileName)
}

// LegacyAgentDir returns the pre-agent working directory.
func (p Paths) LegacyAgentDir() string {
	return filepath.Join(p.stateDir, "agent")
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string, homeDir func() (string, error)) (string, error) {
	if homeDir == nil {
		homeDir = os.UserHomeDir
	}
	trimmed := strings.TrimSpace(path)
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := homeDir()
		if err != nil {
			return "", err
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return trimmed, nil
}

// CustomAgentDir reports an operator-managed agent directory override.
//
// When either OTTO_AGENT_DIR or its ottobot-era alias is set the operator has
// opted out of the managed layout and automatic migration must not touch it.
func CustomAgentDir(lookup EnvLookup) (string, bool) {
	if lookup == nil {
		lookup = DefaultEnvLookup
	}
	resolved := AliasEnvLookup(lookup, DefaultEnvAliases())
	if value, ok := resolved("OTTO_AGENT_DIR"); ok {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed, true
		}
	}
	return "", false
}
