// Package migrate relocates pre-agent-scoped on-disk state into the current
// layout: the flat sessions directory into the per-agent tree, the shared
// agent working directory likewise, and channel credentials into per-account
// directories. Every routine is idempotent and prefers leaving data in place
// over risking it.
package migrate

import (
	"fmt"
	"os"
	"strings"

	"otto/internal/config"
)

// Area describes one migratable slice of on-disk state.
type Area struct {
	Name       string
	LegacyPath string
	TargetPath string
	HasLegacy  bool
}

// Detection is a read-only snapshot of which legacy layouts exist. It is
// computed fresh on every check and never persisted.
type Detection struct {
	Sessions    Area
	AgentDir    Area
	Credentials Area
}

// Detect inspects the filesystem for pre-upgrade layouts. It performs no
// mutation; stat failures simply read as "no legacy content".
func Detect(paths config.Paths, agentID, channel, accountID string) Detection {
	return Detection{
		Sessions: Area{
			Name:       "sessions",
			LegacyPath: paths.LegacySessionsDir(),
			TargetPath: paths.SessionsDir(agentID),
			HasLegacy:  dirExists(paths.LegacySessionsDir()),
		},
		AgentDir: Area{
			Name:       "agent directory",
			LegacyPath: paths.LegacyAgentDir(),
			TargetPath: paths.AgentWorkDir(agentID),
			HasLegacy:  dirExists(paths.LegacyAgentDir()),
		},
		Credentials: Area{
			Name:       "credentials",
			LegacyPath: paths.OAuthDir(),
			TargetPath: paths.AccountCredentialsDir(channel, accountID),
			HasLegacy:  hasLegacyCredentials(paths.OAuthDir()),
		},
	}
}

// Areas returns the three areas in migration order.
func (d Detection) Areas() []Area {
	return []Area{d.Sessions, d.AgentDir, d.Credentials}
}

// HasAnyLegacy reports whether any area still has legacy content.
func (d Detection) HasAnyLegacy() bool {
	return d.Sessions.HasLegacy || d.AgentDir.HasLegacy || d.Credentials.HasLegacy
}

// HasCoreLegacy reports whether the sessions store or agent directory is
// still in the legacy layout. Automatic startup migration keys off these
// two; credentials ride along whenever a migration actually runs.
func (d Detection) HasCoreLegacy() bool {
	return d.Sessions.HasLegacy || d.AgentDir.HasLegacy
}

// Preview renders the pending moves as human-readable lines, one per area
// with legacy content.
func (d Detection) Preview() []string {
	var lines []string
	for _, area := range d.Areas() {
		if area.HasLegacy {
			lines = append(lines, fmt.Sprintf("%s: %s -> %s", area.Name, area.LegacyPath, area.TargetPath))
		}
	}
	return lines
}

// pairingFileName stays at the credential root: pairing state is
// account-discovery input, not an account artifact.
const pairingFileName = "pairing.json"

// credentialPrefixes are the per-account artifact families written by the
// channel transports.
var credentialPrefixes = []string{
	"app-state-sync-",
	"pre-key-",
	"sender-key-",
	"session-",
}

// isCredentialArtifact recognizes legacy per-account credential files.
// Anything unrecognized is left where it is.
func isCredentialArtifact(name string) bool {
	if name == pairingFileName {
		return false
	}
	if name == "creds.json" {
		return true
	}
	for _, prefix := range credentialPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func hasLegacyCredentials(root string) bool {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if isCredentialArtifact(entry.Name()) {
			return true
		}
	}
	return false
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
