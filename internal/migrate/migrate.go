package migrate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"otto/internal/config"
	"otto/internal/logging"
	"otto/internal/session"
	"otto/internal/session/store"
)

// Report is the audit trail of one migration pass: human-readable change
// lines for every mutation applied and warning lines for everything that
// could not be completed. Recoverable I/O problems become warnings, never
// errors; the migrator always leaves the filesystem usable.
type Report struct {
	Changes  []string
	Warnings []string
}

func (r *Report) addChange(format string, args ...any) {
	r.Changes = append(r.Changes, fmt.Sprintf(format, args...))
}

func (r *Report) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Report) merge(other Report) {
	r.Changes = append(r.Changes, other.Changes...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Empty reports whether the pass changed nothing and warned about nothing.
func (r Report) Empty() bool {
	return len(r.Changes) == 0 && len(r.Warnings) == 0
}

// Options wires a Migrator. Paths, AgentID, Channel and AccountID come from
// the loaded runtime config.
type Options struct {
	Paths     config.Paths
	AgentID   string
	Channel   string
	AccountID string
	Logger    logging.Logger
	Metrics   *session.Metrics
	Now       func() time.Time
}

// Migrator executes the legacy layout moves the detector reports. Every
// routine is a no-op when its area has no legacy content, so re-running is
// always safe.
type Migrator struct {
	opts   Options
	logger logging.Logger
	now    func() time.Time
}

// New returns a Migrator for the given options.
func New(opts Options) *Migrator {
	if opts.AgentID == "" {
		opts.AgentID = config.DefaultAgentID
	}
	if opts.Channel == "" {
		opts.Channel = config.DefaultChannel
	}
	if opts.AccountID == "" {
		opts.AccountID = config.DefaultAccountID
	}
	m := &Migrator{
		opts:   opts,
		logger: logging.OrNop(opts.Logger),
		now:    opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Detect runs the legacy layout detection for this migrator's agent and
// account.
func (m *Migrator) Detect() Detection {
	return Detect(m.opts.Paths, m.opts.AgentID, m.opts.Channel, m.opts.AccountID)
}

// Run executes all three migration areas in order and returns the combined
// report.
func (m *Migrator) Run() Report {
	var report Report

	sessions := m.MigrateSessions()
	m.countChanges("sessions", sessions)
	report.merge(sessions)

	agentDir := m.MigrateAgentDir()
	m.countChanges("agent_dir", agentDir)
	report.merge(agentDir)

	credentials := m.MigrateCredentials()
	m.countChanges("credentials", credentials)
	report.merge(credentials)

	return report
}

func (m *Migrator) countChanges(area string, report Report) {
	for range report.Changes {
		m.opts.Metrics.IncMigrationChange(area)
	}
}

// MigrateSessions merges the legacy flat sessions directory into the
// per-agent layout: session keys are normalized, the target store wins on
// key collisions, the newest legacy direct entry is adopted as the main
// session when no main entry exists, and stray files (transcripts) move
// alongside. The legacy directory is removed when drained, or preserved
// under a timestamped backup name when anything remains.
func (m *Migrator) MigrateSessions() Report {
	var report Report

	legacyDir := m.opts.Paths.LegacySessionsDir()
	if !dirExists(legacyDir) {
		return report
	}
	targetDir := m.opts.Paths.SessionsDir(m.opts.AgentID)
	legacyStorePath := m.opts.Paths.LegacySessionStorePath()
	targetStorePath := m.opts.Paths.SessionStorePath(m.opts.AgentID)

	legacy, legacyWarnings, legacyReadable := store.LoadLenient(legacyStorePath)
	report.Warnings = append(report.Warnings, legacyWarnings...)
	target, targetWarnings, targetReadable := store.LoadLenient(targetStorePath)
	report.Warnings = append(report.Warnings, targetWarnings...)

	merged, added := m.mergeStores(legacy, target, &report)

	needWrite := len(legacy) > 0 || len(target) > 0
	wroteTarget := false
	switch {
	case !needWrite:
	case !targetReadable:
		report.addWarning("target session store %s is unreadable; leaving legacy store in place", targetStorePath)
	default:
		if err := store.Write(targetStorePath, merged); err != nil {
			report.addWarning("write merged session store: %v", err)
		} else {
			wroteTarget = true
			if added > 0 {
				report.addChange("merged %d legacy session entries into %s", added, targetStorePath)
			}
		}
	}

	// The legacy store file is consumed only once its contents are safely
	// in the target store.
	if legacyReadable && (len(legacy) == 0 || wroteTarget) {
		if err := os.Remove(legacyStorePath); err == nil {
			report.addChange("removed legacy session store %s", legacyStorePath)
		} else if !errors.Is(err, os.ErrNotExist) {
			report.addWarning("remove legacy session store %s: %v", legacyStorePath, err)
		}
	}

	moved, _, moveWarnings := moveDirEntries(legacyDir, targetDir, func(name string) bool {
		return name != config.StoreFileName
	})
	report.Warnings = append(report.Warnings, moveWarnings...)
	if moved > 0 {
		report.addChange("moved %d session files %s -> %s", moved, legacyDir, targetDir)
	}

	// A failed merge keeps the legacy directory in place so a later run
	// can retry once the target store is fixed.
	if needWrite && len(legacy) > 0 && !wroteTarget {
		return report
	}
	m.cleanupLegacyDir(legacyDir, &report)
	return report
}

// PreviewSessions computes the store merge MigrateSessions would commit,
// without touching the filesystem. ok is false when there is no legacy
// store to merge or either side is unreadable.
func (m *Migrator) PreviewSessions() (before, after session.Store, ok bool) {
	if !dirExists(m.opts.Paths.LegacySessionsDir()) {
		return nil, nil, false
	}
	legacy, _, legacyReadable := store.LoadLenient(m.opts.Paths.LegacySessionStorePath())
	target, _, targetReadable := store.LoadLenient(m.opts.Paths.SessionStorePath(m.opts.AgentID))
	if !legacyReadable || !targetReadable {
		return nil, nil, false
	}
	var scratch Report
	merged, _ := m.mergeStores(legacy, target, &scratch)
	return target, merged, true
}

// mergeStores folds normalized legacy entries into the target store.
// Target entries always win; among legacy twins that normalize to the same
// canonical key the newest wins. Returns the merged store and how many keys
// the legacy side contributed.
func (m *Migrator) mergeStores(legacy, target session.Store, report *Report) (session.Store, int) {
	merged := target.Clone()
	if merged == nil {
		merged = session.Store{}
	}

	keys := make([]string, 0, len(legacy))
	for key := range legacy {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	added := 0
	for _, key := range keys {
		entry := legacy[key]
		normalized := session.NormalizeKeyForAgent(key, m.opts.AgentID)
		if normalized != key {
			m.logger.Debug("Normalized legacy session key %s -> %s", key, normalized)
		}
		if _, ok := target[normalized]; ok {
			// Current layout is authoritative once it has the key.
			continue
		}
		if prev, ok := merged[normalized]; ok {
			if entry.UpdatedAt > prev.UpdatedAt {
				merged[normalized] = entry.Clone()
			}
			continue
		}
		merged[normalized] = entry.Clone()
		added++
	}

	m.adoptMainEntry(legacy, target, merged, report)
	return merged, added
}

// adoptMainEntry promotes the newest legacy direct entry to the canonical
// main key when no main entry exists after the merge. Adoption moves the
// entry: the old direct key does not survive alongside. Keys the target
// store already owns are not candidates; their entries stay where they are.
func (m *Migrator) adoptMainEntry(legacy, target, merged session.Store, report *Report) {
	mainKey := session.MainKey(m.opts.AgentID)
	if _, ok := merged[mainKey]; ok {
		return
	}

	var bestKey string
	var best *session.Entry
	keys := make([]string, 0, len(legacy))
	for key := range legacy {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		normalized := session.NormalizeKeyForAgent(key, m.opts.AgentID)
		if session.IsCanonicalKey(normalized) {
			// Group, channel and subagent keys are not main candidates.
			continue
		}
		if _, ok := target[normalized]; ok {
			continue
		}
		entry := legacy[key]
		if best == nil || entry.UpdatedAt > best.UpdatedAt {
			best, bestKey = entry, normalized
		}
	}
	if best == nil {
		return
	}
	merged[mainKey] = best.Clone()
	delete(merged, bestKey)
	report.addChange("adopted legacy session %s as %s", bestKey, mainKey)
}

// MigrateAgentDir moves the shared legacy agent working directory into the
// per-agent tree, skipping files that already exist at the target.
func (m *Migrator) MigrateAgentDir() Report {
	var report Report

	legacyDir := m.opts.Paths.LegacyAgentDir()
	if !dirExists(legacyDir) {
		return report
	}
	targetDir := m.opts.Paths.AgentWorkDir(m.opts.AgentID)

	moved, skipped, warnings := moveDirEntries(legacyDir, targetDir, nil)
	report.Warnings = append(report.Warnings, warnings...)
	if moved > 0 {
		report.addChange("moved %d agent files %s -> %s", moved, legacyDir, targetDir)
	}
	if skipped > 0 {
		m.logger.Debug("Skipped %d agent files already present in %s", skipped, targetDir)
	}

	m.cleanupLegacyDir(legacyDir, &report)
	return report
}

// MigrateCredentials moves recognized credential artifacts from the flat
// credential root into the per-account directory. The pairing file and
// anything unrecognized stay at the root, and existing target files are
// never overwritten.
func (m *Migrator) MigrateCredentials() Report {
	var report Report

	root := m.opts.Paths.OAuthDir()
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return report
		}
		report.addWarning("read credential directory %s: %v", root, err)
		return report
	}
	targetDir := m.opts.Paths.AccountCredentialsDir(m.opts.Channel, m.opts.AccountID)

	moved := 0
	madeTarget := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !isCredentialArtifact(name) {
			continue
		}
		src := filepath.Join(root, name)
		dst := filepath.Join(targetDir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if !madeTarget {
			if err := os.MkdirAll(targetDir, 0700); err != nil {
				report.addWarning("create credential directory %s: %v", targetDir, err)
				return report
			}
			madeTarget = true
		}
		if err := os.Rename(src, dst); err != nil {
			report.addWarning("move credential %s -> %s: %v", src, dst, err)
			continue
		}
		moved++
	}
	if moved > 0 {
		report.addChange("moved %d credential files into %s", moved, targetDir)
	}
	return report
}

// moveDirEntries moves every entry of src into dst, skipping names the keep
// filter rejects and entries that already exist at the target. The target
// directory is created only when something actually moves.
func moveDirEntries(src, dst string, keep func(string) bool) (int, int, []string) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, 0, []string{fmt.Sprintf("read %s: %v", src, err)}
	}

	var warnings []string
	moved, skipped := 0, 0
	madeTarget := false
	for _, entry := range entries {
		name := entry.Name()
		if keep != nil && !keep(name) {
			continue
		}
		srcPath := filepath.Join(src, name)
		dstPath := filepath.Join(dst, name)
		if _, err := os.Stat(dstPath); err == nil {
			skipped++
			continue
		}
		if !madeTarget {
			if err := os.MkdirAll(dst, 0755); err != nil {
				warnings = append(warnings, fmt.Sprintf("create %s: %v", dst, err))
				return moved, skipped, warnings
			}
			madeTarget = true
		}
		if err := os.Rename(srcPath, dstPath); err != nil {
			warnings = append(warnings, fmt.Sprintf("move %s -> %s: %v", srcPath, dstPath, err))
			continue
		}
		moved++
	}
	return moved, skipped, warnings
}

// cleanupLegacyDir removes a drained legacy directory, or preserves
// whatever remains under a timestamped backup name. Deleting files the
// migrator does not understand is never an option.
func (m *Migrator) cleanupLegacyDir(dir string, report *Report) {
	if !dirExists(dir) {
		return
	}
	if err := os.Remove(dir); err == nil {
		report.addChange("removed empty legacy directory %s", dir)
		return
	}
	backup := fmt.Sprintf("%s.backup-%s", strings.TrimSuffix(dir, string(os.PathSeparator)), m.now().UTC().Format("20060102-150405"))
	if err := os.Rename(dir, backup); err != nil {
		report.addWarning("back up legacy directory %s: %v", dir, err)
		return
	}
	report.addChange("preserved remaining legacy files at %s", backup)
}
