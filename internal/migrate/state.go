package migrate

import (
	"strings"
	"sync"

	"otto/internal/config"
	"otto/internal/logging"
)

// State is the caller-owned auto-migration gate. The process creates exactly
// one and threads it through every AutoMigrate call, so automatic migration
// executes at most once per process lifetime. A fresh State per test gives
// tests a fresh gate; there is no hidden package-level flag.
type State struct {
	mu  sync.Mutex
	ran bool
}

// Ran reports whether this state has already served an AutoMigrate call.
func (s *State) Ran() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ran
}

// AutoMigrate performs the startup migration check, at most once per State.
// The boolean reports whether the check was skipped outright: because this
// State already ran, or because the operator pinned a custom agent
// directory through the environment and owns the layout themselves.
//
// A clean current layout is not "skipped": the check runs, finds nothing
// legacy, and returns an empty report. When the sessions store or agent
// directory is legacy the full migration runs, credentials included, and
// every change and warning is logged once here.
func AutoMigrate(state *State, opts Options, env config.EnvLookup) (Report, bool) {
	logger := logging.OrNop(opts.Logger)
	if state == nil {
		logger.Warn("Auto-migration called without a state gate; skipping")
		return Report{}, true
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.ran {
		return Report{}, true
	}

	if dir, ok := config.CustomAgentDir(env); ok {
		state.ran = true
		logger.Info("Skipping legacy state migration: custom agent directory %s is operator-managed", dir)
		return Report{}, true
	}

	migrator := New(opts)
	detection := migrator.Detect()
	state.ran = true
	if !detection.HasCoreLegacy() {
		return Report{}, false
	}

	logger.Info("Legacy state detected: %s", strings.Join(detection.Preview(), "; "))
	report := migrator.Run()
	for _, change := range report.Changes {
		logger.Info("Migration: %s", change)
	}
	for _, warning := range report.Warnings {
		logger.Warn("Migration: %s", warning)
	}
	return report, false
}
