package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"otto/internal/logging"
	"otto/internal/utils/id"
)

// ErrNoTranscript reports that the parent session has no transcript file to
// branch from. Callers fall back to a plain new session.
var ErrNoTranscript = errors.New("parent transcript not found")

// transcriptHeaderVersion is the header schema written by synthesized forks.
const transcriptHeaderVersion = 1

// TranscriptLocator maps session state to transcript files on disk.
type TranscriptLocator interface {
	// Locate returns the transcript path for an entry, or false when no
	// transcript exists yet.
	Locate(entry *Entry) (string, bool)
	// Allocate returns the path a new session's transcript should use.
	Allocate(sessionID string) string
}

// Brancher is a transcript format's native branching primitive. When the
// engine that owns the transcript files can fork them itself, wiring it
// here keeps full message history in the child.
type Brancher interface {
	Branch(parentFile string) (sessionID, childFile string, err error)
}

// ForkResult describes the child session produced by a fork.
type ForkResult struct {
	SessionID string
	File      string
}

// ForkerConfig wires a Forker. Locator is required; everything else has a
// working default.
type ForkerConfig struct {
	Locator      TranscriptLocator
	Brancher     Brancher
	WorkDir      string
	Logger       logging.Logger
	Metrics      *Metrics
	NewSessionID func() string
	Now          func() time.Time
}

// Forker derives a child session from a parent's transcript.
type Forker struct {
	locator      TranscriptLocator
	brancher     Brancher
	workDir      string
	logger       logging.Logger
	metrics      *Metrics
	newSessionID func() string
	now          func() time.Time
}

// NewForker validates the config and returns a ready Forker.
func NewForker(cfg ForkerConfig) (*Forker, error) {
	if cfg.Locator == nil {
		return nil, fmt.Errorf("forker requires a transcript locator")
	}
	f := &Forker{
		locator:      cfg.Locator,
		brancher:     cfg.Brancher,
		workDir:      cfg.WorkDir,
		logger:       logging.OrNop(cfg.Logger),
		metrics:      cfg.Metrics,
		newSessionID: cfg.NewSessionID,
		now:          cfg.Now,
	}
	if f.newSessionID == nil {
		f.newSessionID = id.NewSessionID
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}

// Fork creates a child session off the parent entry's transcript. It prefers
// the transcript engine's own branch primitive; when none is wired or the
// primitive fails, it synthesizes a child file whose header points back at
// the parent so the lineage survives.
func (f *Forker) Fork(parent *Entry) (*ForkResult, error) {
	if parent == nil {
		return nil, fmt.Errorf("fork requires a parent entry")
	}
	parentFile, ok := f.locator.Locate(parent)
	if !ok {
		return nil, ErrNoTranscript
	}

	if f.brancher != nil {
		sessionID, childFile, err := f.brancher.Branch(parentFile)
		if err == nil {
			f.logger.Debug("Forked session %s from %s via branch primitive", sessionID, parentFile)
			return &ForkResult{SessionID: sessionID, File: childFile}, nil
		}
		f.logger.Warn("Branch primitive failed for %s, synthesizing header: %v", parentFile, err)
	}

	sessionID := f.newSessionID()
	childFile := f.locator.Allocate(sessionID)
	if err := f.writeHeader(childFile, parentFile); err != nil {
		return nil, err
	}
	f.metrics.IncForkFallback()
	f.logger.Debug("Forked session %s from %s via synthesized header", sessionID, parentFile)
	return &ForkResult{SessionID: sessionID, File: childFile}, nil
}

// transcriptHeader is the first line of a synthesized child transcript. The
// transcript engine resolves parentSession when it replays history.
type transcriptHeader struct {
	Type          string `json:"type"`
	Version       int    `json:"version"`
	ParentSession string `json:"parentSession"`
	Timestamp     string `json:"timestamp"`
	Cwd           string `json:"cwd,omitempty"`
}

func (f *Forker) writeHeader(childFile, parentFile string) error {
	if err := os.MkdirAll(filepath.Dir(childFile), 0755); err != nil {
		return fmt.Errorf("create transcript directory: %w", err)
	}
	header := transcriptHeader{
		Type:          "session",
		Version:       transcriptHeaderVersion,
		ParentSession: parentFile,
		Timestamp:     f.now().UTC().Format(time.RFC3339),
		Cwd:           f.workDir,
	}
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode transcript header: %w", err)
	}
	// O_EXCL guards against clobbering a transcript that appeared between
	// Allocate and the write.
	file, err := os.OpenFile(childFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create child transcript: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write transcript header: %w", err)
	}
	return nil
}

// DirTranscripts is the default TranscriptLocator: one directory of
// timestamped .jsonl files, matched by sessionFile when the entry carries
// one and by session id otherwise.
type DirTranscripts struct {
	Dir string
	Now func() time.Time
}

func (d DirTranscripts) Locate(entry *Entry) (string, bool) {
	if entry == nil {
		return "", false
	}
	if entry.SessionFile != "" {
		if fileExists(entry.SessionFile) {
			return entry.SessionFile, true
		}
		return "", false
	}
	if entry.SessionID == "" {
		return "", false
	}
	candidate := filepath.Join(d.Dir, entry.SessionID+".jsonl")
	if fileExists(candidate) {
		return candidate, true
	}
	return "", false
}

func (d DirTranscripts) Allocate(sessionID string) string {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	name := fmt.Sprintf("%s-%s.jsonl", now().UTC().Format("20060102-150405"), sessionID)
	return filepath.Join(d.Dir, name)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
