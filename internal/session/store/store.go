// Package store persists session state as a single JSON document per agent.
// Writes go through an OS-level file lock plus a temp-file rename so
// concurrent processes cannot interleave partial writes.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/kaptinlin/jsonrepair"

	"otto/internal/logging"
	"otto/internal/session"
)

// ErrCorrupt reports a store file that could not be parsed even after
// repair. The original bytes are preserved; callers decide whether to
// degrade to an empty store.
var ErrCorrupt = errors.New("session store corrupt")

// FileStore implements session.StoreAccessor over one sessions.json file.
type FileStore struct {
	path   string
	lock   *flock.Flock
	logger logging.Logger
}

// New returns a FileStore for the given path. The store file and its parent
// directory are created lazily on first write.
func New(path string, logger logging.Logger) *FileStore {
	return &FileStore{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logging.OrNop(logger),
	}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the current store. A missing or empty file is an empty store.
// A damaged file is run through JSON repair first; only an unrepairable
// file returns ErrCorrupt.
func (s *FileStore) Load() (session.Store, error) {
	current, repaired, err := readStore(s.path)
	if err != nil {
		return nil, err
	}
	if repaired {
		s.logger.Warn("Repaired damaged session store %s while loading", s.path)
	}
	return current, nil
}

// MergeSave applies a single-key mutation against the current on-disk
// state and writes the result atomically. An unrepairable store file is
// set aside under a timestamped name rather than overwritten, so damaged
// history is never silently destroyed.
func (s *FileStore) MergeSave(key string, entry *session.Entry) error {
	if key == "" {
		return fmt.Errorf("merge-save requires a session key")
	}
	if entry == nil {
		return fmt.Errorf("merge-save requires an entry for %s", key)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create session store directory: %w", err)
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock session store: %w", err)
	}
	defer s.lock.Unlock()

	current, repaired, err := readStore(s.path)
	if err != nil {
		backup := fmt.Sprintf("%s.corrupt-%s", s.path, time.Now().UTC().Format("20060102-150405"))
		if mvErr := os.Rename(s.path, backup); mvErr != nil && !errors.Is(mvErr, os.ErrNotExist) {
			return fmt.Errorf("set aside corrupt session store: %w", mvErr)
		}
		s.logger.Warn("Session store unreadable, preserved at %s: %v", backup, err)
		current = session.Store{}
	} else if repaired {
		s.logger.Warn("Repaired damaged session store %s", s.path)
	}

	current[key] = entry.Clone()
	return writeStore(s.path, current)
}

// Delete removes a single key. A missing file or key means the deletion
// goal is already achieved.
func (s *FileStore) Delete(key string) error {
	if key == "" {
		return fmt.Errorf("delete requires a session key")
	}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock session store: %w", err)
	}
	defer s.lock.Unlock()

	current, _, err := readStore(s.path)
	if err != nil {
		return err
	}
	if _, ok := current[key]; !ok {
		return nil
	}
	delete(current, key)
	return writeStore(s.path, current)
}

// LoadLenient reads a store without locking, degrading parse failures to an
// empty store plus a warning. The boolean reports whether the file could
// actually be read (a missing file counts as a readable empty store, a
// repaired file as readable): migration must never delete or overwrite a
// store file it could not read.
func LoadLenient(path string) (session.Store, []string, bool) {
	current, repaired, err := readStore(path)
	if err != nil {
		return session.Store{}, []string{fmt.Sprintf("session store %s unreadable, treating as empty: %v", path, err)}, false
	}
	if repaired {
		return current, []string{fmt.Sprintf("session store %s required JSON repair to parse", path)}, true
	}
	return current, nil, true
}

// Write replaces the store at path with the given contents, atomically.
// Migration uses it to commit a merged store in one step.
func Write(path string, contents session.Store) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create session store directory: %w", err)
	}
	if contents == nil {
		contents = session.Store{}
	}
	return writeStore(path, contents)
}

func readStore(path string) (session.Store, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return session.Store{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read session store: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return session.Store{}, false, nil
	}

	var parsed session.Store
	if err := json.Unmarshal(data, &parsed); err == nil {
		return orEmpty(parsed), false, nil
	}

	repairedText, repairErr := jsonrepair.JSONRepair(string(data))
	if repairErr == nil {
		if err := json.Unmarshal([]byte(repairedText), &parsed); err == nil {
			return orEmpty(parsed), true, nil
		}
	}
	return nil, false, fmt.Errorf("parse session store %s: %w", path, ErrCorrupt)
}

func orEmpty(parsed session.Store) session.Store {
	if parsed == nil {
		return session.Store{}
	}
	return parsed
}

// writeStore marshals and writes atomically: temp file in the same
// directory, then rename over the target.
func writeStore(path string, current session.Store) error {
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session store: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create session store temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session store: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod session store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close session store temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace session store: %w", err)
	}
	return nil
}
