package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"otto/internal/session"
)

func storePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "agents", "default", "sessions", "sessions.json")
}

func TestFileStore_RoundTrip(t *testing.T) {
	t.Parallel()

	path := storePath(t)
	fs := New(path, nil)

	entry := &session.Entry{
		SessionID: "session-1",
		UpdatedAt: 1700000000000,
		ChatType:  session.ChatTypeGroup,
		GroupID:   "12@g.us",
		DeliveryContext: map[string]any{
			"jid": "12@g.us",
		},
	}
	if err := fs.MergeSave("agent:default:whatsapp:group:12@g.us", entry); err != nil {
		t.Fatalf("MergeSave() error = %v", err)
	}

	// Use a fresh store to ensure data round-trips through disk.
	reloaded, err := New(path, nil).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := reloaded["agent:default:whatsapp:group:12@g.us"]
	if got == nil || got.SessionID != "session-1" || got.GroupID != "12@g.us" {
		t.Fatalf("entry did not round-trip: %+v", got)
	}
	if got.DeliveryContext["jid"] != "12@g.us" {
		t.Fatalf("delivery context did not round-trip: %+v", got.DeliveryContext)
	}
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	fs := New(storePath(t), nil)
	got, err := fs.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty store, got %d entries", len(got))
	}
}

func TestFileStore_MergePreservesOtherWriters(t *testing.T) {
	t.Parallel()

	path := storePath(t)
	a := New(path, nil)
	b := New(path, nil)

	if err := a.MergeSave("agent:default:main", &session.Entry{SessionID: "session-a", UpdatedAt: 1}); err != nil {
		t.Fatalf("MergeSave() error = %v", err)
	}
	// b never saw a's write; its merge must still keep the key.
	if err := b.MergeSave("agent:default:whatsapp:dm:+1555", &session.Entry{SessionID: "session-b", UpdatedAt: 2}); err != nil {
		t.Fatalf("MergeSave() error = %v", err)
	}

	got, err := a.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both keys to survive, got %v", got)
	}
}

func TestFileStore_Delete(t *testing.T) {
	t.Parallel()

	path := storePath(t)
	fs := New(path, nil)
	if err := fs.MergeSave("agent:default:main", &session.Entry{SessionID: "session-1", UpdatedAt: 1}); err != nil {
		t.Fatalf("MergeSave() error = %v", err)
	}
	if err := fs.Delete("agent:default:main"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := fs.Delete("agent:default:main"); err != nil {
		t.Fatalf("Delete() of absent key error = %v", err)
	}

	got, err := fs.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty store after delete, got %v", got)
	}
}

func TestFileStore_DeleteMissingFile(t *testing.T) {
	t.Parallel()

	fs := New(storePath(t), nil)
	if err := fs.Delete("agent:default:main"); err != nil {
		t.Fatalf("Delete() on missing file error = %v", err)
	}
}

func TestFileStore_RepairsDamagedJSON(t *testing.T) {
	t.Parallel()

	path := storePath(t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Trailing comma: invalid for encoding/json, recoverable by repair.
	damaged := `{
  "agent:default:main": {
    "sessionId": "session-1",
    "updatedAt": 1700000000000,
  },
}`
	if err := os.WriteFile(path, []byte(damaged), 0644); err != nil {
		t.Fatalf("write damaged store: %v", err)
	}

	got, err := New(path, nil).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if entry := got["agent:default:main"]; entry == nil || entry.SessionID != "session-1" {
		t.Fatalf("repair did not recover entry: %+v", got)
	}
}

func TestFileStore_CorruptFileSetAsideOnWrite(t *testing.T) {
	t.Parallel()

	path := storePath(t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Repairs into an array, which still cannot become a key-entry map.
	if err := os.WriteFile(path, []byte("[1, 2,"), 0644); err != nil {
		t.Fatalf("write corrupt store: %v", err)
	}

	fs := New(path, nil)
	if err := fs.MergeSave("agent:default:main", &session.Entry{SessionID: "session-1", UpdatedAt: 1}); err != nil {
		t.Fatalf("MergeSave() error = %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var preserved bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "sessions.json.corrupt-") {
			preserved = true
		}
	}
	if !preserved {
		t.Fatalf("corrupt store was not preserved: %v", entries)
	}

	got, err := fs.Load()
	if err != nil {
		t.Fatalf("Load() after set-aside error = %v", err)
	}
	if got["agent:default:main"] == nil {
		t.Fatalf("new store missing merged entry")
	}
}

func TestLoadLenient_CorruptYieldsWarning(t *testing.T) {
	t.Parallel()

	path := storePath(t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("[1, 2,"), 0644); err != nil {
		t.Fatalf("write corrupt store: %v", err)
	}

	got, warnings, ok := LoadLenient(path)
	if ok {
		t.Fatalf("expected unreadable store to report not ok")
	}
	if len(got) != 0 {
		t.Fatalf("expected empty store, got %v", got)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "unreadable") {
		t.Fatalf("warnings = %v", warnings)
	}

	// The damaged file must be left in place for migration to preserve.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lenient load removed the file: %v", err)
	}
}

func TestLoadLenient_MissingFileIsReadableEmpty(t *testing.T) {
	t.Parallel()

	got, warnings, ok := LoadLenient(storePath(t))
	if !ok || len(got) != 0 || len(warnings) != 0 {
		t.Fatalf("LoadLenient() = %v, %v, %v", got, warnings, ok)
	}
}

func TestFileStore_EmptyFileIsEmptyStore(t *testing.T) {
	t.Parallel()

	path := storePath(t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("  \n"), 0644); err != nil {
		t.Fatalf("write empty store: %v", err)
	}

	got, err := New(path, nil).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty store, got %v", got)
	}
}
