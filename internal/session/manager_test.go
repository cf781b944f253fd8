package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	data    Store
	loadErr error
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{data: Store{}}
}

func (s *memStore) Load() (Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.data.Clone(), nil
}

func (s *memStore) MergeSave(key string, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.data[key] = entry.Clone()
	return nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) get(key string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key].Clone()
}

// testManager builds a manager with a controllable clock and deterministic
// session ids (session-01, session-02, ...).
func testManager(t *testing.T, cfg Config) (*Manager, *time.Time) {
	t.Helper()
	now := time.UnixMilli(1_700_000_000_000)
	counter := 0
	cfg.Now = func() time.Time { return now }
	cfg.NewSessionID = func() string {
		counter++
		return fmt.Sprintf("session-%02d", counter)
	}
	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr, &now
}

func TestManagerResolve_NewThenReuse(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	mgr, now := testManager(t, Config{Scope: "per-sender", IdleMinutes: 60, Store: st})

	msg := MessageContext{Channel: "whatsapp", SenderID: "+1555", Body: "hello"}
	first, err := mgr.Resolve(context.Background(), msg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !first.IsNew || first.Outcome != OutcomeNew {
		t.Fatalf("first resolution = %+v, want new", first)
	}
	if first.Key != "agent:default:whatsapp:dm:+1555" {
		t.Fatalf("unexpected key %q", first.Key)
	}
	if first.StrippedBody != "hello" {
		t.Fatalf("stripped body = %q, want raw body", first.StrippedBody)
	}

	*now = now.Add(5 * time.Minute)
	second, err := mgr.Resolve(context.Background(), msg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if second.IsNew || second.Outcome != OutcomeReuse {
		t.Fatalf("second resolution outcome = %q, want reuse", second.Outcome)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("session id changed on reuse: %q -> %q", first.SessionID, second.SessionID)
	}
	if got := st.get(second.Key); got.UpdatedAt != now.UnixMilli() {
		t.Fatalf("updatedAt = %d, want %d", got.UpdatedAt, now.UnixMilli())
	}
}

func TestManagerResolve_IdleExpiry(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	mgr, now := testManager(t, Config{IdleMinutes: 60, Store: st})

	msg := MessageContext{Channel: "whatsapp", SenderID: "+1555", Body: "hi"}
	first, err := mgr.Resolve(context.Background(), msg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	*now = now.Add(61 * time.Minute)
	second, err := mgr.Resolve(context.Background(), msg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if second.Outcome != OutcomeIdleExpired {
		t.Fatalf("outcome = %q, want idle_expired", second.Outcome)
	}
	if second.SessionID == first.SessionID {
		t.Fatalf("expected a fresh session id after expiry")
	}
}

func TestManagerResolve_ZeroIdleNeverExpires(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	mgr, now := testManager(t, Config{IdleMinutes: 0, Store: st})

	msg := MessageContext{Body: "hi"}
	first, err := mgr.Resolve(context.Background(), msg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	*now = now.Add(90 * 24 * time.Hour)
	second, err := mgr.Resolve(context.Background(), msg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if second.Outcome != OutcomeReuse || second.SessionID != first.SessionID {
		t.Fatalf("expected reuse after long gap with no idle window, got %q", second.Outcome)
	}
}

func TestManagerResolve_ResetTrigger(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	mgr, _ := testManager(t, Config{IdleMinutes: 60, Store: st})

	first, err := mgr.Resolve(context.Background(), MessageContext{Body: "hello"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	reset, err := mgr.Resolve(context.Background(), MessageContext{Body: "/new let's start over"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if reset.Outcome != OutcomeReset {
		t.Fatalf("outcome = %q, want reset", reset.Outcome)
	}
	if reset.SessionID == first.SessionID {
		t.Fatalf("reset kept the old session id")
	}
	if reset.StrippedBody != "let's start over" {
		t.Fatalf("stripped body = %q", reset.StrippedBody)
	}

	bare, err := mgr.Resolve(context.Background(), MessageContext{Body: "/reset"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if bare.Outcome != OutcomeReset || bare.StrippedBody != "" {
		t.Fatalf("bare trigger: outcome=%q stripped=%q", bare.Outcome, bare.StrippedBody)
	}
}

func TestManagerResolve_TriggerNeedsWordBoundary(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	mgr, _ := testManager(t, Config{IdleMinutes: 60, Store: st})

	first, err := mgr.Resolve(context.Background(), MessageContext{Body: "hello"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	got, err := mgr.Resolve(context.Background(), MessageContext{Body: "/newish ideas"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Outcome != OutcomeReuse || got.SessionID != first.SessionID {
		t.Fatalf("prefix without boundary should not trigger, got %q", got.Outcome)
	}
	if got.StrippedBody != "/newish ideas" {
		t.Fatalf("stripped body = %q, want untouched", got.StrippedBody)
	}
}

func TestManagerResolve_TriggerOnNormalizedBody(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	mgr, _ := testManager(t, Config{Scope: "per-group", IdleMinutes: 60, Store: st})

	msg := MessageContext{Channel: "whatsapp", SenderID: "+1555", GroupID: "12@g.us", Body: "chatter"}
	first, err := mgr.Resolve(context.Background(), msg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	msg.Body = "@otto /new go"
	msg.NormalizedBody = "/new go"
	second, err := mgr.Resolve(context.Background(), msg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if second.Outcome != OutcomeReset || second.SessionID == first.SessionID {
		t.Fatalf("mention-stripped trigger not honored: %q", second.Outcome)
	}
	if second.StrippedBody != "go" {
		t.Fatalf("stripped body = %q, want %q", second.StrippedBody, "go")
	}
}

func TestManagerResolve_UnauthorizedResetIgnored(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	mgr, _ := testManager(t, Config{
		IdleMinutes: 60,
		Store:       st,
		Authorize:   func(msg MessageContext) bool { return msg.SenderID == "owner" },
	})

	first, err := mgr.Resolve(context.Background(), MessageContext{SenderID: "owner", Body: "hello"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	got, err := mgr.Resolve(context.Background(), MessageContext{SenderID: "stranger", Body: "/new wipe it"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Outcome != OutcomeReuse || got.SessionID != first.SessionID {
		t.Fatalf("unauthorized reset was honored: %q", got.Outcome)
	}
	if got.StrippedBody != "/new wipe it" {
		t.Fatalf("unauthorized trigger stripped the body: %q", got.StrippedBody)
	}
}

func TestManagerResolve_NewSessionDropsOverrides(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	mgr, now := testManager(t, Config{IdleMinutes: 60, Store: st})

	first, err := mgr.Resolve(context.Background(), MessageContext{Body: "hi"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	// Simulate the chat surface writing per-session overrides.
	entry := st.get(first.Key)
	entry.ThinkingLevel = "high"
	entry.CompactionCount = 3
	entry.SystemSent = true
	if err := st.MergeSave(first.Key, entry); err != nil {
		t.Fatalf("MergeSave() error = %v", err)
	}

	*now = now.Add(10 * time.Minute)
	reused, err := mgr.Resolve(context.Background(), MessageContext{Body: "still here"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := st.get(reused.Key); got.ThinkingLevel != "high" || got.CompactionCount != 3 || !got.SystemSent {
		t.Fatalf("reuse dropped carried fields: %+v", got)
	}

	*now = now.Add(2 * time.Hour)
	expired, err := mgr.Resolve(context.Background(), MessageContext{Body: "back"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	got := st.get(expired.Key)
	if got.ThinkingLevel != "" || got.CompactionCount != 0 || got.SystemSent {
		t.Fatalf("new session kept stale fields: %+v", got)
	}
}

func TestManagerResolve_GroupMetadataRefresh(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	mgr, now := testManager(t, Config{
		Scope:       "per-group",
		IdleMinutes: 60,
		Store:       st,
		Caps:        staticCaps{"discord": true},
	})

	msg := MessageContext{Channel: "whatsapp", SenderID: "+1555", GroupID: "12@g.us", Subject: "Family Chat", Body: "hi"}
	res, err := mgr.Resolve(context.Background(), msg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	entry := st.get(res.Key)
	if entry.ChatType != ChatTypeGroup || entry.GroupID != "12@g.us" || entry.Subject != "Family Chat" {
		t.Fatalf("group metadata not recorded: %+v", entry)
	}
	if entry.DisplayName != "Family Chat" {
		t.Fatalf("display name = %q", entry.DisplayName)
	}

	// Subject renames must override the stored value on the next message.
	msg.Subject = "Family 2.0"
	*now = now.Add(time.Minute)
	if _, err := mgr.Resolve(context.Background(), msg); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if entry = st.get(res.Key); entry.Subject != "Family 2.0" || entry.DisplayName != "Family 2.0" {
		t.Fatalf("stale group metadata survived: %+v", entry)
	}
}

func TestManagerResolve_ChannelStyleSubjectBecomesRoom(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	mgr, _ := testManager(t, Config{
		Scope:       "per-group",
		IdleMinutes: 60,
		Store:       st,
		Caps:        staticCaps{"discord": true},
	})

	msg := MessageContext{Channel: "discord", SenderID: "u1", GroupID: "987", Subject: "#general", Body: "hi"}
	res, err := mgr.Resolve(context.Background(), msg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	entry := st.get(res.Key)
	if entry.ChatType != ChatTypeChannel {
		t.Fatalf("chat type = %q, want channel", entry.ChatType)
	}
	if entry.Subject != "" || entry.Room != "#general" {
		t.Fatalf("room tag not suppressed into room: subject=%q room=%q", entry.Subject, entry.Room)
	}
}

func TestManagerResolve_DeliveryFallsBackToPersisted(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	mgr, now := testManager(t, Config{IdleMinutes: 60, Store: st})

	first, err := mgr.Resolve(context.Background(), MessageContext{
		Channel:         "whatsapp",
		SenderID:        "+1555",
		Body:            "hi",
		OriginAccountID: "acct-1",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	entry := st.get(first.Key)
	if entry.LastChannel != "whatsapp" || entry.LastTo != "+1555" || entry.LastAccountID != "acct-1" {
		t.Fatalf("delivery fields not recorded: %+v", entry)
	}

	// An internal event with no channel of its own must keep the last
	// human-facing route.
	*now = now.Add(time.Minute)
	if _, err := mgr.Resolve(context.Background(), MessageContext{Body: "timer fired"}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	entry = st.get(first.Key)
	if entry.LastChannel != "whatsapp" || entry.LastTo != "+1555" || entry.LastAccountID != "acct-1" {
		t.Fatalf("delivery fields lost on internal event: %+v", entry)
	}
}

func TestManagerResolve_ForkFromParent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	parentFile := dir + "/parent.jsonl"
	if err := os.WriteFile(parentFile, []byte("{\"type\":\"session\"}\n"), 0644); err != nil {
		t.Fatalf("write parent transcript: %v", err)
	}

	st := newMemStore()
	st.data["agent:default:main"] = &Entry{SessionID: "session-parent", SessionFile: parentFile, UpdatedAt: 1}

	forker, err := NewForker(ForkerConfig{Locator: DirTranscripts{Dir: dir}})
	if err != nil {
		t.Fatalf("NewForker() error = %v", err)
	}
	mgr, _ := testManager(t, Config{Scope: "per-sender", IdleMinutes: 60, Store: st, Forker: forker})

	res, err := mgr.Resolve(context.Background(), MessageContext{
		Channel:          "whatsapp",
		SenderID:         "+1555",
		Body:             "spawned",
		ParentSessionKey: "agent:default:main",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Outcome != OutcomeForked || !res.IsNew {
		t.Fatalf("outcome = %q, want forked", res.Outcome)
	}
	entry := st.get(res.Key)
	if entry.SessionFile == "" {
		t.Fatalf("forked entry has no session file")
	}

	f, err := os.Open(entry.SessionFile)
	if err != nil {
		t.Fatalf("open child transcript: %v", err)
	}
	defer f.Close()
	var header struct {
		ParentSession string `json:"parentSession"`
	}
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatalf("child transcript is empty")
	}
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if header.ParentSession != parentFile {
		t.Fatalf("header parent = %q, want %q", header.ParentSession, parentFile)
	}
}

func TestManagerResolve_ForkWithoutTranscriptStartsFresh(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.data["agent:default:main"] = &Entry{SessionID: "session-parent", UpdatedAt: 1}

	forker, err := NewForker(ForkerConfig{Locator: DirTranscripts{Dir: t.TempDir()}})
	if err != nil {
		t.Fatalf("NewForker() error = %v", err)
	}
	mgr, _ := testManager(t, Config{Scope: "per-sender", IdleMinutes: 60, Store: st, Forker: forker})

	res, err := mgr.Resolve(context.Background(), MessageContext{
		Channel:          "whatsapp",
		SenderID:         "+1555",
		Body:             "spawned",
		ParentSessionKey: "agent:default:main",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Outcome != OutcomeNew {
		t.Fatalf("outcome = %q, want plain new", res.Outcome)
	}
}

func TestManagerResolve_UnreadableStoreDegrades(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.loadErr = fmt.Errorf("disk gremlins")
	mgr, _ := testManager(t, Config{IdleMinutes: 60, Store: st})

	res, err := mgr.Resolve(context.Background(), MessageContext{Body: "hi"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Outcome != OutcomeNew {
		t.Fatalf("outcome = %q, want new", res.Outcome)
	}
}

func TestManagerResolve_WriteFailureFailsResolution(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.saveErr = fmt.Errorf("read-only filesystem")
	mgr, _ := testManager(t, Config{IdleMinutes: 60, Store: st})

	if _, err := mgr.Resolve(context.Background(), MessageContext{Body: "hi"}); err == nil {
		t.Fatalf("expected write failure to surface")
	}
}
