package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"otto/internal/logging"
	"otto/internal/utils/id"
)

// AuthorizeFunc reports whether the sender of a message may issue session
// commands such as reset triggers.
type AuthorizeFunc func(msg MessageContext) bool

// Config wires a Manager. Store is required; the rest defaults to something
// sensible for a single-agent process.
type Config struct {
	AgentID string

	// Scope is the session scope policy: "main", "per-sender" or
	// "per-group". Unknown values behave like "main".
	Scope string

	// IdleMinutes bounds how long a session stays fresh. Zero or negative
	// means sessions never expire.
	IdleMinutes int

	// ResetTriggers are commands that force a new session. A nil slice
	// selects the defaults ("/new", "/reset"); an empty non-nil slice
	// disables reset triggers entirely.
	ResetTriggers []string

	Store StoreAccessor
	Caps  CapabilityLookup

	// Forker serves parent-session forks. Nil disables forking.
	Forker *Forker

	// Authorize gates reset triggers. Nil allows them for every sender.
	Authorize AuthorizeFunc

	Logger  logging.Logger
	Metrics *Metrics

	Now          func() time.Time
	NewSessionID func() string
}

// Manager resolves inbound messages onto sessions. Resolutions for the same
// key are serialized; distinct keys proceed concurrently.
type Manager struct {
	cfg    Config
	logger logging.Logger
	locks  keyLock
}

var defaultResetTriggers = []string{"/new", "/reset"}

// NewManager validates the config and returns a ready Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session manager requires a store accessor")
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "default"
	}
	cfg.Scope = strings.ToLower(strings.TrimSpace(cfg.Scope))
	if cfg.ResetTriggers == nil {
		cfg.ResetTriggers = defaultResetTriggers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = id.NewSessionID
	}
	if cfg.Metrics == nil {
		cfg.Metrics = defaultMetrics()
	}
	return &Manager{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger),
	}, nil
}

// Resolve maps one inbound message to its session, creating, reusing,
// resetting or forking as the lifecycle dictates, and persists the updated
// entry before returning. A corrupt or unreadable store degrades to an
// empty one with a warning; only a failed write fails the resolution.
func (m *Manager) Resolve(ctx context.Context, msg MessageContext) (*Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.AgentID == "" {
		msg.AgentID = m.cfg.AgentID
	}
	key, group := ResolveKey(m.cfg.Scope, msg.AgentID, msg, m.cfg.Caps)

	var (
		res *Resolution
		err error
	)
	m.locks.Do(key, func() {
		res, err = m.resolveLocked(key, group, msg)
	})
	return res, err
}

func (m *Manager) resolveLocked(key string, group *GroupKeyResolution, msg MessageContext) (*Resolution, error) {
	store, err := m.cfg.Store.Load()
	if err != nil {
		m.logger.Warn("Session store unreadable, resolving against empty state: %v", err)
		store = Store{}
	}

	now := m.cfg.Now()
	nowMs := now.UnixMilli()
	prev := store[key]

	stripped, reset := matchResetTrigger(msg, m.cfg.ResetTriggers)
	if reset && !m.authorized(msg) {
		m.logger.Debug("Ignoring reset trigger from unauthorized sender %s on %s", msg.SenderID, key)
		stripped, reset = msg.Body, false
	}

	var (
		next    *Entry
		outcome Outcome
	)
	if prev != nil && !reset && m.fresh(prev, nowMs) {
		outcome = OutcomeReuse
		next = prev.Clone()
	} else {
		switch {
		case prev == nil:
			outcome = OutcomeNew
		case reset:
			outcome = OutcomeReset
		default:
			outcome = OutcomeIdleExpired
		}
		next = &Entry{SessionID: m.cfg.NewSessionID()}
		if forked := m.tryFork(store, msg, next); forked {
			outcome = OutcomeForked
		}
	}

	m.refreshSurface(next, prev, group, msg)
	m.refreshDelivery(next, prev, group, msg)
	next.UpdatedAt = nowMs

	start := m.cfg.Now()
	if err := m.cfg.Store.MergeSave(key, next); err != nil {
		return nil, fmt.Errorf("persist session %s: %w", key, err)
	}
	m.cfg.Metrics.ObserveStoreWrite(m.cfg.Now().Sub(start))
	m.cfg.Metrics.IncResolution(outcome)

	if outcome == OutcomeReuse {
		m.logger.Debug("Reusing session %s for %s", next.SessionID, key)
	} else {
		m.logger.Info("Session %s for %s (%s)", next.SessionID, key, outcome)
	}

	return &Resolution{
		Key:          key,
		SessionID:    next.SessionID,
		IsNew:        outcome != OutcomeReuse,
		Outcome:      outcome,
		StrippedBody: stripped,
		Entry:        next.Clone(),
		Group:        group,
	}, nil
}

func (m *Manager) authorized(msg MessageContext) bool {
	return m.cfg.Authorize == nil || m.cfg.Authorize(msg)
}

// fresh reports whether the entry is still inside the idle window.
func (m *Manager) fresh(entry *Entry, nowMs int64) bool {
	if m.cfg.IdleMinutes <= 0 {
		return true
	}
	windowMs := int64(m.cfg.IdleMinutes) * 60 * 1000
	return nowMs-entry.UpdatedAt <= windowMs
}

// tryFork attempts to seed the new entry from a parent session's
// transcript. Fork problems never fail a resolution; the session just
// starts without history.
func (m *Manager) tryFork(store Store, msg MessageContext, next *Entry) bool {
	if m.cfg.Forker == nil || msg.ParentSessionKey == "" {
		return false
	}
	parentKey := NormalizeKeyForAgent(msg.ParentSessionKey, msg.AgentID)
	parent := store[parentKey]
	if parent == nil {
		m.logger.Debug("Fork requested but parent %s has no entry", parentKey)
		return false
	}
	forked, err := m.cfg.Forker.Fork(parent)
	if err != nil {
		if errors.Is(err, ErrNoTranscript) {
			m.logger.Debug("Fork requested but parent %s has no transcript", parentKey)
		} else {
			m.logger.Warn("Fork from %s failed, starting fresh: %v", parentKey, err)
		}
		return false
	}
	next.SessionID = forked.SessionID
	next.SessionFile = forked.File
	return true
}

// refreshSurface recomputes the chat surface fields on every resolution so
// subjects, rooms and display names track the live conversation instead of
// whatever was stored last.
func (m *Manager) refreshSurface(next, prev *Entry, group *GroupKeyResolution, msg MessageContext) {
	if group == nil {
		next.ChatType = ChatTypeDirect
		if channel := strings.ToLower(strings.TrimSpace(msg.Channel)); channel != "" {
			next.Channel = channel
		}
		next.GroupID = ""
		next.Subject = ""
		next.Room = ""
		next.Space = ""
		if msg.DisplayName != "" {
			next.DisplayName = msg.DisplayName
		} else if prev != nil && next.DisplayName == "" {
			next.DisplayName = prev.DisplayName
		}
		return
	}

	next.ChatType = group.ChatType
	next.Channel = group.Channel
	next.GroupID = group.ID

	subject := strings.TrimSpace(msg.Subject)
	room := strings.TrimSpace(msg.Room)
	// Channel-style providers report the room tag as the subject. Keep it
	// as the room, not a topic.
	if m.cfg.Caps != nil && m.cfg.Caps.ChannelStyle(group.Channel) && strings.HasPrefix(subject, "#") {
		if room == "" {
			room = subject
		}
		subject = ""
	}
	next.Subject = subject
	next.Room = room
	next.Space = strings.TrimSpace(msg.Space)
	next.DisplayName = firstNonEmpty(msg.DisplayName, strings.TrimSpace(msg.Subject), room, group.ID)
}

// refreshDelivery keeps last-delivery routing pointed at wherever the
// conversation most recently lived, falling back to persisted values so a
// subagent can still announce to the last human-facing channel.
func (m *Manager) refreshDelivery(next, prev *Entry, group *GroupKeyResolution, msg MessageContext) {
	channel := firstNonEmpty(msg.OriginChannel, msg.Channel)
	to := msg.OriginTo
	if to == "" {
		if group != nil {
			to = group.ID
		} else {
			to = msg.SenderID
		}
	}
	account := msg.OriginAccountID

	if prev != nil {
		channel = firstNonEmpty(channel, prev.LastChannel)
		to = firstNonEmpty(to, prev.LastTo)
		account = firstNonEmpty(account, prev.LastAccountID)
	}
	next.LastChannel = channel
	next.LastTo = to
	next.LastAccountID = account

	if msg.DeliveryContext != nil {
		next.DeliveryContext = make(map[string]any, len(msg.DeliveryContext))
		for k, v := range msg.DeliveryContext {
			next.DeliveryContext[k] = v
		}
	}
}

// matchResetTrigger checks the raw trimmed body and, for group transports,
// the mention-stripped normalized body against the trigger list. A trigger
// matches when the body equals it or starts with it followed by a space;
// the remainder becomes the stripped body.
func matchResetTrigger(msg MessageContext, triggers []string) (string, bool) {
	candidates := []string{strings.TrimSpace(msg.Body)}
	if norm := strings.TrimSpace(msg.NormalizedBody); norm != "" && norm != candidates[0] {
		candidates = append(candidates, norm)
	}
	for _, body := range candidates {
		for _, trigger := range triggers {
			if trigger == "" {
				continue
			}
			if body == trigger {
				return "", true
			}
			if strings.HasPrefix(body, trigger+" ") {
				return strings.TrimSpace(body[len(trigger)+1:]), true
			}
		}
	}
	return msg.Body, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
