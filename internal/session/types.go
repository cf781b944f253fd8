// Package session resolves inbound conversational events onto durable agent
// sessions. It owns the canonical session key scheme, the fresh/expired/reset
// lifecycle, and the persisted per-session state entry.
package session

// ChatType classifies the surface a session is bound to.
type ChatType string

const (
	ChatTypeDirect  ChatType = "direct"
	ChatTypeGroup   ChatType = "group"
	ChatTypeChannel ChatType = "channel"
)

// Entry is the persisted state for one session key. Timestamps are epoch
// milliseconds. Zero-valued optional fields are omitted on disk so stores
// stay readable.
type Entry struct {
	SessionID      string `json:"sessionId"`
	UpdatedAt      int64  `json:"updatedAt"`
	SystemSent     bool   `json:"systemSent,omitempty"`
	AbortedLastRun bool   `json:"abortedLastRun,omitempty"`

	// Per-session behavior overrides, owned by the chat surface.
	ThinkingLevel    string `json:"thinkingLevel,omitempty"`
	VerboseLevel     string `json:"verboseLevel,omitempty"`
	ReasoningLevel   string `json:"reasoningLevel,omitempty"`
	ModelOverride    string `json:"modelOverride,omitempty"`
	ProviderOverride string `json:"providerOverride,omitempty"`
	SendPolicy       string `json:"sendPolicy,omitempty"`
	QueueMode        string `json:"queueMode,omitempty"`
	QueueDebounceMs  int    `json:"queueDebounceMs,omitempty"`
	QueueCap         int    `json:"queueCap,omitempty"`
	QueueDrop        string `json:"queueDrop,omitempty"`

	// Surface identity, refreshed on every resolution.
	DisplayName string   `json:"displayName,omitempty"`
	ChatType    ChatType `json:"chatType,omitempty"`
	Channel     string   `json:"channel,omitempty"`
	GroupID     string   `json:"groupId,omitempty"`
	Subject     string   `json:"subject,omitempty"`
	Room        string   `json:"room,omitempty"`
	Space       string   `json:"space,omitempty"`

	// Delivery routing for proactive sends back into the chat surface.
	DeliveryContext map[string]any `json:"deliveryContext,omitempty"`
	LastChannel     string         `json:"lastChannel,omitempty"`
	LastTo          string         `json:"lastTo,omitempty"`
	LastAccountID   string         `json:"lastAccountId,omitempty"`

	// Transcript bookkeeping, owned by the transcript engine.
	SessionFile       string `json:"sessionFile,omitempty"`
	CompactionCount   int    `json:"compactionCount,omitempty"`
	MemoryFlushCount  int    `json:"memoryFlushCount,omitempty"`
	LastMemoryFlushAt int64  `json:"lastMemoryFlushAt,omitempty"`
}

// Clone returns a deep copy so callers can mutate without sharing maps.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.DeliveryContext != nil {
		clone.DeliveryContext = make(map[string]any, len(e.DeliveryContext))
		for k, v := range e.DeliveryContext {
			clone.DeliveryContext[k] = v
		}
	}
	return &clone
}

// Store maps canonical session keys to their entries. It is the in-memory
// form of one agent's sessions.json.
type Store map[string]*Entry

// Clone deep-copies the store.
func (s Store) Clone() Store {
	if s == nil {
		return nil
	}
	clone := make(Store, len(s))
	for k, e := range s {
		clone[k] = e.Clone()
	}
	return clone
}

// StoreAccessor persists one agent's session store. MergeSave must apply the
// single-key mutation against the current on-disk state, not a stale
// snapshot, so concurrent writers cannot clobber each other's keys.
type StoreAccessor interface {
	Load() (Store, error)
	MergeSave(key string, entry *Entry) error
	Delete(key string) error
}

// MessageContext carries everything the resolver needs to know about one
// inbound event. Body is the raw text; NormalizedBody is the
// mention-stripped form a group transport produces, empty for direct chats.
type MessageContext struct {
	AgentID  string
	Channel  string
	SenderID string
	GroupID  string

	// ChatType is the transport's own classification of the surface. When
	// set it wins over channel-level heuristics.
	ChatType ChatType

	Subject     string
	Room        string
	Space       string
	DisplayName string

	Body           string
	NormalizedBody string

	// ParentSessionKey requests a fork off another session's transcript
	// when this event starts a new session.
	ParentSessionKey string

	// Origin* describe where the event physically arrived, used to keep
	// last-delivery routing current.
	OriginChannel   string
	OriginTo        string
	OriginAccountID string

	// DeliveryContext is transport-specific routing state to persist with
	// the session. Nil leaves the stored value alone.
	DeliveryContext map[string]any
}

// Outcome names how a resolution concluded.
type Outcome string

const (
	OutcomeReuse       Outcome = "reuse"
	OutcomeIdleExpired Outcome = "idle_expired"
	OutcomeReset       Outcome = "reset"
	OutcomeForked      Outcome = "forked"
	OutcomeNew         Outcome = "new"
)

// GroupKeyResolution records how a group-scoped key was derived.
type GroupKeyResolution struct {
	Channel  string
	ID       string
	ChatType ChatType
}

// Resolution is the result handed to the message pipeline.
type Resolution struct {
	Key       string
	SessionID string
	IsNew     bool
	Outcome   Outcome

	// StrippedBody is the message body with a matched reset trigger
	// removed. It equals the raw body when no trigger fired.
	StrippedBody string

	Entry *Entry
	Group *GroupKeyResolution
}
