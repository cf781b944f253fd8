package session

import (
	"fmt"
	"strings"
)

// Canonical key shapes:
//
//	agent:<agentId>:main
//	agent:<agentId>:<channel>:dm:<senderId>
//	agent:<agentId>:<channel>:group:<groupId>
//	agent:<agentId>:<channel>:channel:<channelId>
//	agent:<agentId>:subagent:<rest>
const (
	keyPrefix     = "agent:"
	mainKeySuffix = "main"

	// whatsAppGroupSuffix marks a WhatsApp group JID. It is the only group
	// id shape legacy stores ever wrote without a channel qualifier.
	whatsAppGroupSuffix = "@g.us"
)

// MainKey returns the canonical main session key for an agent.
func MainKey(agentID string) string {
	return keyPrefix + agentID + ":" + mainKeySuffix
}

// IsCanonicalKey reports whether the key already carries the agent prefix.
func IsCanonicalKey(key string) bool {
	return strings.HasPrefix(key, keyPrefix)
}

// AgentIDFromKey extracts the agent id from a canonical key, or "" when the
// key is not agent-prefixed.
func AgentIDFromKey(key string) string {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, ":")
	if !ok {
		return ""
	}
	return id
}

// keyRule is one step of the legacy key normalizer. Rules are evaluated in
// order and the first match wins, so ordering is load-bearing: the
// agent-prefixed passthrough must run before everything else, and the
// whatsapp-prefixed group rule must run before the generic surface-group
// rule or it would never strip the redundant "group:" marker.
type keyRule struct {
	applies func(key string) bool
	rewrite func(key, agentID string) string
}

var keyRules = []keyRule{
	// Already canonical.
	{
		applies: func(key string) bool { return strings.HasPrefix(key, keyPrefix) },
		rewrite: func(key, _ string) string { return key },
	},
	// Bare subagent key.
	{
		applies: func(key string) bool { return strings.HasPrefix(key, "subagent:") },
		rewrite: func(key, agentID string) string { return keyPrefix + agentID + ":" + key },
	},
	// Bare "group:<id>" key. The channel is recovered from the id shape
	// when possible; ids we cannot place are filed under "unknown" rather
	// than guessed.
	{
		applies: func(key string) bool { return strings.HasPrefix(key, "group:") },
		rewrite: func(key, agentID string) string {
			id := strings.TrimPrefix(key, "group:")
			channel := "unknown"
			if strings.Contains(id, whatsAppGroupSuffix) {
				channel = "whatsapp"
			}
			return fmt.Sprintf("%s%s:%s:group:%s", keyPrefix, agentID, channel, id)
		},
	},
	// A naked WhatsApp group JID used directly as the key.
	{
		applies: func(key string) bool {
			return !strings.Contains(key, ":") && strings.Contains(key, whatsAppGroupSuffix)
		},
		rewrite: func(key, agentID string) string {
			return fmt.Sprintf("%s%s:whatsapp:group:%s", keyPrefix, agentID, key)
		},
	},
	// "whatsapp:<id>" or "whatsapp:group:<id>" where <id> is a group JID
	// but the key lacks the explicit surface-group form.
	{
		applies: func(key string) bool {
			rest, ok := strings.CutPrefix(key, "whatsapp:")
			if !ok {
				return false
			}
			if strings.Contains(rest, ":group:") || strings.Contains(rest, ":channel:") {
				return false
			}
			return strings.Contains(rest, whatsAppGroupSuffix)
		},
		rewrite: func(key, agentID string) string {
			id := strings.TrimPrefix(key, "whatsapp:")
			id = strings.TrimPrefix(id, "group:")
			return fmt.Sprintf("%s%s:whatsapp:group:%s", keyPrefix, agentID, id)
		},
	},
	// Explicit surface-group form missing only the agent prefix.
	{
		applies: func(key string) bool {
			return strings.Contains(key, ":group:") || strings.Contains(key, ":channel:")
		},
		rewrite: func(key, agentID string) string { return keyPrefix + agentID + ":" + key },
	},
}

// NormalizeKeyForAgent rewrites a session key from any legacy layout into
// the canonical agent-prefixed form. Keys that match no rule are returned
// unchanged and treated as direct or main keys. Normalization is idempotent:
// every rewrite lands in the agent-prefixed passthrough on a second pass.
func NormalizeKeyForAgent(key, agentID string) string {
	for _, rule := range keyRules {
		if rule.applies(key) {
			return rule.rewrite(key, agentID)
		}
	}
	return key
}

// IsLegacyGroupKey reports whether a key is a pre-upgrade group key that
// NormalizeKeyForAgent would rewrite into surface-group form. Keys already
// carrying an explicit ":group:" or ":channel:" segment are not legacy.
func IsLegacyGroupKey(key string) bool {
	if strings.Contains(key, ":group:") || strings.Contains(key, ":channel:") {
		return false
	}
	if strings.HasPrefix(key, "group:") {
		return true
	}
	if !strings.Contains(key, ":") && strings.Contains(key, whatsAppGroupSuffix) {
		return true
	}
	if strings.HasPrefix(key, "whatsapp:") && strings.Contains(key, whatsAppGroupSuffix) {
		return true
	}
	return false
}

// CapabilityLookup answers channel-level questions the resolver cannot
// decide from the message alone. channels.Registry satisfies it.
type CapabilityLookup interface {
	ChannelStyle(channel string) bool
}

// ResolveKey derives the canonical session key for an inbound message under
// the given scope policy. Group resolutions also report how the group key
// was classified; direct and main resolutions return a nil group.
//
// Scope degrades gracefully: per-group scope on a message with no group id
// behaves like per-sender, and per-sender scope with no sender collapses to
// the main key. The main key is always a safe landing spot.
func ResolveKey(scope, agentID string, msg MessageContext, caps CapabilityLookup) (string, *GroupKeyResolution) {
	channel := strings.ToLower(strings.TrimSpace(msg.Channel))
	if channel == "" {
		channel = "unknown"
	}

	if scope == "per-group" && msg.GroupID != "" {
		chatType := classifyGroupChatType(channel, msg, caps)
		segment := "group"
		if chatType == ChatTypeChannel {
			segment = "channel"
		}
		key := fmt.Sprintf("%s%s:%s:%s:%s", keyPrefix, agentID, channel, segment, msg.GroupID)
		return key, &GroupKeyResolution{Channel: channel, ID: msg.GroupID, ChatType: chatType}
	}

	if (scope == "per-sender" || scope == "per-group") && msg.SenderID != "" {
		return fmt.Sprintf("%s%s:%s:dm:%s", keyPrefix, agentID, channel, msg.SenderID), nil
	}

	return MainKey(agentID), nil
}

func classifyGroupChatType(channel string, msg MessageContext, caps CapabilityLookup) ChatType {
	switch msg.ChatType {
	case ChatTypeGroup, ChatTypeChannel:
		return msg.ChatType
	}
	if caps != nil && caps.ChannelStyle(channel) {
		return ChatTypeChannel
	}
	return ChatTypeGroup
}
