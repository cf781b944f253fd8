package channels

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Info describes one chat channel's capability metadata.
//
// ChannelStyle marks providers whose group conversations are broadcast
// "channels" (Slack, Discord, IRC) rather than member groups (WhatsApp,
// Signal). GroupSuffixes list identifier suffixes that mark a raw id as a
// group conversation for that provider.
type Info struct {
	Name          string   `yaml:"name"`
	ChannelStyle  bool     `yaml:"channelStyle"`
	GroupSuffixes []string `yaml:"groupSuffixes"`
}

// Registry answers capability questions about chat channels. Safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Info
}

// NewRegistry returns a registry seeded with the built-in channel set.
func NewRegistry() *Registry {
	r := &Registry{channels: make(map[string]Info)}
	for _, info := range builtins() {
		r.channels[info.Name] = info
	}
	return r
}

func builtins() []Info {
	return []Info{
		{Name: "whatsapp", GroupSuffixes: []string{"@g.us"}},
		{Name: "telegram"},
		{Name: "signal"},
		{Name: "imessage"},
		{Name: "discord", ChannelStyle: true},
		{Name: "slack", ChannelStyle: true},
		{Name: "irc", ChannelStyle: true},
		{Name: "matrix", ChannelStyle: true},
	}
}

// Register adds or replaces a channel definition.
func (r *Registry) Register(info Info) {
	name := strings.ToLower(strings.TrimSpace(info.Name))
	if name == "" {
		return
	}
	info.Name = name
	r.mu.Lock()
	r.channels[name] = info
	r.mu.Unlock()
}

// Lookup returns the definition for a channel name.
func (r *Registry) Lookup(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.channels[strings.ToLower(strings.TrimSpace(name))]
	return info, ok
}

// ChannelStyle reports whether the provider's group chats are broadcast
// channels. Unknown channels are treated as plain group providers.
func (r *Registry) ChannelStyle(name string) bool {
	info, ok := r.Lookup(name)
	return ok && info.ChannelStyle
}

// LooksLikeGroupID reports whether a raw conversation id reads as a group
// identifier for the given channel.
func (r *Registry) LooksLikeGroupID(channel, id string) bool {
	info, ok := r.Lookup(channel)
	if !ok {
		return false
	}
	for _, suffix := range info.GroupSuffixes {
		if suffix != "" && strings.HasSuffix(id, suffix) {
			return true
		}
	}
	return false
}

// Names returns the registered channel names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type overridesFile struct {
	Channels []Info `yaml:"channels"`
}

// LoadFile merges channel definitions from a YAML overrides file. Entries
// replace built-ins with the same name.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read channels file: %w", err)
	}

	var parsed overridesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse channels file: %w", err)
	}

	for _, info := range parsed.Channels {
		r.Register(info)
	}
	return nil
}
