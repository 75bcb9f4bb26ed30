package sse

import "strings"

type matchMode int

const (
	matchExact matchMode = iota
	matchContains
)

type rule struct {
	mode    matchMode
	pattern string
}

// suppressed paths carry status bookkeeping, never content
var suppressed = []rule{
	{matchExact, "response/search_status"},
	{matchContains, "quasi_status"},
	{matchContains, "elapsed_secs"},
	{matchContains, "token_usage"},
	{matchContains, "pending_fragment"},
	{matchContains, "conversation_mode"},
	{matchContains, "fragments/-1/status"},
	{matchContains, "fragments/-2/status"},
	{matchContains, "fragments/-3/status"},
}

func (r rule) match(path string) bool {
	switch r.mode {
	case matchExact:
		return path == r.pattern
	case matchContains:
		return strings.Contains(path, r.pattern)
	}
	return false
}

// Suppressed reports whether events at path are status noise.
func Suppressed(path string) bool {
	for _, r := range suppressed {
		if r.match(path) {
			return true
		}
	}
	return false
}

type Channel string

const (
	Thinking Channel = "thinking"
	Text     Channel = "text"
)

// channelOfType maps a fragment type tag. ok is false for unknown tags.
func channelOfType(tag string) (Channel, bool) {
	switch strings.ToUpper(tag) {
	case "THINK", "THINKING":
		return Thinking, true
	case "RESPONSE":
		return Text, true
	}
	return "", false
}

// itemChannel derives the channel of a batch item from its own path.
func itemChannel(path string, fallback Channel) Channel {
	switch {
	case strings.Contains(path, "thinking"):
		return Thinking
	case strings.Contains(path, "content"), path == "response", path == "fragments":
		return Text
	default:
		return fallback
	}
}
