package alert

import (
	"strings"
)

// ChannelID identifies an outbound notification channel.
type ChannelID string

const (
	ChannelTelegram   ChannelID = "tg"
	ChannelWeCom      ChannelID = "wecom"
	ChannelServerChan ChannelID = "serverchan"
	ChannelSlack      ChannelID = "slack"
)

// KnownChannels lists every recognized channel in canonical order.
var KnownChannels = []ChannelID{ChannelTelegram, ChannelWeCom, ChannelServerChan, ChannelSlack}

// IsKnownChannel reports whether id is a recognized channel identifier.
func IsKnownChannel(id ChannelID) bool {
	switch id {
	case ChannelTelegram, ChannelWeCom, ChannelServerChan, ChannelSlack:
		return true
	}
	return false
}

// ParseChannelList splits a comma-separated list, lowercases each entry and
// keeps only recognized channels, first occurrence wins.
func ParseChannelList(csv string) []ChannelID {
	return NormalizeChannels(SplitCSV(csv))
}

// NormalizeChannels lowercases, filters to recognized channels, and dedupes
// while preserving order.
func NormalizeChannels(items []string) []ChannelID {
	out := make([]ChannelID, 0, len(items))
	seen := make(map[ChannelID]struct{}, len(items))
	for _, item := range items {
		id := ChannelID(lowerTrim(item))
		if !IsKnownChannel(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// JoinChannels renders ids as a comma-separated list.
func JoinChannels(ids []ChannelID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

// SplitCSV splits on commas and drops empty entries. Entries are trimmed but
// keep their case.
func SplitCSV(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// IsTruthy is the single predicate used for flag-like labels and annotations
// such as notify_mute. Accepted forms, case-insensitive: 1, true, yes, on.
func IsTruthy(raw string) bool {
	switch lowerTrim(raw) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
