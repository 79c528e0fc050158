package alert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is a raw ingest event as posted by upstream producers.
type Event struct {
	Source      string            `json:"source"`
	Summary     string            `json:"summary"`
	Severity    string            `json:"severity"`
	Status      *string           `json:"status,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Channels    ChannelList       `json:"channels,omitempty"`
	StartsAt    *string           `json:"startsAt,omitempty"`
	EndsAt      *string           `json:"endsAt,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Description string            `json:"description,omitempty"`
	AlertName   string            `json:"alertname,omitempty"`
}

// ChannelList accepts either a JSON string array or a comma-separated string.
// Entries are kept raw; NormalizeChannels filters them.
type ChannelList []string

// UnmarshalJSON implements json.Unmarshaler.
func (c *ChannelList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = SplitCSV(s)
		return nil
	}

	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return errors.New("channels must be string[] or comma-separated string")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case float64:
			out = append(out, fmt.Sprint(v))
		}
	}
	*c = out
	return nil
}

// Validate enforces the ingest contract. Events that fail are rejected before
// normalization.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.Source) == "" {
		return errors.New("source is required and must be a string")
	}
	if strings.TrimSpace(e.Summary) == "" {
		return errors.New("summary is required and must be a string")
	}
	if _, ok := ParseSeverity(e.Severity); !ok {
		return errors.New("severity must be one of critical|warning|info")
	}
	if e.Status != nil {
		switch Status(lowerTrim(*e.Status)) {
		case StatusFiring:
		case StatusResolved:
			if e.EndsAt == nil || strings.TrimSpace(*e.EndsAt) == "" {
				return errors.New("endsAt is required when status=resolved")
			}
		default:
			return errors.New("status must be firing|resolved")
		}
	}
	if e.StartsAt != nil {
		if _, ok := ParseTime(*e.StartsAt); !ok {
			return errors.New("startsAt must be a valid ISO datetime when provided")
		}
	}
	if e.EndsAt != nil {
		if _, ok := ParseTime(*e.EndsAt); !ok {
			return errors.New("endsAt must be a valid ISO datetime when provided")
		}
	}
	return nil
}

// EventStatus returns the normalized status of the event.
func (e *Event) EventStatus() Status {
	if e.Status == nil {
		return StatusFiring
	}
	return NormalizeStatus(*e.Status)
}

// isoLayouts are tried in order by ParseTime. Layouts without a zone are
// interpreted as UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses an ISO-8601 timestamp.
func ParseTime(raw string) (time.Time, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTime renders t as ISO-8601 in UTC with a Z suffix.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NormalizeTime re-renders raw in UTC, or returns fallback when raw is absent
// or unparseable.
func NormalizeTime(raw *string, fallback string) string {
	if raw == nil {
		return fallback
	}
	t, ok := ParseTime(*raw)
	if !ok {
		return fallback
	}
	return FormatTime(t)
}
