// Package alert defines the canonical alert record that flows through herald,
// the batch shape delivered by the grouping sidecar, and the normalization of
// raw ingest events into alerts.
package alert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusFiring   Status = "firing"
	StatusResolved Status = "resolved"
)

// Severity is the normalized alert severity.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Well-known label keys.
const (
	LabelSeverity          = "severity"
	LabelSource            = "source"
	LabelAlertName         = "alertname"
	LabelNotifyFingerprint = "notify_fingerprint"
	LabelNotifyChannels    = "notify_channels"
	LabelNotifyMute        = "notify_mute"

	AnnotationSummary     = "summary"
	AnnotationDescription = "description"

	DefaultAlertName = "GatewayEvent"
)

// ErrInvalidBatch is returned when a webhook payload is structurally invalid.
var ErrInvalidBatch = errors.New("invalid alertmanager payload: alerts must be an array")

// Alert is the canonical notification unit. It is never mutated once it enters
// the dispatch path.
type Alert struct {
	Labels      StringMap `json:"labels"`
	Annotations StringMap `json:"annotations"`
	StartsAt    string    `json:"startsAt,omitempty"`
	EndsAt      string    `json:"endsAt,omitempty"`
	Status      Status    `json:"status,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// StringMap is a label or annotation set. Decoding accepts any JSON value:
// strings are kept, other scalars keep their literal text, objects and
// arrays become compact JSON, and nulls are dropped.
type StringMap map[string]string

// UnmarshalJSON implements json.Unmarshaler.
func (m *StringMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*m = nil
		return nil
	}
	out := make(StringMap, len(raw))
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		switch {
		case len(v) == 0 || bytes.Equal(v, []byte("null")):
			continue
		case v[0] == '"':
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out[k] = s
		case v[0] == '{' || v[0] == '[':
			var buf bytes.Buffer
			if err := json.Compact(&buf, v); err != nil {
				return err
			}
			out[k] = buf.String()
		default:
			out[k] = string(v)
		}
	}
	*m = out
	return nil
}

// Batch is the grouped payload the sidecar posts to the dispatch webhook.
type Batch struct {
	Status Status  `json:"status,omitempty"`
	Alerts []Alert `json:"alerts"`

	// Malformed counts array elements that were not alert objects.
	Malformed int `json:"-"`
}

// ParseSeverity lowercases and trims raw. ok is false for anything outside
// critical, warning and info.
func ParseSeverity(raw string) (Severity, bool) {
	s := Severity(lowerTrim(raw))
	switch s {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return s, true
	default:
		return s, false
	}
}

// NormalizeStatus maps anything other than "resolved" to firing.
func NormalizeStatus(raw string) Status {
	if Status(lowerTrim(raw)) == StatusResolved {
		return StatusResolved
	}
	return StatusFiring
}

// Label returns the label value for key, or "".
func (a *Alert) Label(key string) string {
	return a.Labels[key]
}

// Lookup returns the value for key from labels, falling back to annotations.
func (a *Alert) Lookup(key string) string {
	if v := a.Labels[key]; v != "" {
		return v
	}
	return a.Annotations[key]
}

// EffectiveStatus returns the alert's own status, then the batch status, then firing.
func (a *Alert) EffectiveStatus(batch Status) Status {
	if a.Status != "" {
		return NormalizeStatus(string(a.Status))
	}
	return NormalizeStatus(string(batch))
}

// DecodeBatch parses a webhook body. A missing or non-array alerts field is
// rejected with ErrInvalidBatch and no alerts are returned.
func DecodeBatch(raw []byte) (*Batch, error) {
	var envelope struct {
		Status Status          `json:"status"`
		Alerts json.RawMessage `json:"alerts"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}

	trimmed := bytes.TrimSpace(envelope.Alerts)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrInvalidBatch
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}

	b := &Batch{Status: envelope.Status, Alerts: make([]Alert, 0, len(items))}
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			b.Malformed++
			continue
		}
		var a Alert
		if err := json.Unmarshal(item, &a); err != nil {
			b.Malformed++
			continue
		}
		b.Alerts = append(b.Alerts, a)
	}
	return b, nil
}
