// Package render turns a canonical alert into the plain-text title and body
// delivered to every channel.
package render

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/herald/internal/alert"
	"github.com/linnemanlabs/herald/internal/notify"
)

const (
	TitleLimit = 180
	BodyLimit  = 3500

	ellipsis = "..."
)

// hidden routing labels are never shown to recipients.
var hiddenLabels = map[string]struct{}{
	alert.LabelNotifyChannels: {},
	alert.LabelNotifyMute:     {},
}

// Renderer formats alerts. The zero value renders timestamps in UTC.
type Renderer struct {
	loc *time.Location
}

// New returns a Renderer that shows timestamps in loc. A nil loc means UTC.
func New(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{loc: loc}
}

// Render builds the Message for a. batch is the batch-level status used when
// the alert carries none. The output depends only on its inputs.
func (r *Renderer) Render(a *alert.Alert, batch alert.Status) notify.Message {
	status := a.EffectiveStatus(batch)
	severity, ok := alert.ParseSeverity(a.Labels[alert.LabelSeverity])
	if !ok {
		severity = alert.SeverityInfo
	}

	source := a.Labels[alert.LabelSource]
	if source == "" {
		source = "unknown"
	}
	alertName := a.Labels[alert.LabelAlertName]
	if alertName == "" {
		alertName = alert.DefaultAlertName
	}
	summary := a.Annotations[alert.AnnotationSummary]
	if summary == "" {
		summary = a.Annotations[alert.AnnotationDescription]
	}
	if summary == "" {
		summary = "(no summary)"
	}

	title := fmt.Sprintf("[%s][%s][%s] %s",
		strings.ToUpper(string(severity)), strings.ToUpper(string(status)), source, alertName)

	var b strings.Builder
	b.WriteString("summary: ")
	b.WriteString(summary)
	if desc := a.Annotations[alert.AnnotationDescription]; desc != "" {
		b.WriteString("\ndescription: ")
		b.WriteString(desc)
	}
	b.WriteString("\nstartsAt: ")
	b.WriteString(r.formatTime(a.StartsAt))
	if a.EndsAt != "" {
		b.WriteString("\nendsAt: ")
		b.WriteString(r.formatTime(a.EndsAt))
	}
	b.WriteString("\nlabels: ")
	b.WriteString(FormatLabels(a.Labels))

	return notify.Message{
		Title:    Truncate(title, TitleLimit),
		Body:     Truncate(b.String(), BodyLimit),
		Severity: severity,
		Status:   status,
	}
}

func (r *Renderer) formatTime(raw string) string {
	if raw == "" {
		return "-"
	}
	t, ok := alert.ParseTime(raw)
	if !ok {
		return raw
	}
	loc := r.loc
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02 15:04:05") + " (" + loc.String() + ")"
}

// FormatLabels renders labels as "k=v, ..." sorted by key, without routing
// labels. An empty set renders as "-".
func FormatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		if _, hidden := hiddenLabels[k]; !hidden {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "-"
	}
	slices.Sort(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + labels[k]
	}
	return strings.Join(parts, ", ")
}

// Truncate cuts s to exactly limit runes ending in "..." when it is longer
// than limit. Shorter strings are returned unchanged.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= len(ellipsis) {
		return ellipsis[:max(limit, 0)]
	}
	r := []rune(s)
	return string(r[:limit-len(ellipsis)]) + ellipsis
}
