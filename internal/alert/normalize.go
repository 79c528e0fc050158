package alert

import (
	"maps"
	"time"
)

// NormalizeOptions carries the configuration the normalizer depends on.
type NormalizeOptions struct {
	DefaultSource string
}

// Normalize converts a validated ingest event into a canonical Alert. now is
// used for missing or invalid timestamps.
func Normalize(ev *Event, opts NormalizeOptions, now time.Time) Alert {
	nowISO := FormatTime(now)
	severity, _ := ParseSeverity(ev.Severity)

	labels := make(map[string]string, len(ev.Labels)+5)
	maps.Copy(labels, ev.Labels)

	source := ev.Source
	if source == "" {
		source = opts.DefaultSource
	}
	if source == "" {
		source = "unknown"
	}
	labels[LabelSource] = source
	labels[LabelSeverity] = string(severity)

	alertName := ev.AlertName
	if alertName == "" {
		alertName = ev.Labels[LabelAlertName]
	}
	if alertName == "" {
		alertName = DefaultAlertName
	}
	labels[LabelAlertName] = alertName

	if ev.Fingerprint != "" {
		labels[LabelNotifyFingerprint] = ev.Fingerprint
	}
	if channels := NormalizeChannels(ev.Channels); len(channels) > 0 {
		labels[LabelNotifyChannels] = JoinChannels(channels)
	}

	annotations := make(map[string]string, len(ev.Annotations)+2)
	maps.Copy(annotations, ev.Annotations)
	summary := ev.Summary
	if summary == "" {
		summary = "(no summary)"
	}
	annotations[AnnotationSummary] = summary
	description := ev.Description
	if description == "" {
		description = ev.Summary
	}
	annotations[AnnotationDescription] = description

	a := Alert{
		Labels:      labels,
		Annotations: annotations,
		StartsAt:    NormalizeTime(ev.StartsAt, nowISO),
	}
	if ev.EventStatus() == StatusResolved {
		a.EndsAt = NormalizeTime(ev.EndsAt, nowISO)
	}
	return a
}
