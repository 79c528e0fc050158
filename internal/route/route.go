// Package route resolves which channels an alert is delivered to.
package route

import (
	"slices"
	"strings"

	"github.com/linnemanlabs/herald/internal/alert"
)

// Config is the static routing configuration.
type Config struct {
	// Enabled is the global channel allow-list. Every other list is
	// intersected with it.
	Enabled []alert.ChannelID

	// BySeverity is the default ordered channel list per severity.
	BySeverity map[alert.Severity][]alert.ChannelID

	// BySource overrides BySeverity for a (source, severity) pair. Source
	// keys are matched case-insensitively.
	BySource map[string]map[alert.Severity][]alert.ChannelID

	// DefaultSource is assumed for alerts without a source label.
	DefaultSource string
}

// DefaultRoutes sends every severity to Telegram then WeCom.
func DefaultRoutes() map[alert.Severity][]alert.ChannelID {
	return map[alert.Severity][]alert.ChannelID{
		alert.SeverityCritical: {alert.ChannelTelegram, alert.ChannelWeCom},
		alert.SeverityWarning:  {alert.ChannelTelegram, alert.ChannelWeCom},
		alert.SeverityInfo:     {alert.ChannelTelegram, alert.ChannelWeCom},
	}
}

// Table is the immutable route table built at startup. It is safe for
// concurrent use.
type Table struct {
	enabled       []alert.ChannelID
	enabledSet    map[alert.ChannelID]struct{}
	bySeverity    map[alert.Severity][]alert.ChannelID
	bySource      map[string]map[alert.Severity][]alert.ChannelID
	defaultSource string
}

// NewTable pre-filters every route list to the enabled channels.
func NewTable(cfg Config) *Table {
	t := &Table{
		enabledSet:    make(map[alert.ChannelID]struct{}, len(cfg.Enabled)),
		bySeverity:    make(map[alert.Severity][]alert.ChannelID, len(cfg.BySeverity)),
		bySource:      make(map[string]map[alert.Severity][]alert.ChannelID, len(cfg.BySource)),
		defaultSource: sourceKey(cfg.DefaultSource),
	}
	for _, id := range normalizeIDs(cfg.Enabled) {
		t.enabledSet[id] = struct{}{}
		t.enabled = append(t.enabled, id)
	}

	for sev, ids := range cfg.BySeverity {
		t.bySeverity[sev] = t.filter(ids)
	}
	for src, perSeverity := range cfg.BySource {
		key := sourceKey(src)
		if key == "" {
			continue
		}
		mapped := make(map[alert.Severity][]alert.ChannelID, len(perSeverity))
		for sev, ids := range perSeverity {
			if filtered := t.filter(ids); len(filtered) > 0 {
				mapped[sev] = filtered
			}
		}
		if len(mapped) > 0 {
			t.bySource[key] = mapped
		}
	}
	return t
}

// Enabled returns the enabled channels in configured order.
func (t *Table) Enabled() []alert.ChannelID {
	return slices.Clone(t.enabled)
}

// ForSeverity returns the default route for sev.
func (t *Table) ForSeverity(sev alert.Severity) []alert.ChannelID {
	return slices.Clone(t.bySeverity[sev])
}

// Resolve returns the ordered, duplicate-free channels for a:
//
//  1. notify_mute truthy in labels or annotations: none.
//  2. notify_channels in labels, else annotations: that list, enabled only.
//     An override naming no recognized channel is ignored.
//  3. a source route for (source, severity), if configured.
//  4. the severity route; unknown severities get none.
func (t *Table) Resolve(a *alert.Alert) []alert.ChannelID {
	if alert.IsTruthy(a.Labels[alert.LabelNotifyMute]) || alert.IsTruthy(a.Annotations[alert.LabelNotifyMute]) {
		return nil
	}

	if override := alert.ParseChannelList(a.Lookup(alert.LabelNotifyChannels)); len(override) > 0 {
		return t.filter(override)
	}

	severity, ok := alert.ParseSeverity(a.Labels[alert.LabelSeverity])
	if !ok {
		return nil
	}

	source := sourceKey(a.Labels[alert.LabelSource])
	if source == "" {
		source = t.defaultSource
	}
	if ids, ok := t.bySource[source][severity]; ok {
		return slices.Clone(ids)
	}
	return slices.Clone(t.bySeverity[severity])
}

// filter keeps enabled channels, in input order, first occurrence only.
func (t *Table) filter(ids []alert.ChannelID) []alert.ChannelID {
	var out []alert.ChannelID
	for _, id := range normalizeIDs(ids) {
		if _, ok := t.enabledSet[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func normalizeIDs(ids []alert.ChannelID) []alert.ChannelID {
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	return alert.NormalizeChannels(raw)
}

func sourceKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
