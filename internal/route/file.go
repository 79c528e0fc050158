package route

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/herald/internal/alert"
)

// File is the optional YAML routes file:
//
//	severity:
//	  critical: [tg, wecom]
//	  info: wecom
//	sources:
//	  billing:
//	    critical: [serverchan, tg]
//
// Channel lists may be YAML sequences or comma-separated strings.
type File struct {
	Severity map[string]ChannelList            `yaml:"severity"`
	Sources  map[string]map[string]ChannelList `yaml:"sources"`
}

// ChannelList decodes a YAML sequence or a comma-separated scalar.
type ChannelList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *ChannelList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*c = alert.SplitCSV(value.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		var out []string
		for _, item := range items {
			out = append(out, alert.SplitCSV(item)...)
		}
		*c = out
		return nil
	default:
		return fmt.Errorf("line %d: channel list must be a sequence or a comma-separated string", value.Line)
	}
}

// LoadFile reads and parses the routes file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routes file: read %q: %w", path, err)
	}
	return ParseFile(data)
}

// ParseFile parses routes YAML. Unknown severities are rejected; unknown
// channel IDs are dropped when the table is built.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("routes file: parse yaml: %w", err)
	}

	var errs []error
	for sev := range f.Severity {
		if _, ok := alert.ParseSeverity(sev); !ok {
			errs = append(errs, fmt.Errorf("severity.%s: unknown severity", sev))
		}
	}
	for src, perSeverity := range f.Sources {
		for sev := range perSeverity {
			if _, ok := alert.ParseSeverity(sev); !ok {
				errs = append(errs, fmt.Errorf("sources.%s.%s: unknown severity", src, sev))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("routes file: %w", err)
	}
	return &f, nil
}

// Apply merges the file into cfg. Severity routes in the file replace the
// corresponding entries of cfg.BySeverity; source routes are added.
func (f *File) Apply(cfg *Config) {
	if len(f.Severity) > 0 && cfg.BySeverity == nil {
		cfg.BySeverity = make(map[alert.Severity][]alert.ChannelID, len(f.Severity))
	}
	for raw, list := range f.Severity {
		sev, _ := alert.ParseSeverity(raw)
		cfg.BySeverity[sev] = toIDs(list)
	}

	if len(f.Sources) > 0 && cfg.BySource == nil {
		cfg.BySource = make(map[string]map[alert.Severity][]alert.ChannelID, len(f.Sources))
	}
	for src, perSeverity := range f.Sources {
		mapped := make(map[alert.Severity][]alert.ChannelID, len(perSeverity))
		for raw, list := range perSeverity {
			sev, _ := alert.ParseSeverity(raw)
			mapped[sev] = toIDs(list)
		}
		cfg.BySource[src] = mapped
	}
}

func toIDs(list ChannelList) []alert.ChannelID {
	return alert.NormalizeChannels(list)
}
