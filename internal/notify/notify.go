// Package notify defines the channel sender capability shared by every
// outbound notification channel, plus the registry used to look senders up
// by channel ID.
package notify

import (
	"context"
	"errors"
	"slices"

	"github.com/linnemanlabs/herald/internal/alert"
)

var (
	// ErrNotConfigured is returned by a Sender whose credentials are missing.
	// It is a configuration state, not a transient failure, and is never retried.
	ErrNotConfigured = errors.New("channel not configured")

	// ErrAPI marks a response that was delivered over HTTP but rejected by the
	// channel's application-level success field.
	ErrAPI = errors.New("channel api error")
)

// Message is the plain-text rendering of one alert for transmission.
type Message struct {
	Title    string
	Body     string
	Severity alert.Severity
	Status   alert.Status
}

// Sender delivers a Message to one channel.
type Sender interface {
	Channel() alert.ChannelID
	Send(ctx context.Context, msg Message) error
}

// Registry maps channel IDs to senders. It is built once at startup and is
// read-only afterwards.
type Registry struct {
	senders map[alert.ChannelID]Sender
}

// NewRegistry registers senders by their channel ID. A later sender for the
// same channel replaces an earlier one.
func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[alert.ChannelID]Sender, len(senders))}
	for _, s := range senders {
		if s != nil {
			r.senders[s.Channel()] = s
		}
	}
	return r
}

// Lookup returns the sender for id.
func (r *Registry) Lookup(id alert.ChannelID) (Sender, bool) {
	s, ok := r.senders[id]
	return s, ok
}

// Channels returns the registered channel IDs in canonical order.
func (r *Registry) Channels() []alert.ChannelID {
	out := make([]alert.ChannelID, 0, len(r.senders))
	for _, id := range alert.KnownChannels {
		if _, ok := r.senders[id]; ok {
			out = append(out, id)
		}
	}
	for id := range r.senders {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
