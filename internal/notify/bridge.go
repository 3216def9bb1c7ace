// Package notify decouples scheduler and plan completion events from
// delivery, resolving logical channel references to connected transports
// and fanning out with per-channel failure isolation.
package notify

import (
	"fmt"
	"log/slog"

	"github.com/aidekit/aide/internal/db"
)

// Message is the payload handed to a channel's send primitive.
type Message struct {
	PlatformChatID string `json:"platform_chat_id"`
	Text           string `json:"text"`
}

// ChannelService is the upstream channel lookup and delivery collaborator.
type ChannelService interface {
	// Channel returns the channel with the exact id, or an error when
	// it does not exist.
	Channel(id string) (*db.Channel, error)
	// Channels lists all known channels in listing order.
	Channels() ([]*db.Channel, error)
	// Send delivers a message through the channel identified by target.
	Send(target string, msg Message) error
}

// Event describes what happened, for logging and audit.
type Event struct {
	Kind   string `json:"kind"`
	TaskID int64  `json:"task_id,omitempty"`
	PlanID string `json:"plan_id,omitempty"`
	Status string `json:"status"`
}

// Request carries the channel references and content for one fan-out.
// Channels overrides Default when non-empty.
type Request struct {
	Channels []string
	Default  []string
	Title    string
	Body     string
}

// Bridge fans notification events out to messaging channels.
type Bridge struct {
	channels ChannelService
	log      *slog.Logger
}

// New creates a new bridge
func New(channels ChannelService, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{channels: channels, log: logger}
}

// Notify resolves each channel reference and attempts delivery. A failure
// on one channel never prevents attempts on the remaining ones, and Notify
// itself never fails the originating task or plan.
func (b *Bridge) Notify(event Event, req Request) {
	refs := req.Channels
	if len(refs) == 0 {
		refs = req.Default
	}
	if len(refs) == 0 {
		b.log.Debug("no notification channels configured", "event", event.Kind)
		return
	}

	// One channel listing per invocation, reused across all references
	all, err := b.channels.Channels()
	if err != nil {
		b.log.Warn("failed to list channels", "error", err)
	}

	text := fmt.Sprintf("%s\n\n%s", req.Title, req.Body)

	for _, ref := range refs {
		ch := b.resolve(ref, all)
		if ch == nil {
			b.log.Warn("notification channel not resolved, skipping", "ref", ref, "event", event.Kind)
			continue
		}
		if err := b.channels.Send(ch.ID, Message{PlatformChatID: ch.ID, Text: text}); err != nil {
			b.log.Error("notification delivery failed", "channel", ch.ID, "platform", ch.Platform, "error", err)
			continue
		}
		b.log.Info("notification delivered", "channel", ch.ID, "platform", ch.Platform, "event", event.Kind)
	}
}

// resolve tries an exact channel id first, then treats the reference as a
// platform name and takes the first connected channel on that platform.
func (b *Bridge) resolve(ref string, all []*db.Channel) *db.Channel {
	if ch, err := b.channels.Channel(ref); err == nil && ch != nil {
		return ch
	}
	for _, ch := range all {
		if ch.Platform == ref && ch.Status == db.ChannelStatusConnected {
			return ch
		}
	}
	return nil
}
