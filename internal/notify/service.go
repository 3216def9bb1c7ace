package notify

import (
	"fmt"

	"github.com/aidekit/aide/internal/db"
	"github.com/aidekit/aide/internal/webhook"
)

// Service is the ChannelService backed by the channels table, delivering
// through webhook transports per platform.
type Service struct {
	db      *db.DB
	slack   *webhook.Slack
	discord *webhook.Discord
}

// NewService creates a channel service over the database
func NewService(database *db.DB) *Service {
	return &Service{
		db:      database,
		slack:   webhook.NewSlack(),
		discord: webhook.NewDiscord(),
	}
}

// Channel retrieves a channel by exact id
func (s *Service) Channel(id string) (*db.Channel, error) {
	return s.db.GetChannel(id)
}

// Channels lists all configured channels
func (s *Service) Channels() ([]*db.Channel, error) {
	return s.db.ListChannels()
}

// Send delivers text through the channel identified by target, which may
// be a channel id or a transport plugin id.
func (s *Service) Send(target string, msg Message) error {
	ch, err := s.db.GetChannel(target)
	if err != nil {
		ch, err = s.db.GetChannelByPluginID(target)
		if err != nil {
			return fmt.Errorf("channel %q not found: %w", target, err)
		}
	}

	switch ch.Platform {
	case "slack":
		return s.slack.Send(ch.WebhookURL, msg.Text)
	case "discord":
		return s.discord.Send(ch.WebhookURL, msg.Text)
	default:
		return fmt.Errorf("unsupported platform %q for channel %s", ch.Platform, ch.ID)
	}
}
