package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Discord delivers notification text to a Discord webhook
type Discord struct {
	client *http.Client
}

// NewDiscord creates a new Discord webhook sender
func NewDiscord() *Discord {
	return &Discord{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

// EmbedFooter represents the footer of a Discord embed
type EmbedFooter struct {
	Text string `json:"text"`
}

// DiscordPayload represents the webhook payload
type DiscordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// Send posts a message as a single embed. The first line is used as the
// embed title when the text carries a title/body split.
func (d *Discord) Send(webhookURL, text string) error {
	title, body, hasTitle := strings.Cut(text, "\n\n")
	if !hasTitle {
		body = text
		title = ""
	}

	// Discord caps embed descriptions at 4096 chars
	if len(body) > 3500 {
		body = body[:3500] + "\n\n*... (truncated)*"
	}
	if body == "" {
		body = "*No content*"
	}

	embed := DiscordEmbed{
		Title:       title,
		Description: body,
		Color:       0x5865F2,
		Timestamp:   time.Now().Format(time.RFC3339),
		Footer:      &EmbedFooter{Text: "aide"},
	}

	payload := DiscordPayload{
		Embeds: []DiscordEmbed{embed},
	}

	return d.post(webhookURL, payload)
}

func (d *Discord) post(webhookURL string, payload DiscordPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest("POST", webhookURL, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
