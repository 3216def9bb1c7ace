package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Slack delivers notification text to a Slack incoming webhook
type Slack struct {
	client *http.Client
}

// NewSlack creates a new Slack webhook sender
func NewSlack() *Slack {
	return &Slack{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type string        `json:"type"`
	Text *SlackTextObj `json:"text,omitempty"`
}

// SlackTextObj represents a Slack text object
type SlackTextObj struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// SlackPayload represents the webhook payload
type SlackPayload struct {
	Text   string       `json:"text,omitempty"`
	Blocks []SlackBlock `json:"blocks,omitempty"`
}

// Send posts a message. The first line is rendered as a header when the
// text carries a title/body split.
func (s *Slack) Send(webhookURL, text string) error {
	title, body, hasTitle := strings.Cut(text, "\n\n")
	if !hasTitle {
		body = text
		title = ""
	}

	if len(body) > 2500 {
		body = body[:2500] + "\n... _(truncated)_"
	}
	if body == "" {
		body = "_No content_"
	}

	var blocks []SlackBlock
	if title != "" {
		blocks = append(blocks, SlackBlock{
			Type: "header",
			Text: &SlackTextObj{Type: "plain_text", Text: title, Emoji: true},
		})
	}
	blocks = append(blocks, SlackBlock{
		Type: "section",
		Text: &SlackTextObj{Type: "mrkdwn", Text: body},
	})

	payload := SlackPayload{
		Text:   title,
		Blocks: blocks,
	}

	return s.post(webhookURL, payload)
}

func (s *Slack) post(webhookURL string, payload SlackPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest("POST", webhookURL, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
