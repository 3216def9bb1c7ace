package notify

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidekit/aide/internal/db"
)

// fakeChannels scripts channel lookups and records sends.
type fakeChannels struct {
	channels  []*db.Channel
	sendErrs  map[string]error
	sent      []Message
	sentTo    []string
	listCalls int
}

func (f *fakeChannels) Channel(id string) (*db.Channel, error) {
	for _, ch := range f.channels {
		if ch.ID == id {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("channel %s not found", id)
}

func (f *fakeChannels) Channels() ([]*db.Channel, error) {
	f.listCalls++
	return f.channels, nil
}

func (f *fakeChannels) Send(target string, msg Message) error {
	f.sentTo = append(f.sentTo, target)
	f.sent = append(f.sent, msg)
	if err, ok := f.sendErrs[target]; ok {
		return err
	}
	return nil
}

func connected(id, platform string) *db.Channel {
	return &db.Channel{ID: id, Platform: platform, Status: db.ChannelStatusConnected}
}

func TestNotify_ByChannelID(t *testing.T) {
	fake := &fakeChannels{channels: []*db.Channel{connected("ch-1", "slack")}}
	bridge := New(fake, nil)

	bridge.Notify(Event{Kind: "task_completed", TaskID: 1, Status: "completed"}, Request{
		Channels: []string{"ch-1"},
		Title:    "✅ Task completed: briefing",
		Body:     "all done",
	})

	require.Len(t, fake.sent, 1)
	assert.Equal(t, "ch-1", fake.sentTo[0])
	assert.Equal(t, "ch-1", fake.sent[0].PlatformChatID)
	assert.Equal(t, "✅ Task completed: briefing\n\nall done", fake.sent[0].Text)
}

func TestNotify_ByPlatformName(t *testing.T) {
	fake := &fakeChannels{channels: []*db.Channel{
		{ID: "ch-1", Platform: "slack", Status: db.ChannelStatusDisconnected},
		connected("ch-2", "slack"),
	}}
	bridge := New(fake, nil)

	bridge.Notify(Event{Kind: "task_failed"}, Request{
		Channels: []string{"slack"},
		Title:    "❌ Task failed",
		Body:     "boom",
	})

	// Disconnected channels are skipped when resolving by platform
	require.Len(t, fake.sentTo, 1)
	assert.Equal(t, "ch-2", fake.sentTo[0])
}

func TestNotify_ExactIDWinsOverPlatform(t *testing.T) {
	// A channel literally named "slack" resolves by id, not platform scan
	fake := &fakeChannels{channels: []*db.Channel{
		{ID: "slack", Platform: "discord", Status: db.ChannelStatusConnected},
		connected("ch-2", "slack"),
	}}
	bridge := New(fake, nil)

	bridge.Notify(Event{Kind: "task_completed"}, Request{
		Channels: []string{"slack"},
		Title:    "t",
		Body:     "b",
	})

	require.Len(t, fake.sentTo, 1)
	assert.Equal(t, "slack", fake.sentTo[0])
}

func TestNotify_FailureDoesNotStopFanOut(t *testing.T) {
	fake := &fakeChannels{
		channels: []*db.Channel{connected("ch-1", "slack"), connected("ch-2", "discord")},
		sendErrs: map[string]error{"ch-1": errors.New("webhook 500")},
	}
	bridge := New(fake, nil)

	bridge.Notify(Event{Kind: "task_completed"}, Request{
		Channels: []string{"ch-1", "ch-2"},
		Title:    "t",
		Body:     "b",
	})

	// Both deliveries attempted despite the first failing
	assert.Equal(t, []string{"ch-1", "ch-2"}, fake.sentTo)
}

func TestNotify_DefaultChannelsUsedWhenTaskHasNone(t *testing.T) {
	fake := &fakeChannels{channels: []*db.Channel{connected("ch-1", "slack")}}
	bridge := New(fake, nil)

	bridge.Notify(Event{Kind: "task_completed"}, Request{
		Default: []string{"ch-1"},
		Title:   "t",
		Body:    "b",
	})

	assert.Equal(t, []string{"ch-1"}, fake.sentTo)
}

func TestNotify_TaskChannelsOverrideDefault(t *testing.T) {
	fake := &fakeChannels{channels: []*db.Channel{
		connected("ch-1", "slack"),
		connected("ch-2", "discord"),
	}}
	bridge := New(fake, nil)

	bridge.Notify(Event{Kind: "task_completed"}, Request{
		Channels: []string{"ch-2"},
		Default:  []string{"ch-1"},
		Title:    "t",
		Body:     "b",
	})

	assert.Equal(t, []string{"ch-2"}, fake.sentTo)
}

func TestNotify_NoChannelsIsNoOp(t *testing.T) {
	fake := &fakeChannels{channels: []*db.Channel{connected("ch-1", "slack")}}
	bridge := New(fake, nil)

	bridge.Notify(Event{Kind: "task_completed"}, Request{Title: "t", Body: "b"})

	assert.Empty(t, fake.sentTo)
	assert.Zero(t, fake.listCalls)
}

func TestNotify_SingleListingPerInvocation(t *testing.T) {
	fake := &fakeChannels{channels: []*db.Channel{
		connected("ch-1", "slack"),
		connected("ch-2", "discord"),
		connected("ch-3", "slack"),
	}}
	bridge := New(fake, nil)

	bridge.Notify(Event{Kind: "task_completed"}, Request{
		Channels: []string{"slack", "discord", "missing"},
		Title:    "t",
		Body:     "b",
	})

	assert.Equal(t, 1, fake.listCalls)
	assert.Equal(t, []string{"ch-1", "ch-2"}, fake.sentTo)
}

func TestNotify_UnresolvedChannelSkipped(t *testing.T) {
	fake := &fakeChannels{channels: []*db.Channel{connected("ch-1", "slack")}}
	bridge := New(fake, nil)

	bridge.Notify(Event{Kind: "task_completed"}, Request{
		Channels: []string{"nope", "ch-1"},
		Title:    "t",
		Body:     "b",
	})

	assert.Equal(t, []string{"ch-1"}, fake.sentTo)
}
