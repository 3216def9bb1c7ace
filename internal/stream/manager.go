package stream

import (
	"sync"

	"github.com/aidekit/aide/internal/db"
)

// Subscriber receives a plan's history events as they are logged.
type Subscriber struct {
	ID     string
	Events chan *db.PlanEvent
	Done   chan struct{}
}

// planStream manages subscribers for a single plan
type planStream struct {
	planID      string
	subscribers map[string]*Subscriber
	buffer      []*db.PlanEvent
	bufferLimit int
	mu          sync.RWMutex
}

// Manager fans plan history events out to SSE subscribers.
type Manager struct {
	streams map[string]*planStream
	mu      sync.RWMutex
}

// NewManager creates a new stream manager
func NewManager() *Manager {
	return &Manager{
		streams: make(map[string]*planStream),
	}
}

func (m *Manager) getOrCreateStream(planID string) *planStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stream, ok := m.streams[planID]; ok {
		return stream
	}

	stream := &planStream{
		planID:      planID,
		subscribers: make(map[string]*Subscriber),
		buffer:      make([]*db.PlanEvent, 0, 100),
		bufferLimit: 100,
	}
	m.streams[planID] = stream
	return stream
}

// Subscribe registers a subscriber for a plan's events. Buffered events
// logged before subscription are replayed onto the channel first.
func (m *Manager) Subscribe(planID, subscriberID string) *Subscriber {
	stream := m.getOrCreateStream(planID)

	sub := &Subscriber{
		ID:     subscriberID,
		Events: make(chan *db.PlanEvent, 64),
		Done:   make(chan struct{}),
	}

	stream.mu.Lock()
	for _, event := range stream.buffer {
		select {
		case sub.Events <- event:
		default:
		}
	}
	stream.subscribers[subscriberID] = sub
	stream.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscriber and closes its channels.
func (m *Manager) Unsubscribe(planID, subscriberID string) {
	m.mu.RLock()
	stream, ok := m.streams[planID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	stream.mu.Lock()
	if sub, ok := stream.subscribers[subscriberID]; ok {
		delete(stream.subscribers, subscriberID)
		close(sub.Done)
	}
	stream.mu.Unlock()
}

// Publish fans an event out to all subscribers of its plan. Slow
// subscribers have events dropped rather than blocking the publisher.
func (m *Manager) Publish(event *db.PlanEvent) {
	stream := m.getOrCreateStream(event.PlanID)

	stream.mu.Lock()
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > stream.bufferLimit {
		stream.buffer = stream.buffer[len(stream.buffer)-stream.bufferLimit:]
	}
	subs := make([]*Subscriber, 0, len(stream.subscribers))
	for _, sub := range stream.subscribers {
		subs = append(subs, sub)
	}
	stream.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.Events <- event:
		default:
		}
	}
}

// Close removes a plan's stream once the plan reaches a terminal status.
func (m *Manager) Close(planID string) {
	m.mu.Lock()
	stream, ok := m.streams[planID]
	if ok {
		delete(m.streams, planID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	stream.mu.Lock()
	for id, sub := range stream.subscribers {
		delete(stream.subscribers, id)
		close(sub.Done)
	}
	stream.mu.Unlock()
}
