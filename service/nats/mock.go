package nats

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/brojonat/beanroast/service/ledger"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []*DirectiveEvent
	publishError    error
	failKind        ledger.Kind
	closed          bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*DirectiveEvent, 0),
	}
}

// PublishDirective records the event and returns any configured error.
func (m *MockPublisher) PublishDirective(ctx context.Context, event *DirectiveEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil && (m.failKind == "" || m.failKind == event.Kind) {
		return m.publishError
	}
	m.publishedEvents = append(m.publishedEvents, event)
	return nil
}

// PublishDirectives converts and records every directive.
func (m *MockPublisher) PublishDirectives(ctx context.Context, directives []ledger.Directive) error {
	return publishAll(ctx, m, slog.New(slog.NewJSONHandler(io.Discard, nil)), directives)
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns a copy of all published events.
func (m *MockPublisher) GetPublishedEvents() []*DirectiveEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*DirectiveEvent, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

// GetPublishedEventsForKind returns events published for one directive kind.
func (m *MockPublisher) GetPublishedEventsForKind(kind ledger.Kind) []*DirectiveEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*DirectiveEvent, 0)
	for _, event := range m.publishedEvents {
		if event.Kind == kind {
			events = append(events, event)
		}
	}
	return events
}

// SetPublishError makes PublishDirective fail. A non-empty kind limits the
// failure to directives of that kind.
func (m *MockPublisher) SetPublishError(err error, kind ledger.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
	m.failKind = kind
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEvents = make([]*DirectiveEvent, 0)
	m.publishError = nil
	m.failKind = ""
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
