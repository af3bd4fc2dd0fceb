// Package events publishes simulation status-change events.
//
// An event is emitted on every terminal transition. Consumption is external;
// publishing is best-effort and never blocks or fails a lifecycle step.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

// Event is a status-change notification.
type Event struct {
	SimulationID string             `json:"simulationId"`
	UserID       string             `json:"userId"`
	ExecutionID  string             `json:"executionId,omitempty"`
	OldStatus    simulation.Status  `json:"oldStatus"`
	NewStatus    simulation.Status  `json:"newStatus"`
	Details      string             `json:"details,omitempty"`
	FailureKind  simulation.Kind    `json:"failureKind,omitempty"`
	Metrics      simulation.Metrics `json:"metrics"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Multi fans each event out to every publisher. Publish returns the joined
// errors of publishers that failed; the rest still receive the event.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory records events and fans them out to subscribers. Used in tests and
// by single-process deployments that consume events in-process.
type Memory struct {
	mu       sync.RWMutex
	events   []Event
	handlers []func(Event)
}

// NewMemory returns an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish implements Publisher. Handlers run synchronously in subscription order.
func (m *Memory) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	handlers := make([]func(Event), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

// Subscribe registers a handler for future events.
func (m *Memory) Subscribe(h func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Events returns a copy of every published event.
func (m *Memory) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Close implements Publisher.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = nil
	return nil
}
