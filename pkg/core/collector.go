package core

import (
	"context"
	"sync"
)

// EventCollector records emitted events in memory. It backs the
// orchestrator's event log and doubles as a test observer.
type EventCollector struct {
	mu     sync.RWMutex
	events []Event
}

// NewEventCollector creates a new event collector.
func NewEventCollector() *EventCollector {
	return &EventCollector{
		events: make([]Event, 0),
	}
}

// Emit implements EventEmitter.
func (c *EventCollector) Emit(_ context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns all collected events.
func (c *EventCollector) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Event, len(c.events))
	copy(result, c.events)
	return result
}

// HasEvent checks if an event of the given type was collected.
func (c *EventCollector) HasEvent(eventType EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ev := range c.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

// Count returns the number of collected events.
func (c *EventCollector) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Reset clears all collected events.
func (c *EventCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = c.events[:0]
}
