package core

import (
	"context"
	"time"

	"github.com/squadron-ops/squadron/pkg/authority"
)

// EventType identifies a semantic event emitted by role workers or the
// orchestrator.
type EventType string

const (
	EventWorkerReasoning   EventType = "worker.reasoning"
	EventWorkerApplied     EventType = "worker.applied"
	EventWorkerFailure     EventType = "worker.failure"
	EventWriteDenied       EventType = "store.write.denied"
	EventWriteConflict     EventType = "store.write.conflict"
	EventTriggerRejected   EventType = "trigger.rejected"
	EventSystemSeeded      EventType = "system.seeded"
	EventSystemQuiescent   EventType = "system.quiescent"
	EventCollaboratorRetry EventType = "collaborator.retry"
)

// Event captures a semantic streaming/logging event.
type Event struct {
	Type      EventType
	Role      authority.Role
	Timestamp time.Time
	Payload   map[string]any
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// NewEvent builds a default event with timestamp.
func NewEvent(eventType EventType, role authority.Role, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Role:      role,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
