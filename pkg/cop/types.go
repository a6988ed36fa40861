// Package cop implements the common operating picture: the transactional
// shared-state repository all four roles coordinate through. Every mutation
// is authority-checked and audited; reads return point-in-time snapshots.
package cop

import (
	"sort"
	"time"

	"github.com/squadron-ops/squadron/pkg/authority"
)

// Position is a geographic fix.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// Asset is a controllable platform (e.g. a UAV). Mutated only by the Act
// role or the system seed; LastUpdated is monotonic per asset.
type Asset struct {
	ID           string    `json:"id"`
	Position     Position  `json:"position"`
	FuelPercent  float64   `json:"fuel_percent"`
	SensorStatus string    `json:"sensor_status"`
	CurrentTask  string    `json:"current_task,omitempty"`
	Version      int64     `json:"version"`
	LastUpdated  time.Time `json:"last_updated"`
}

// ObservationRecord is an append-only raw detection report reference.
// Immutable once written.
type ObservationRecord struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"source_id"`
	PayloadRef string         `json:"payload_ref"`
	Confidence float64        `json:"confidence"`
	ProducedBy authority.Role `json:"produced_by"`
	Timestamp  time.Time      `json:"timestamp"`
}

// TrackedEntity is a fused picture element derived from observations.
// Created and updated only by the Orient role.
type TrackedEntity struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Position   Position  `json:"position"`
	Area       string    `json:"area"`
	Confidence float64   `json:"confidence"`
	Provenance []string  `json:"provenance,omitempty"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PlanStatus is the lifecycle state of a plan version.
type PlanStatus string

const (
	PlanStatusDraft      PlanStatus = "draft"
	PlanStatusActive     PlanStatus = "active"
	PlanStatusSuperseded PlanStatus = "superseded"
)

// Assignment binds one asset to an objective area inside a plan.
type Assignment struct {
	AssetID   string `json:"asset_id"`
	Objective string `json:"objective"`
	Area      string `json:"area"`
}

// Plan is an immutable plan version. Revision appends a new version and
// marks the predecessor superseded; history is never edited in place.
// At most one version is active at a time.
type Plan struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Objectives  string         `json:"objectives"`
	Assignments []Assignment   `json:"assignments"`
	Status      PlanStatus     `json:"status"`
	Version     int64          `json:"version"`
	CreatedBy   authority.Role `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TaskStatus is the lifecycle state of a collection task.
type TaskStatus string

const (
	TaskStatusQueued       TaskStatus = "queued"
	TaskStatusDispatched   TaskStatus = "dispatched"
	TaskStatusAcknowledged TaskStatus = "acknowledged"
	TaskStatusFailed       TaskStatus = "failed"
)

// Task is a unit of collection work assigned to an asset.
type Task struct {
	ID         string         `json:"id"`
	AssetID    string         `json:"asset_id"`
	PlanID     string         `json:"plan_id,omitempty"`
	Type       string         `json:"type"`
	TargetArea string         `json:"target_area"`
	Priority   int            `json:"priority"`
	Status     TaskStatus     `json:"status"`
	CreatedBy  authority.Role `json:"created_by"`
	CreatedAt  time.Time      `json:"created_at"`
	Version    int64          `json:"version"`
}

// AuditEntry records one attempted write, authorized or not. The sequence
// number is the serialization order of the underlying transactions, not
// wall-clock order. The log is append-only and never truncated.
type AuditEntry struct {
	Seq        int64              `json:"seq"`
	Timestamp  time.Time          `json:"timestamp"`
	Actor      authority.Role     `json:"actor"`
	Resource   authority.Resource `json:"resource"`
	Operation  string             `json:"operation"`
	Authorized bool               `json:"authorized"`
	Reason     string             `json:"reason,omitempty"`
	Summary    string             `json:"summary,omitempty"`
}

// MessageRecord mirrors a published bus message into the durable history
// log for audit and replay.
type MessageRecord struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Sender    string    `json:"sender"`
	Targets   []string  `json:"targets,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a consistent point-in-time view of the picture. It is a deep
// copy; callers may read it freely while writers continue.
type Snapshot struct {
	TakenAt      time.Time
	Commit       int64
	Assets       map[string]Asset
	Observations []ObservationRecord
	Entities     map[string]TrackedEntity
	Plans        []Plan
	Tasks        map[string]Task
	Audit        []AuditEntry
}

// ActivePlan returns the single active plan version, if any.
func (s *Snapshot) ActivePlan() (Plan, bool) {
	for _, p := range s.Plans {
		if p.Status == PlanStatusActive {
			return p, true
		}
	}
	return Plan{}, false
}

// AssetList returns assets sorted by ID.
func (s *Snapshot) AssetList() []Asset {
	out := make([]Asset, 0, len(s.Assets))
	for _, a := range s.Assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EntityList returns tracked entities sorted by ID.
func (s *Snapshot) EntityList() []TrackedEntity {
	out := make([]TrackedEntity, 0, len(s.Entities))
	for _, e := range s.Entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TaskList returns tasks sorted by creation order then ID.
func (s *Snapshot) TaskList() []Task {
	out := make([]Task, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AuditSince returns audit entries with Seq greater than seq, in commit order.
func (s *Snapshot) AuditSince(seq int64) []AuditEntry {
	out := make([]AuditEntry, 0)
	for _, e := range s.Audit {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
