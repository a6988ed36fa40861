package cop

import (
	"fmt"

	"github.com/squadron-ops/squadron/pkg/authority"
)

// Mutation is one atomic change to the picture. Each mutation names the
// resource it touches so the store can consult the authority guard before
// anything else happens, and an operation name for the audit trail.
type Mutation interface {
	Resource() authority.Resource
	Operation() string
	Summary() string
}

// PutAsset creates or replaces an asset record. Telemetry-style writes are
// last-write-wins, guarded only by the monotonic LastUpdated clock.
type PutAsset struct {
	Asset Asset
}

func (m PutAsset) Resource() authority.Resource { return authority.ResourceAsset }
func (m PutAsset) Operation() string            { return "asset.put" }
func (m PutAsset) Summary() string              { return "asset " + m.Asset.ID }

// AssignTask points an asset's current assignment at a task. Both records
// must already exist.
type AssignTask struct {
	AssetID string
	TaskID  string
}

func (m AssignTask) Resource() authority.Resource { return authority.ResourceAsset }
func (m AssignTask) Operation() string            { return "asset.assign_task" }
func (m AssignTask) Summary() string {
	return fmt.Sprintf("asset %s -> task %s", m.AssetID, m.TaskID)
}

// AppendObservation appends an immutable observation record.
type AppendObservation struct {
	Observation ObservationRecord
}

func (m AppendObservation) Resource() authority.Resource { return authority.ResourceObservation }
func (m AppendObservation) Operation() string            { return "observation.append" }
func (m AppendObservation) Summary() string {
	return fmt.Sprintf("observation from %s (confidence %.2f)", m.Observation.SourceID, m.Observation.Confidence)
}

// UpsertEntity creates or revises a tracked entity. Updating an existing
// entity requires BaseVersion to match the stored version; a mismatch is a
// conflict and the caller must re-read and retry.
type UpsertEntity struct {
	Entity      TrackedEntity
	BaseVersion int64
}

func (m UpsertEntity) Resource() authority.Resource { return authority.ResourceEntity }
func (m UpsertEntity) Operation() string            { return "entity.upsert" }
func (m UpsertEntity) Summary() string {
	return fmt.Sprintf("entity %s %s (confidence %.2f)", m.Entity.ID, m.Entity.Type, m.Entity.Confidence)
}

// RevisePlan installs a new active plan version. SupersedesVersion is the
// version the caller believes is active (zero for none); if the store's
// current active version differs the write fails with a conflict instead of
// silently overwriting a concurrent revision. Plan.ID is ignored: every
// revision is a new record and the store assigns its identity.
type RevisePlan struct {
	Plan              Plan
	SupersedesVersion int64
}

func (m RevisePlan) Resource() authority.Resource { return authority.ResourcePlan }
func (m RevisePlan) Operation() string            { return "plan.revise" }
func (m RevisePlan) Summary() string {
	return fmt.Sprintf("plan %q supersedes v%d", m.Plan.Name, m.SupersedesVersion)
}

// CreateTask creates a collection task. The referenced asset must exist.
type CreateTask struct {
	Task Task
}

func (m CreateTask) Resource() authority.Resource { return authority.ResourceTask }
func (m CreateTask) Operation() string            { return "task.create" }
func (m CreateTask) Summary() string {
	return fmt.Sprintf("task %s for asset %s (%s)", m.Task.Type, m.Task.AssetID, m.Task.TargetArea)
}

// UpdateTaskStatus advances a task through its lifecycle.
type UpdateTaskStatus struct {
	TaskID string
	Status TaskStatus
}

func (m UpdateTaskStatus) Resource() authority.Resource { return authority.ResourceTask }
func (m UpdateTaskStatus) Operation() string            { return "task.status" }
func (m UpdateTaskStatus) Summary() string {
	return fmt.Sprintf("task %s -> %s", m.TaskID, m.Status)
}
