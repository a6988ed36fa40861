package cop

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squadron-ops/squadron/pkg/authority"
	"github.com/squadron-ops/squadron/pkg/errors"
)

// state holds every table of the picture. Mutations run against a clone
// and the clone is swapped in only after the mutation succeeds, so a
// failure partway through leaves the previous state intact.
type state struct {
	assets       map[string]Asset
	observations []ObservationRecord
	entities     map[string]TrackedEntity
	plans        []Plan
	tasks        map[string]Task
	audit        []AuditEntry
	seq          int64
}

func newState() *state {
	return &state{
		assets:   make(map[string]Asset),
		entities: make(map[string]TrackedEntity),
		tasks:    make(map[string]Task),
	}
}

func (st *state) clone() *state {
	next := &state{
		assets:       make(map[string]Asset, len(st.assets)),
		observations: append([]ObservationRecord(nil), st.observations...),
		entities:     make(map[string]TrackedEntity, len(st.entities)),
		plans:        make([]Plan, len(st.plans)),
		tasks:        make(map[string]Task, len(st.tasks)),
		audit:        append([]AuditEntry(nil), st.audit...),
		seq:          st.seq,
	}
	for id, a := range st.assets {
		next.assets[id] = a
	}
	for id, e := range st.entities {
		e.Provenance = append([]string(nil), e.Provenance...)
		next.entities[id] = e
	}
	for i, p := range st.plans {
		p.Assignments = append([]Assignment(nil), p.Assignments...)
		next.plans[i] = p
	}
	for id, t := range st.tasks {
		next.tasks[id] = t
	}
	return next
}

// MemoryStore keeps the picture in process memory. It satisfies the same
// Store contract as the SQLite backend and serves as the test double.
type MemoryStore struct {
	guard *authority.Guard

	mu       sync.Mutex
	state    *state
	messages []MessageRecord

	clock func() time.Time
	ids   func() string
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store clock, used by tests for determinism.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.clock = clock }
}

// WithIDGenerator overrides record ID generation.
func WithIDGenerator(ids func() string) MemoryOption {
	return func(s *MemoryStore) { s.ids = ids }
}

// NewMemoryStore creates an empty in-memory picture gated by guard.
func NewMemoryStore(guard *authority.Guard, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		guard: guard,
		state: newState(),
		clock: func() time.Time { return time.Now().UTC() },
		ids:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.CodeContextLost, "snapshot cancelled", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// Apply implements Store.
func (s *MemoryStore) Apply(ctx context.Context, role authority.Role, m Mutation) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.CodeContextLost, "apply cancelled", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	decision := s.guard.Check(role, m.Resource(), authority.OperationWrite)
	if !decision.Allowed {
		// Denials still leave an audit entry; only entity state is untouched.
		s.state.seq++
		s.state.audit = append(s.state.audit, AuditEntry{
			Seq:        s.state.seq,
			Timestamp:  now,
			Actor:      role,
			Resource:   m.Resource(),
			Operation:  m.Operation(),
			Authorized: false,
			Reason:     decision.Reason,
			Summary:    m.Summary(),
		})
		return nil, errors.New(errors.CodeUnauthorized, decision.Reason, nil).
			WithContext("role", string(role)).
			WithContext("operation", m.Operation())
	}

	next := s.state.clone()
	if err := applyMutation(next, role, m, now, s.ids); err != nil {
		return nil, err
	}
	next.seq++
	next.audit = append(next.audit, AuditEntry{
		Seq:        next.seq,
		Timestamp:  now,
		Actor:      role,
		Resource:   m.Resource(),
		Operation:  m.Operation(),
		Authorized: true,
		Summary:    m.Summary(),
	})
	s.state = next
	return s.snapshotLocked(), nil
}

// RecordMessage implements Store.
func (s *MemoryStore) RecordMessage(_ context.Context, rec MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock()
	}
	rec.Targets = append([]string(nil), rec.Targets...)
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.messages = append(s.messages, rec)
	return nil
}

// MessageHistory implements Store.
func (s *MemoryStore) MessageHistory(_ context.Context, topic string, limit int) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MessageRecord, 0, limit)
	for i := len(s.messages) - 1; i >= 0; i-- {
		if topic != "" && s.messages[i].Topic != topic {
			continue
		}
		out = append(out, s.messages[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) snapshotLocked() *Snapshot {
	st := s.state.clone()
	return &Snapshot{
		TakenAt:      s.clock(),
		Commit:       st.seq,
		Assets:       st.assets,
		Observations: st.observations,
		Entities:     st.entities,
		Plans:        st.plans,
		Tasks:        st.tasks,
		Audit:        st.audit,
	}
}

// applyMutation executes m against st. st is a private clone; any error
// returned here discards the clone and the store keeps its previous state.
func applyMutation(st *state, role authority.Role, m Mutation, now time.Time, ids func() string) error {
	switch mut := m.(type) {
	case PutAsset:
		a := mut.Asset
		if a.ID == "" {
			return errors.New(errors.CodeInvalidInput, "asset id is required", nil)
		}
		prev, exists := st.assets[a.ID]
		if exists {
			a.Version = prev.Version + 1
			// last_updated is monotonic per asset even under clock skew.
			if !now.After(prev.LastUpdated) {
				now = prev.LastUpdated.Add(time.Nanosecond)
			}
		} else {
			a.Version = 1
		}
		a.LastUpdated = now
		st.assets[a.ID] = a
		return nil

	case AssignTask:
		a, ok := st.assets[mut.AssetID]
		if !ok {
			return errors.New(errors.CodeInvalidInput, "asset not found", nil).
				WithContext("asset_id", mut.AssetID)
		}
		if _, ok := st.tasks[mut.TaskID]; !ok {
			return errors.New(errors.CodeInvalidInput, "task not found", nil).
				WithContext("task_id", mut.TaskID)
		}
		a.CurrentTask = mut.TaskID
		a.Version++
		if !now.After(a.LastUpdated) {
			now = a.LastUpdated.Add(time.Nanosecond)
		}
		a.LastUpdated = now
		st.assets[mut.AssetID] = a
		return nil

	case AppendObservation:
		o := mut.Observation
		if o.SourceID == "" {
			return errors.New(errors.CodeInvalidInput, "observation source is required", nil)
		}
		if o.ID == "" {
			o.ID = ids()
		}
		if o.Timestamp.IsZero() {
			o.Timestamp = now
		}
		o.Confidence = clampConfidence(o.Confidence)
		o.ProducedBy = role
		st.observations = append(st.observations, o)
		return nil

	case UpsertEntity:
		e := mut.Entity
		e.Confidence = clampConfidence(e.Confidence)
		e.Provenance = append([]string(nil), e.Provenance...)
		if e.ID == "" {
			e.ID = ids()
		}
		prev, exists := st.entities[e.ID]
		if exists {
			if mut.BaseVersion != prev.Version {
				return errors.New(errors.CodeConflict, "entity version mismatch", nil).
					WithContext("entity_id", e.ID).
					WithContext("base_version", mut.BaseVersion).
					WithContext("current_version", prev.Version)
			}
			e.Version = prev.Version + 1
			e.CreatedAt = prev.CreatedAt
		} else {
			if mut.BaseVersion != 0 {
				return errors.New(errors.CodeConflict, "entity does not exist at base version", nil).
					WithContext("entity_id", e.ID)
			}
			e.Version = 1
			e.CreatedAt = now
		}
		e.UpdatedAt = now
		st.entities[e.ID] = e
		return nil

	case RevisePlan:
		var current int64
		activeIdx := -1
		for i, p := range st.plans {
			if p.Status == PlanStatusActive {
				current = p.Version
				activeIdx = i
			}
		}
		if current != mut.SupersedesVersion {
			return errors.New(errors.CodeConflict, "active plan version mismatch", nil).
				WithContext("supersedes_version", mut.SupersedesVersion).
				WithContext("active_version", current)
		}
		p := mut.Plan
		// Each revision is a new record. Identity is store-assigned so a
		// reused caller ID cannot collide with plan history.
		p.ID = ids()
		p.Assignments = append([]Assignment(nil), p.Assignments...)
		p.Version = current + 1
		p.Status = PlanStatusActive
		p.CreatedBy = role
		p.CreatedAt = now
		p.UpdatedAt = now
		if activeIdx >= 0 {
			st.plans[activeIdx].Status = PlanStatusSuperseded
			st.plans[activeIdx].UpdatedAt = now
		}
		st.plans = append(st.plans, p)
		return nil

	case CreateTask:
		t := mut.Task
		if _, ok := st.assets[t.AssetID]; !ok {
			return errors.New(errors.CodeInvalidInput, "task references unknown asset", nil).
				WithContext("asset_id", t.AssetID)
		}
		if t.ID == "" {
			t.ID = ids()
		}
		if t.Status == "" {
			t.Status = TaskStatusQueued
		}
		t.CreatedBy = role
		t.CreatedAt = now
		t.Version = 1
		st.tasks[t.ID] = t
		return nil

	case UpdateTaskStatus:
		t, ok := st.tasks[mut.TaskID]
		if !ok {
			return errors.New(errors.CodeNotFound, "task not found", nil).
				WithContext("task_id", mut.TaskID)
		}
		t.Status = mut.Status
		t.Version++
		st.tasks[mut.TaskID] = t
		return nil

	default:
		return errors.New(errors.CodeInvalidInput, "unknown mutation", nil)
	}
}
