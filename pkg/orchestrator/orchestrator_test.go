package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/squadron-ops/squadron/pkg/authority"
	"github.com/squadron-ops/squadron/pkg/bus"
	"github.com/squadron-ops/squadron/pkg/cop"
	"github.com/squadron-ops/squadron/pkg/core"
	"github.com/squadron-ops/squadron/pkg/reasoner"
)

// scenarioSeed is the three-UAV posture from the demo scenario: two
// areas covered, UAV-003 in transit with no assignment.
func scenarioSeed() *Seed {
	seed := DefaultSeed()
	seed.Entities = []SeedEntity{
		{Type: "structure", Lat: 34.053, Lon: -118.244, Area: "Area Alpha", Confidence: 0.85, DetectedBy: "UAV-001"},
		{Type: "vehicle", Lat: 34.054, Lon: -118.245, Area: "Area Alpha", Confidence: 0.92, DetectedBy: "UAV-001"},
	}
	seed.Plan.Assignments = []SeedAssignment{
		{AssetID: "UAV-001", Objective: "surveillance", Area: "Area Alpha"},
		{AssetID: "UAV-002", Objective: "surveillance", Area: "Area Bravo"},
	}
	return seed
}

// scenarioReasoners scripts one OODA pass: observe records the
// detection, orient tracks it, decide revises the plan, act tasks the
// free asset.
func scenarioReasoners() map[authority.Role]reasoner.Reasoner {
	return map[authority.Role]reasoner.Reasoner{
		authority.RoleObserve: reasoner.NewScriptedReasoner(&reasoner.Decision{
			Mutations: []cop.Mutation{
				cop.AppendObservation{Observation: cop.ObservationRecord{
					SourceID:   "UAV-002",
					PayloadRef: "uav_002_detection",
					Confidence: 0.88,
				}},
			},
			Intents: []reasoner.Intent{{
				Topic:   bus.TopicNewIntelligence,
				Payload: []byte(`{"type":"high_value_target","area":"Area Delta","confidence":0.88}`),
			}},
		}),
		authority.RoleOrient: reasoner.NewScriptedReasoner(&reasoner.Decision{
			Mutations: []cop.Mutation{
				cop.UpsertEntity{Entity: cop.TrackedEntity{
					Type:       "high_value_target",
					Position:   cop.Position{Lat: 34.10, Lon: -118.35},
					Area:       "Area Delta",
					Confidence: 0.88,
					Provenance: []string{"UAV-002"},
				}},
			},
			Intents: []reasoner.Intent{{
				Topic:   bus.TopicCoverageAssessment,
				Payload: []byte(`{"gap":"Area Delta","confidence":0.88}`),
			}},
		}),
		authority.RoleDecide: reasoner.NewScriptedReasoner(&reasoner.Decision{
			Mutations: []cop.Mutation{
				cop.RevisePlan{
					Plan: cop.Plan{
						Name:       "Coverage Gap Response",
						Objectives: "Cover Area Delta with the free asset",
						Assignments: []cop.Assignment{
							{AssetID: "UAV-001", Objective: "surveillance", Area: "Area Alpha"},
							{AssetID: "UAV-002", Objective: "surveillance", Area: "Area Bravo"},
							{AssetID: "UAV-003", Objective: "surveillance", Area: "Area Delta"},
						},
					},
					SupersedesVersion: 1,
				},
			},
			Intents: []reasoner.Intent{{
				Topic:   bus.TopicNewMissionPlan,
				Payload: []byte(`{"plan_name":"Coverage Gap Response"}`),
			}},
		}),
		authority.RoleAct: reasoner.NewScriptedReasoner(&reasoner.Decision{
			Mutations: []cop.Mutation{
				cop.CreateTask{Task: cop.Task{
					ID:         "task-delta-1",
					AssetID:    "UAV-003",
					Type:       "surveillance",
					TargetArea: "Area Delta",
					Priority:   8,
				}},
				cop.AssignTask{AssetID: "UAV-003", TaskID: "task-delta-1"},
			},
		}),
	}
}

func newOrchestrator(t *testing.T, reasoners map[authority.Role]reasoner.Reasoner) (*Orchestrator, *cop.MemoryStore) {
	t.Helper()
	guard := authority.NewGuard()
	store := cop.NewMemoryStore(guard)
	channel := bus.NewChannel(bus.Config{}, nil, bus.WithRecorder(store))
	o, err := New(Config{
		GracePeriod:  200 * time.Millisecond,
		GapThreshold: 0.7,
	}, store, channel, nil, WithReasonerFor(func(role authority.Role) reasoner.Reasoner {
		return reasoners[role]
	}))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o, store
}

func TestEndToEndCoverageGapScenario(t *testing.T) {
	o, store := newOrchestrator(t, scenarioReasoners())
	ctx := context.Background()

	if err := o.Seed(ctx, scenarioSeed()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	seeded, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	auditBefore := len(seeded.Audit)

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	report := []byte(`{
		"source_asset_id": "UAV-002",
		"timestamp": "2026-03-01T12:00:00Z",
		"position": {"lat": 34.08, "lon": -118.30, "alt": 500},
		"fuel_percent": 82.5,
		"sensor_status": "operational",
		"sensor_type": "visual",
		"detections": [{
			"type": "high_value_target",
			"position": {"lat": 34.10, "lon": -118.35, "alt": 0},
			"confidence": 0.88,
			"area": "Area Delta"
		}]
	}`)
	if err := o.InjectTrigger(ctx, report); err != nil {
		t.Fatalf("inject: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := o.AwaitQuiescence(waitCtx); err != nil {
		t.Fatalf("quiescence: %v (events: %+v)", err, o.Events())
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Exactly one new tracked entity, at the detection confidence.
	if len(snap.Entities) != 3 {
		t.Fatalf("entities = %d, want 3", len(snap.Entities))
	}
	var newEntity *cop.TrackedEntity
	for _, e := range snap.EntityList() {
		if e.Area == "Area Delta" {
			e := e
			newEntity = &e
		}
	}
	if newEntity == nil || newEntity.Confidence != 0.88 || newEntity.Type != "high_value_target" {
		t.Fatalf("unexpected new entity: %+v", newEntity)
	}

	// Exactly one active plan, superseding the seed version.
	var active, superseded int
	for _, p := range snap.Plans {
		switch p.Status {
		case cop.PlanStatusActive:
			active++
			if p.Version != 2 || p.Name != "Coverage Gap Response" {
				t.Fatalf("unexpected active plan: %+v", p)
			}
		case cop.PlanStatusSuperseded:
			superseded++
		}
	}
	if active != 1 || superseded != 1 {
		t.Fatalf("plans: active=%d superseded=%d, want 1/1", active, superseded)
	}

	// Exactly one new task, on the free asset, covering the detection area.
	if len(snap.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(snap.Tasks))
	}
	task := snap.TaskList()[0]
	if task.AssetID != "UAV-003" || task.TargetArea != "Area Delta" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if got := snap.Assets["UAV-003"].CurrentTask; got != task.ID {
		t.Fatalf("UAV-003 current_task = %q, want %q", got, task.ID)
	}

	// One audit entry per write: observation, entity, plan, task, assignment.
	if got := len(snap.Audit) - auditBefore; got != 5 {
		t.Fatalf("audit grew by %d, want 5: %+v", got, snap.Audit[auditBefore:])
	}
	for _, e := range snap.Audit {
		if !e.Authorized {
			t.Fatalf("unexpected denial in scenario: %+v", e)
		}
	}
	for _, ev := range o.Events() {
		if ev.Type == core.EventWorkerFailure {
			t.Fatalf("unexpected failure event: %+v", ev)
		}
	}

	// Observer surface.
	plan, ok, err := o.ActivePlan(ctx)
	if err != nil || !ok || plan.Version != 2 {
		t.Fatalf("observer active plan: %+v %v %v", plan, ok, err)
	}
	assets, err := o.Assets(ctx)
	if err != nil || len(assets) != 3 {
		t.Fatalf("observer assets: %d %v", len(assets), err)
	}
	history, err := o.MessageHistory(ctx, "", 0)
	if err != nil {
		t.Fatalf("observer history: %v", err)
	}
	topics := make(map[string]bool)
	for _, rec := range history {
		topics[rec.Topic] = true
	}
	for _, want := range []string{
		bus.TopicSensorReport,
		bus.TopicNewIntelligence,
		bus.TopicCoverageAssessment,
		bus.TopicNewMissionPlan,
	} {
		if !topics[want] {
			t.Fatalf("message history missing topic %q: %v", want, topics)
		}
	}

	// Idempotent re-read: nothing changed, the answers are identical.
	plan2, _, _ := o.ActivePlan(ctx)
	if plan2.Version != plan.Version || plan2.Name != plan.Name {
		t.Fatalf("re-read diverged: %+v vs %+v", plan, plan2)
	}
}

func TestInjectTriggerRejectsMalformedReport(t *testing.T) {
	o, store := newOrchestrator(t, scenarioReasoners())
	ctx := context.Background()

	// Confidence out of range: rejected at the boundary.
	bad := []byte(`{
		"source_asset_id": "UAV-002",
		"timestamp": "2026-03-01T12:00:00Z",
		"detections": [{"type": "vehicle", "confidence": 1.5}]
	}`)
	if err := o.InjectTrigger(ctx, bad); err == nil {
		t.Fatalf("expected rejection")
	}
	if !o.events.HasEvent(core.EventTriggerRejected) {
		t.Fatalf("missing trigger rejection event")
	}

	// No mutation, no message.
	snap, _ := store.Snapshot(ctx)
	if len(snap.Audit) != 0 {
		t.Fatalf("rejected trigger touched the store: %+v", snap.Audit)
	}
	history, _ := o.MessageHistory(ctx, "", 0)
	if len(history) != 0 {
		t.Fatalf("rejected trigger was published: %+v", history)
	}
}

func TestAwaitQuiescenceOnIdleSystem(t *testing.T) {
	o, _ := newOrchestrator(t, scenarioReasoners())
	ctx := context.Background()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := o.AwaitQuiescence(waitCtx); err != nil {
		t.Fatalf("quiescence: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("quiescence declared before the grace period: %v", elapsed)
	}
	if !o.events.HasEvent(core.EventSystemQuiescent) {
		t.Fatalf("missing quiescent event")
	}
}

func TestSeedLoadRoundTrip(t *testing.T) {
	seed := DefaultSeed()
	if len(seed.Assets) != 3 || len(seed.Entities) != 2 || seed.Plan == nil {
		t.Fatalf("unexpected default seed: %+v", seed)
	}
	if seed.Assets[0].asset().ID != "UAV-001" {
		t.Fatalf("asset conversion broken")
	}
	if e := seed.Entities[0].entity(); e.Provenance[0] != "UAV-001" || e.Area != "Area Alpha" {
		t.Fatalf("entity conversion broken: %+v", e)
	}
	if p := seed.Plan.plan(); len(p.Assignments) != 3 {
		t.Fatalf("plan conversion broken: %+v", p)
	}
}
