package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/squadron-ops/squadron/pkg/authority"
	"github.com/squadron-ops/squadron/pkg/bus"
	"github.com/squadron-ops/squadron/pkg/cop"
	"github.com/squadron-ops/squadron/pkg/core"
	"github.com/squadron-ops/squadron/pkg/errors"
	"github.com/squadron-ops/squadron/pkg/reasoner"
	"github.com/squadron-ops/squadron/pkg/resilience"
)

type fixture struct {
	guard     *authority.Guard
	store     *cop.MemoryStore
	channel   *bus.Channel
	collector *core.EventCollector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	guard := authority.NewGuard()
	f := &fixture{
		guard:     guard,
		store:     cop.NewMemoryStore(guard),
		channel:   bus.NewChannel(bus.Config{}, nil),
		collector: core.NewEventCollector(),
	}
	t.Cleanup(func() { f.channel.Close() })
	return f
}

func (f *fixture) worker(t *testing.T, role authority.Role, brain reasoner.Reasoner, cfg Config) *Worker {
	t.Helper()
	sub, err := f.channel.Subscribe(context.Background(), string(role), DefaultTopics(role)...)
	if err != nil {
		t.Fatalf("subscribe %s: %v", role, err)
	}
	cfg.Role = role
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig().WithInitialDelay(time.Millisecond)
	}
	return New(cfg, Deps{
		Store:    f.store,
		Guard:    f.guard,
		Channel:  f.channel,
		Sub:      sub,
		Reasoner: brain,
		Emitter:  f.collector,
	})
}

func envelope(t *testing.T, topic, sender string, payload any) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(topic, sender, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func countEvents(c *core.EventCollector, et core.EventType) int {
	var n int
	for _, ev := range c.Events() {
		if ev.Type == et {
			n++
		}
	}
	return n
}

func TestHandleAppliesMutationsAndPublishesIntents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	brain := reasoner.NewScriptedReasoner(&reasoner.Decision{
		Mutations: []cop.Mutation{
			cop.UpsertEntity{Entity: cop.TrackedEntity{
				Type: "vehicle", Area: "Area Delta", Confidence: 0.88,
				Provenance: []string{"UAV-003"},
			}},
		},
		Intents: []reasoner.Intent{{
			Topic:   bus.TopicProcessedIntelligence,
			Payload: []byte(`{"entity_type":"vehicle"}`),
		}},
	})
	w := f.worker(t, authority.RoleOrient, brain, Config{})

	// A downstream listener proves the intent went out.
	decideSub, err := f.channel.Subscribe(ctx, "decide", bus.TopicProcessedIntelligence)
	if err != nil {
		t.Fatalf("subscribe decide: %v", err)
	}

	w.Handle(ctx, envelope(t, bus.TopicNewIntelligence, "observe", map[string]string{"report": "r-1"}))

	snap, _ := f.store.Snapshot(ctx)
	if len(snap.Entities) != 1 {
		t.Fatalf("expected one entity, got %d", len(snap.Entities))
	}
	if w.State() != StateIdle {
		t.Fatalf("worker not idle after cycle: %s", w.State())
	}
	if !f.collector.HasEvent(core.EventWorkerApplied) {
		t.Fatalf("missing applied event: %+v", f.collector.Events())
	}

	select {
	case out := <-decideSub.C():
		if out.Topic != bus.TopicProcessedIntelligence || out.Sender != "orient" {
			t.Fatalf("unexpected intent envelope: %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("intent never published")
	}

	// The collaborator saw only what orient may read.
	req := brain.Requests[0]
	if req.Excerpt.Tasks != nil || req.Excerpt.ActivePlan != nil {
		t.Fatalf("orient excerpt leaked plan or tasks: %+v", req.Excerpt)
	}
	var trig struct {
		Topic   string          `json:"topic"`
		Sender  string          `json:"sender"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(req.Trigger, &trig); err != nil || trig.Topic != bus.TopicNewIntelligence {
		t.Fatalf("unexpected trigger: %s (%v)", req.Trigger, err)
	}
}

func TestHandleUnauthorizedMutationIsDeniedAndAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Apply(ctx, authority.RoleSystem, cop.PutAsset{Asset: cop.Asset{ID: "UAV-001"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Orient oversteps: proposes a task write it has no grant for.
	brain := reasoner.NewScriptedReasoner(&reasoner.Decision{
		Mutations: []cop.Mutation{
			cop.CreateTask{Task: cop.Task{AssetID: "UAV-001", Type: "surveillance", TargetArea: "Area Delta"}},
		},
	})
	w := f.worker(t, authority.RoleOrient, brain, Config{})
	w.Handle(ctx, envelope(t, bus.TopicNewIntelligence, "observe", map[string]string{}))

	snap, _ := f.store.Snapshot(ctx)
	if len(snap.Tasks) != 0 {
		t.Fatalf("denied write created a task")
	}
	denials := 0
	for _, e := range snap.Audit {
		if !e.Authorized {
			denials++
			if e.Actor != authority.RoleOrient || e.Reason == "" {
				t.Fatalf("malformed denial entry: %+v", e)
			}
		}
	}
	if denials != 1 {
		t.Fatalf("expected exactly one denial audit entry, got %d", denials)
	}
	if !f.collector.HasEvent(core.EventWriteDenied) {
		t.Fatalf("missing denial event")
	}
	// A policy violation is terminal for that mutation, not a retry.
	if brain.CallCount != 1 {
		t.Fatalf("denied mutation must not re-consult, calls=%d", brain.CallCount)
	}
}

func TestHandleRetriesTransientCollaboratorFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls int
	brain := reasoner.DecideFunc(func(ctx context.Context, req reasoner.Request) (*reasoner.Decision, error) {
		calls++
		if calls < 3 {
			return nil, errors.New(errors.CodeTransient, "collaborator unreachable", nil)
		}
		return &reasoner.Decision{Mutations: []cop.Mutation{
			cop.AppendObservation{Observation: cop.ObservationRecord{SourceID: "UAV-001", Confidence: 0.88}},
		}}, nil
	})
	w := f.worker(t, authority.RoleObserve, brain, Config{
		Retry: resilience.DefaultRetryConfig().WithMaxAttempts(3).WithInitialDelay(time.Millisecond),
	})
	w.Handle(ctx, envelope(t, "sensor_report", "system", map[string]string{}))

	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if got := countEvents(f.collector, core.EventCollaboratorRetry); got != 2 {
		t.Fatalf("retry events = %d, want 2", got)
	}
	snap, _ := f.store.Snapshot(ctx)
	if len(snap.Observations) != 1 {
		t.Fatalf("observation not applied after retries")
	}
	// Retries that ultimately succeed leave exactly one audit entry.
	if len(snap.Audit) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(snap.Audit))
	}
}

func TestHandleReconsultsOnWriteConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Apply(ctx, authority.RoleSystem, cop.RevisePlan{Plan: cop.Plan{Name: "baseline"}}); err != nil {
		t.Fatalf("seed plan: %v", err)
	}

	// First decision is stale; the re-consultation supersedes the
	// version that actually won.
	scripted := reasoner.NewScriptedReasoner(
		&reasoner.Decision{Mutations: []cop.Mutation{
			cop.RevisePlan{Plan: cop.Plan{Name: "stale response"}, SupersedesVersion: 0},
		}},
		&reasoner.Decision{Mutations: []cop.Mutation{
			cop.RevisePlan{Plan: cop.Plan{Name: "gap response"}, SupersedesVersion: 1},
		}},
	)
	w := f.worker(t, authority.RoleDecide, scripted, Config{ConflictRetries: 2})
	w.Handle(ctx, envelope(t, bus.TopicCoverageAssessment, "orient", map[string]string{}))

	if scripted.CallCount != 2 {
		t.Fatalf("expected re-consultation after conflict, calls=%d", scripted.CallCount)
	}
	if !f.collector.HasEvent(core.EventWriteConflict) {
		t.Fatalf("missing conflict event")
	}
	snap, _ := f.store.Snapshot(ctx)
	active, ok := snap.ActivePlan()
	if !ok || active.Name != "gap response" || active.Version != 2 {
		t.Fatalf("unexpected active plan: %+v", active)
	}
}

func TestHandleConflictBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Apply(ctx, authority.RoleSystem, cop.RevisePlan{Plan: cop.Plan{Name: "baseline"}}); err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	brain := reasoner.DecideFunc(func(ctx context.Context, req reasoner.Request) (*reasoner.Decision, error) {
		return &reasoner.Decision{Mutations: []cop.Mutation{
			cop.RevisePlan{Plan: cop.Plan{Name: "always stale"}, SupersedesVersion: 99},
		}}, nil
	})
	w := f.worker(t, authority.RoleDecide, brain, Config{ConflictRetries: 1})
	w.Handle(ctx, envelope(t, bus.TopicCoverageAssessment, "orient", map[string]string{}))

	if !f.collector.HasEvent(core.EventWorkerFailure) {
		t.Fatalf("expected terminal failure after conflict budget")
	}
	snap, _ := f.store.Snapshot(ctx)
	active, _ := snap.ActivePlan()
	if active.Name != "baseline" {
		t.Fatalf("stale revision must not land: %+v", active)
	}
}

func TestRunConsumesFromQueue(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brain := reasoner.NewScriptedReasoner(&reasoner.Decision{Mutations: []cop.Mutation{
		cop.AppendObservation{Observation: cop.ObservationRecord{SourceID: "UAV-001", Confidence: 0.5}},
	}})
	w := f.worker(t, authority.RoleObserve, brain, Config{})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	env := envelope(t, "sensor_report", "system", map[string]string{"frame": "f-1"})
	env.Targets = []string{"observe"}
	if err := f.channel.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _ := f.store.Snapshot(ctx)
		if len(snap.Observations) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker never processed the trigger")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The loop acknowledges each message once its cycle completes, so
	// the channel drains back to zero in-flight.
	for f.channel.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("message never acknowledged: pending=%d", f.channel.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run loop did not exit on cancel")
	}
}
