// SPDX-License-Identifier: Apache-2.0

// Package orchestrator wires the store, the message channel, and the
// four role workers into one running squadron, seeds the initial
// picture, and exposes the read-only observer surface.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/squadron-ops/squadron/pkg/authority"
	"github.com/squadron-ops/squadron/pkg/bus"
	"github.com/squadron-ops/squadron/pkg/cop"
	"github.com/squadron-ops/squadron/pkg/core"
	"github.com/squadron-ops/squadron/pkg/errors"
	"github.com/squadron-ops/squadron/pkg/reasoner"
	"github.com/squadron-ops/squadron/pkg/resilience"
	"github.com/squadron-ops/squadron/pkg/telemetry"
	"github.com/squadron-ops/squadron/pkg/trigger"
	"github.com/squadron-ops/squadron/pkg/worker"
)

// Config tunes the orchestrator and the workers it owns.
type Config struct {
	// GracePeriod is how long the system must stay idle before it is
	// declared quiescent.
	GracePeriod time.Duration
	// GapThreshold feeds the coverage analysis in role excerpts.
	GapThreshold float64
	// Retry governs collaborator consultations for every worker.
	Retry resilience.RetryConfig
	// ConsultTimeout bounds one consultation attempt.
	ConsultTimeout time.Duration
	// ConflictRetries bounds per-cycle conflict re-consultations.
	ConflictRetries int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics attaches coordination metrics.
func WithMetrics(m *telemetry.CoordinationMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithReasonerFor overrides the collaborator per role, used in tests.
func WithReasonerFor(fn func(authority.Role) reasoner.Reasoner) Option {
	return func(o *Orchestrator) { o.reasonerFor = fn }
}

// Orchestrator owns the run lifecycle. Subscriptions are created once
// at wiring time and never change mid-run.
type Orchestrator struct {
	cfg     Config
	guard   *authority.Guard
	store   cop.Store
	channel *bus.Channel
	brain   reasoner.Reasoner
	events  *core.EventCollector
	metrics *telemetry.CoordinationMetrics
	logger  *slog.Logger

	reasonerFor func(authority.Role) reasoner.Reasoner
	workers     map[authority.Role]*worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New wires the squadron: one worker per role, each subscribed to its
// topics before any message can flow.
func New(cfg Config, store cop.Store, channel *bus.Channel, brain reasoner.Reasoner, opts ...Option) (*Orchestrator, error) {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	if cfg.GapThreshold == 0 {
		cfg.GapThreshold = 0.7
	}
	o := &Orchestrator{
		cfg:     cfg,
		guard:   authority.NewGuard(),
		store:   store,
		channel: channel,
		brain:   brain,
		events:  core.NewEventCollector(),
		logger:  slog.Default(),
		workers: make(map[authority.Role]*worker.Worker),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.reasonerFor == nil {
		o.reasonerFor = func(authority.Role) reasoner.Reasoner { return o.brain }
	}

	for _, role := range authority.Roles() {
		sub, err := channel.Subscribe(context.Background(), string(role), worker.DefaultTopics(role)...)
		if err != nil {
			return nil, err
		}
		o.workers[role] = worker.New(worker.Config{
			Role:            role,
			Retry:           cfg.Retry,
			Timeout:         cfg.ConsultTimeout,
			ConflictRetries: cfg.ConflictRetries,
			GapThreshold:    cfg.GapThreshold,
		}, worker.Deps{
			Store:    store,
			Guard:    o.guard,
			Channel:  channel,
			Sub:      sub,
			Reasoner: o.reasonerFor(role),
			Emitter:  o.events,
			Metrics:  o.metrics,
			Logger:   o.logger,
		})
	}
	return o, nil
}

// Seed installs the initial picture under the system role. It is the
// only sanctioned write path that bypasses the role workers.
func (o *Orchestrator) Seed(ctx context.Context, seed *Seed) error {
	for _, sa := range seed.Assets {
		if _, err := o.store.Apply(ctx, authority.RoleSystem, cop.PutAsset{Asset: sa.asset()}); err != nil {
			return errors.New(errors.CodeInternal, "seed asset", err).WithContext("asset_id", sa.ID)
		}
	}
	for _, se := range seed.Entities {
		if _, err := o.store.Apply(ctx, authority.RoleSystem, cop.UpsertEntity{Entity: se.entity()}); err != nil {
			return errors.New(errors.CodeInternal, "seed entity", err)
		}
	}
	if seed.Plan != nil {
		if _, err := o.store.Apply(ctx, authority.RoleSystem, cop.RevisePlan{Plan: seed.Plan.plan()}); err != nil {
			return errors.New(errors.CodeInternal, "seed plan", err)
		}
	}
	o.events.Emit(ctx, core.NewEvent(core.EventSystemSeeded, authority.RoleSystem, map[string]any{
		"assets":   len(seed.Assets),
		"entities": len(seed.Entities),
		"plan":     seed.Plan != nil,
	}))
	o.logger.Info("initial picture seeded",
		"assets", len(seed.Assets),
		"entities", len(seed.Entities))
	return nil
}

// Start launches the worker loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New(errors.CodeInvalidInput, "orchestrator already started", nil)
	}
	ctx, o.cancel = context.WithCancel(ctx)
	ctx, runID := core.EnsureRunID(ctx)
	for _, w := range o.workers {
		o.wg.Add(1)
		go func(w *worker.Worker) {
			defer o.wg.Done()
			w.Run(ctx)
		}(w)
	}
	o.started = true
	o.logger.Info("squadron started", "run_id", runID, "workers", len(o.workers))
	return nil
}

// Stop cancels the workers and closes the channel. The store stays
// open; the caller owns it.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return
	}
	o.cancel()
	o.channel.Close()
	o.wg.Wait()
	o.started = false
	o.logger.Info("squadron stopped")
}

// InjectTrigger validates an inbound sensor report and routes it to
// the Observe worker. An invalid report is rejected at the boundary:
// no mutation, no message.
func (o *Orchestrator) InjectTrigger(ctx context.Context, raw []byte) error {
	report, err := trigger.ParseReport(raw)
	if err != nil {
		o.events.Emit(ctx, core.NewEvent(core.EventTriggerRejected, authority.RoleSystem, map[string]any{
			"error": err.Error(),
		}))
		o.logger.Warn("trigger rejected", "error", err)
		return err
	}

	env := bus.Envelope{
		Topic:   bus.TopicSensorReport,
		Sender:  string(authority.RoleSystem),
		Targets: []string{string(authority.RoleObserve)},
		Payload: raw,
	}
	if err := o.channel.Publish(ctx, env); err != nil {
		return err
	}
	o.metrics.RecordPublish(ctx, bus.TopicSensorReport)
	o.logger.Info("trigger injected",
		"source", report.SourceAssetID,
		"detections", len(report.Detections))
	return nil
}

// Quiescent reports whether every worker is idle and no delivered
// message is waiting.
func (o *Orchestrator) Quiescent() bool {
	for _, w := range o.workers {
		if w.State() != worker.StateIdle {
			return false
		}
	}
	return o.channel.Pending() == 0
}

// AwaitQuiescence blocks until the system has been continuously idle
// for the configured grace period, or the context ends.
func (o *Orchestrator) AwaitQuiescence(ctx context.Context) error {
	const tick = 20 * time.Millisecond
	var quietSince time.Time
	for {
		select {
		case <-ctx.Done():
			return errors.New(errors.CodeTimeout, "system did not quiesce", ctx.Err())
		case <-time.After(tick):
		}
		if !o.Quiescent() {
			quietSince = time.Time{}
			continue
		}
		if quietSince.IsZero() {
			quietSince = time.Now()
			continue
		}
		if time.Since(quietSince) >= o.cfg.GracePeriod {
			o.events.Emit(ctx, core.NewEvent(core.EventSystemQuiescent, authority.RoleSystem, nil))
			return nil
		}
	}
}

// ActivePlan returns the single active plan version, if any.
func (o *Orchestrator) ActivePlan(ctx context.Context) (cop.Plan, bool, error) {
	snap, err := o.store.Snapshot(ctx)
	if err != nil {
		return cop.Plan{}, false, err
	}
	plan, ok := snap.ActivePlan()
	return plan, ok, nil
}

// Assets returns all assets sorted by ID.
func (o *Orchestrator) Assets(ctx context.Context) ([]cop.Asset, error) {
	snap, err := o.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.AssetList(), nil
}

// AuditSince returns audit entries recorded at or after t, in commit
// order.
func (o *Orchestrator) AuditSince(ctx context.Context, t time.Time) ([]cop.AuditEntry, error) {
	snap, err := o.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]cop.AuditEntry, 0)
	for _, e := range snap.Audit {
		if !e.Timestamp.Before(t) {
			out = append(out, e)
		}
	}
	return out, nil
}

// MessageHistory returns the durable message mirror, newest first.
func (o *Orchestrator) MessageHistory(ctx context.Context, topic string, limit int) ([]cop.MessageRecord, error) {
	return o.store.MessageHistory(ctx, topic, limit)
}

// Events returns everything emitted since startup.
func (o *Orchestrator) Events() []core.Event {
	return o.events.Events()
}
