// SPDX-License-Identifier: Apache-2.0

// Package worker runs one coordination role: it waits for inbound
// messages, consults the reasoning collaborator, and applies the
// resulting mutations through the authority-gated store.
package worker

import (
	"context"
	"encoding/json"
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
)

// State is the worker lifecycle position. A worker is either waiting
// for input, consulting the collaborator, or committing its decision.
type State string

const (
	StateIdle      State = "idle"
	StateReasoning State = "reasoning"
	StateApplying  State = "applying"
)

// DefaultTopics returns the broadcast topics each role listens on.
// Targeted messages reach every role regardless.
func DefaultTopics(role authority.Role) []string {
	switch role {
	case authority.RoleObserve:
		return []string{bus.TopicTaskStatusUpdate}
	case authority.RoleOrient:
		return []string{bus.TopicNewIntelligence}
	case authority.RoleDecide:
		return []string{bus.TopicProcessedIntelligence, bus.TopicCoverageAssessment}
	case authority.RoleAct:
		return []string{bus.TopicNewMissionPlan, bus.TopicAssetStatusAlert}
	default:
		return nil
	}
}

// Config tunes one worker.
type Config struct {
	Role authority.Role
	Mode reasoner.Mode

	// Retry governs collaborator consultations.
	Retry resilience.RetryConfig
	// Timeout bounds one consultation attempt.
	Timeout time.Duration
	// Breaker shields a collaborator that is down.
	Breaker resilience.CircuitBreakerConfig
	// ConflictRetries bounds how many times a cycle is re-run with a
	// fresh snapshot after an optimistic write conflict.
	ConflictRetries int
	// GapThreshold feeds the coverage analysis in the excerpt.
	GapThreshold float64
}

// Deps are the shared collaborators a worker is wired to.
type Deps struct {
	Store    cop.Store
	Guard    *authority.Guard
	Channel  *bus.Channel
	Sub      *bus.Subscription
	Reasoner reasoner.Reasoner
	Emitter  core.EventEmitter
	Metrics  *telemetry.CoordinationMetrics
	Logger   *slog.Logger
}

// Worker is one role's processing loop.
type Worker struct {
	cfg     Config
	store   cop.Store
	guard   *authority.Guard
	channel *bus.Channel
	sub     *bus.Subscription
	brain   reasoner.Reasoner
	breaker *resilience.CircuitBreaker
	emitter core.EventEmitter
	metrics *telemetry.CoordinationMetrics
	logger  *slog.Logger

	mu    sync.RWMutex
	state State
}

// New wires a worker. Zero config fields get production defaults.
func New(cfg Config, deps Deps) *Worker {
	if cfg.Mode == "" {
		cfg.Mode = reasoner.ModeNominal
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	if cfg.ConflictRetries == 0 {
		cfg.ConflictRetries = 2
	}
	if cfg.GapThreshold == 0 {
		cfg.GapThreshold = 0.7
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "reasoner." + string(cfg.Role)
	}
	if deps.Emitter == nil {
		deps.Emitter = core.NoopEventEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Worker{
		cfg:     cfg,
		store:   deps.Store,
		guard:   deps.Guard,
		channel: deps.Channel,
		sub:     deps.Sub,
		brain:   deps.Reasoner,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		emitter: deps.Emitter,
		metrics: deps.Metrics,
		logger:  deps.Logger.With("role", cfg.Role),
		state:   StateIdle,
	}
}

// Role returns the worker's role.
func (w *Worker) Role() authority.Role { return w.cfg.Role }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run consumes the worker's queue until the context is cancelled or
// the channel closes. Each message is processed to completion before
// the next is taken.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.logger
	if id, ok := core.RunID(ctx); ok {
		logger = logger.With("run_id", id)
	}
	logger.Info("worker started")
	defer logger.Info("worker stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-w.sub.C():
			if !ok {
				return nil
			}
			w.Handle(ctx, env)
			w.sub.Ack()
		}
	}
}

// Handle runs one full cycle for an inbound envelope: Reasoning, then
// Applying, then back to Idle. Exported so tests and the orchestrator
// can drive a worker synchronously.
func (w *Worker) Handle(ctx context.Context, env bus.Envelope) {
	w.setState(StateReasoning)
	w.metrics.WorkerBusy(ctx, string(w.cfg.Role), 1)
	defer func() {
		w.setState(StateIdle)
		w.metrics.WorkerBusy(ctx, string(w.cfg.Role), -1)
	}()

	trig, err := json.Marshal(map[string]any{
		"topic":   env.Topic,
		"sender":  env.Sender,
		"payload": env.Payload,
	})
	if err != nil {
		w.logger.Error("encode trigger", "error", err)
		return
	}

	for attempt := 0; ; attempt++ {
		w.setState(StateReasoning)
		snap, err := w.store.Snapshot(ctx)
		if err != nil {
			w.fail(ctx, "snapshot", err)
			return
		}
		w.emitter.Emit(ctx, core.NewEvent(core.EventWorkerReasoning, w.cfg.Role, map[string]any{
			"topic":   env.Topic,
			"commit":  snap.Commit,
			"attempt": attempt,
		}))

		req := reasoner.Request{
			Role:    w.cfg.Role,
			Mode:    w.cfg.Mode,
			Trigger: trig,
			Excerpt: reasoner.BuildExcerpt(w.guard, w.cfg.Role, snap, w.cfg.GapThreshold),
		}
		decision, err := w.consult(ctx, req)
		if err != nil {
			w.fail(ctx, "consult", err)
			return
		}

		w.setState(StateApplying)
		conflicted := false
		var applied int
		for _, m := range decision.Mutations {
			_, err := w.store.Apply(ctx, w.cfg.Role, m)
			w.metrics.RecordWrite(ctx, string(w.cfg.Role), string(m.Resource()), err)
			switch errors.CodeOf(err) {
			case "":
				applied++
			case errors.CodeUnauthorized:
				// The denial is already in the audit trail; the event is
				// for live observers.
				w.logger.Warn("write denied", "operation", m.Operation(), "error", err)
				w.emitter.Emit(ctx, core.NewEvent(core.EventWriteDenied, w.cfg.Role, map[string]any{
					"operation": m.Operation(),
					"resource":  string(m.Resource()),
				}))
			case errors.CodeConflict:
				w.emitter.Emit(ctx, core.NewEvent(core.EventWriteConflict, w.cfg.Role, map[string]any{
					"operation": m.Operation(),
					"attempt":   attempt,
				}))
				conflicted = true
			default:
				w.logger.Warn("mutation rejected", "operation", m.Operation(), "error", err)
				w.emitter.Emit(ctx, core.NewEvent(core.EventWorkerFailure, w.cfg.Role, map[string]any{
					"stage":     "apply",
					"operation": m.Operation(),
					"error":     err.Error(),
				}))
			}
			if conflicted {
				break
			}
		}
		if conflicted {
			if attempt < w.cfg.ConflictRetries {
				// Re-read and re-reason against the state that won.
				continue
			}
			w.fail(ctx, "apply", errors.New(errors.CodeConflict, "conflict retry budget exhausted", nil).
				WithContext("attempts", attempt+1))
			return
		}

		for _, intent := range decision.Intents {
			out := bus.Envelope{
				Topic:   intent.Topic,
				Sender:  string(w.cfg.Role),
				Targets: intent.Targets,
				Payload: intent.Payload,
			}
			if err := w.channel.Publish(ctx, out); err != nil {
				w.logger.Error("publish intent", "topic", intent.Topic, "error", err)
				continue
			}
			w.metrics.RecordPublish(ctx, intent.Topic)
		}

		w.emitter.Emit(ctx, core.NewEvent(core.EventWorkerApplied, w.cfg.Role, map[string]any{
			"topic":     env.Topic,
			"mutations": applied,
			"intents":   len(decision.Intents),
		}))
		return
	}
}

// consult calls the collaborator through the breaker, the per-attempt
// timeout, and the retry policy.
func (w *Worker) consult(ctx context.Context, req reasoner.Request) (*reasoner.Decision, error) {
	rc := w.cfg.Retry.WithOnRetry(func(attempt int, err error) {
		w.logger.Warn("collaborator retry", "attempt", attempt, "error", err)
		w.metrics.RecordRetry(ctx, string(w.cfg.Role))
		w.emitter.Emit(ctx, core.NewEvent(core.EventCollaboratorRetry, w.cfg.Role, map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		}))
	})

	var decision *reasoner.Decision
	err := rc.Do(ctx, func() error {
		return w.breaker.Call(func() error {
			return resilience.WithTimeout(ctx, w.cfg.Timeout, func(ctx context.Context) error {
				d, err := w.brain.Decide(ctx, req)
				if err != nil {
					return err
				}
				decision = d
				return nil
			})
		})
	})
	w.metrics.RecordConsultation(ctx, string(w.cfg.Role), err)
	if err != nil {
		return nil, err
	}
	return decision, nil
}

func (w *Worker) fail(ctx context.Context, stage string, err error) {
	w.logger.Error("cycle failed", "stage", stage, "error", err)
	w.emitter.Emit(ctx, core.NewEvent(core.EventWorkerFailure, w.cfg.Role, map[string]any{
		"stage": stage,
		"error": err.Error(),
	}))
}
