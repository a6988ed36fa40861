// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/squadron-ops/squadron/pkg/errors"
)

// CoordinationMetrics tracks the write path, the message fabric, and
// collaborator health for production monitoring.
type CoordinationMetrics struct {
	// writeCounter tracks store writes by role, resource, and outcome.
	writeCounter metric.Int64Counter

	// denialCounter tracks authority denials by role and resource.
	denialCounter metric.Int64Counter

	// publishCounter tracks bus publishes by topic.
	publishCounter metric.Int64Counter

	// consultCounter tracks collaborator consultations by role and outcome.
	consultCounter metric.Int64Counter

	// retryCounter tracks collaborator retries by role.
	retryCounter metric.Int64Counter

	// busyWorkers tracks how many workers are out of the idle state.
	busyWorkers metric.Int64UpDownCounter
}

// NewCoordinationMetrics registers the squadron meters.
func NewCoordinationMetrics() (*CoordinationMetrics, error) {
	meter := otel.Meter("squadron/coordination")

	writeCounter, err := meter.Int64Counter(
		"squadron.store.writes",
		metric.WithDescription("Store writes by role, resource, and outcome"),
	)
	if err != nil {
		return nil, err
	}

	denialCounter, err := meter.Int64Counter(
		"squadron.authority.denials",
		metric.WithDescription("Writes rejected by the authority guard"),
	)
	if err != nil {
		return nil, err
	}

	publishCounter, err := meter.Int64Counter(
		"squadron.bus.published",
		metric.WithDescription("Messages published by topic"),
	)
	if err != nil {
		return nil, err
	}

	consultCounter, err := meter.Int64Counter(
		"squadron.reasoner.consultations",
		metric.WithDescription("Collaborator consultations by role and outcome"),
	)
	if err != nil {
		return nil, err
	}

	retryCounter, err := meter.Int64Counter(
		"squadron.reasoner.retries",
		metric.WithDescription("Collaborator retries by role"),
	)
	if err != nil {
		return nil, err
	}

	busyWorkers, err := meter.Int64UpDownCounter(
		"squadron.workers.busy",
		metric.WithDescription("Workers currently reasoning or applying"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinationMetrics{
		writeCounter:   writeCounter,
		denialCounter:  denialCounter,
		publishCounter: publishCounter,
		consultCounter: consultCounter,
		retryCounter:   retryCounter,
		busyWorkers:    busyWorkers,
	}, nil
}

// RecordWrite counts one store write attempt.
func (m *CoordinationMetrics) RecordWrite(ctx context.Context, role, resource string, err error) {
	if m == nil {
		return
	}
	authorized := !errors.IsCode(err, errors.CodeUnauthorized)
	m.writeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("resource", resource),
		attribute.Bool("ok", err == nil),
	))
	if !authorized {
		m.denialCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("resource", resource),
		))
	}
}

// RecordPublish counts one bus publish.
func (m *CoordinationMetrics) RecordPublish(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.publishCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

// RecordConsultation counts one collaborator consultation.
func (m *CoordinationMetrics) RecordConsultation(ctx context.Context, role string, err error) {
	if m == nil {
		return
	}
	m.consultCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.Bool("ok", err == nil),
		attribute.String("recoverable", recoverableAttr(err)),
	))
}

// RecordRetry counts one collaborator retry.
func (m *CoordinationMetrics) RecordRetry(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.retryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
	))
}

// WorkerBusy marks a worker entering (+1) or leaving (-1) a busy state.
func (m *CoordinationMetrics) WorkerBusy(ctx context.Context, role string, delta int64) {
	if m == nil {
		return
	}
	m.busyWorkers.Add(ctx, delta, metric.WithAttributes(
		attribute.String("role", role),
	))
}

func recoverableAttr(err error) string {
	if err == nil {
		return "n/a"
	}
	return strconv.FormatBool(errors.AsSquadronError(err).Recoverable)
}
