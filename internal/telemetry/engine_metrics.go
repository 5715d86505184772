// Package internaltelemetry holds OpenTelemetry instrument bundles shared
// across the engine's entry points. Adapted from a gRPC-gateway metrics
// bundle into a storage-engine-operation one: the engine has no RPC
// surface, but every shell/driver command (begin, put, get, lock, commit,
// ...) maps onto the same started/handled/latency/in-flight shape an RPC
// handler would.
package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineOperationMetrics holds the metric instruments for engine-level
// operations issued by a driver (the interactive shell, a future wire
// server, or a test harness).
type EngineOperationMetrics struct {
	OpsStartedCounter      metric.Int64Counter
	OpsHandledCounter      metric.Int64Counter
	OpLatencyHistogram     metric.Int64Histogram
	ActiveOpsUpDownCounter metric.Int64UpDownCounter
}

// NewEngineOperationMetrics creates and registers the operation metrics
// bundle against meter.
func NewEngineOperationMetrics(meter metric.Meter) (*EngineOperationMetrics, error) {
	opsStarted, err := meter.Int64Counter(
		"coredb.engine.ops.started_total",
		metric.WithDescription("Total number of engine operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opsHandled, err := meter.Int64Counter(
		"coredb.engine.ops.handled_total",
		metric.WithDescription("Total number of engine operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opLatency, err := meter.Int64Histogram(
		"coredb.engine.ops.duration",
		metric.WithDescription("The latency of engine operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeOps, err := meter.Int64UpDownCounter(
		"coredb.engine.ops.active",
		metric.WithDescription("Number of in-flight engine operations."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineOperationMetrics{
		OpsStartedCounter:      opsStarted,
		OpsHandledCounter:      opsHandled,
		OpLatencyHistogram:     opLatency,
		ActiveOpsUpDownCounter: activeOps,
	}, nil
}

// Track wraps the execution of a single named operation, recording start,
// completion, latency, and in-flight count. fn's error is returned
// unchanged.
func (m *EngineOperationMetrics) Track(ctx context.Context, op string, fn func() error) error {
	if m == nil {
		return fn()
	}
	opt := metric.WithAttributes(attribute.String("op", op))
	m.OpsStartedCounter.Add(ctx, 1, opt)
	m.ActiveOpsUpDownCounter.Add(ctx, 1, opt)
	start := time.Now()
	err := fn()
	m.ActiveOpsUpDownCounter.Add(ctx, -1, opt)
	m.OpLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), opt)
	m.OpsHandledCounter.Add(ctx, 1, opt)
	return err
}
