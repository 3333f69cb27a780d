package metrics

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instruments holds pre-created, typed OTEL metric instrument handles for the
// scheduler core. All fields are safe for concurrent use by multiple
// goroutines per the OpenTelemetry Go SDK specification — a single
// *Instruments is shared across every watch worker, syncer, and scheduler
// operation caller.
type Instruments struct {
	// Watch state (§4.3)
	WatchReconnectTotal    metric.Int64Counter
	WatchSnapshotSize      metric.Float64Histogram
	WatchEventAppliedTotal metric.Int64Counter
	WatchWorkerPanicTotal  metric.Int64Counter

	// Scheduler operations (§4.4)
	ScaleRetryTotal      metric.Int64Counter
	ScaleConflictTotal   metric.Int64Counter
	KillInstanceStepTotal metric.Int64Counter
	OrchestratorCallDuration metric.Float64Histogram
	OrchestratorCallErrorTotal metric.Int64Counter

	// Failure store (§4.5)
	FailedInstanceRecordedTotal metric.Int64Counter
	FailureStoreSize            metric.Float64Histogram

	// Syncer (§4.8)
	SyncerPublishTotal     metric.Int64Counter
	SyncerPublishDropTotal metric.Int64Counter
	SyncerSnapshotSize     metric.Float64Histogram
	SyncerPublishDuration  metric.Float64Histogram
}

// NewInstruments creates all instrument handles from the given meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	inst := &Instruments{}
	var err error

	if inst.WatchReconnectTotal, err = meter.Int64Counter(
		"watch_reconnect_total",
		metric.WithDescription("Watch stream reconnections (re-snapshot triggered)"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create instrument watch_reconnect_total: %w", err)
	}

	if inst.WatchSnapshotSize, err = meter.Float64Histogram(
		"watch_snapshot_size",
		metric.WithDescription("Number of objects returned by a watch-state snapshot list"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create instrument watch_snapshot_size: %w", err)
	}

	if inst.WatchEventAppliedTotal, err = meter.Int64Counter(
		"watch_event_applied_total",
		metric.WithDescription("Watch events applied to the in-memory mirror"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create instrument watch_event_applied_total: %w", err)
	}

	if inst.WatchWorkerPanicTotal, err = meter.Int64Counter(
		"watch_worker_panic_total",
		metric.WithDescription("Panics recovered in a watch worker goroutine"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create instrument watch_worker_panic_total: %w", err)
	}

	if inst.ScaleRetryTotal, err = meter.Int64Counter(
		"scale_retry_total",
		metric.WithDescription("Scale-service retry attempts after a 409 conflict"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create instrument scale_retry_total: %w", err)
	}

	if inst.ScaleConflictTotal, err = meter.Int64Counter(
		"scale_conflict_total",
		metric.WithDescription("Scale-service operations that exhausted retries on conflict"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create instrument scale_conflict_total: %w", err)
	}

	if inst.KillInstanceStepTotal, err = meter.Int64Counter(
		"kill_instance_step_total",
		metric.WithDescription("Safe-kill protocol steps executed, labeled by step and outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create instrument kill_instance_step_total: %w", err)
	}

	if inst.OrchestratorCallDuration, err = meter.Float64Histogram(
		"orchestrator_call_duration_seconds",
		metric.WithDescription("Duration of orchestrator HTTP calls"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create instrument orchestrator_call_duration_seconds: %w", err)
	}

	if inst.OrchestratorCallErrorTotal, err = meter.Int64Counter(
		"orchestrator_call_error_total",
		metric.WithDescription("Orchestrator HTTP calls classified as an error, labeled by kind"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create instrument orchestrator_call_error_total: %w", err)
	}

	if inst.FailedInstanceRecordedTotal, err = meter.Int64Counter(
		"failed_instance_recorded_total",
		metric.WithDescription("FailedInstance records inserted into the failure store"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create instrument failed_instance_recorded_total: %w", err)
	}

	if inst.FailureStoreSize, err = meter.Float64Histogram(
		"failure_store_size",
		metric.WithDescription("Number of failed instances retained for a service after eviction"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create instrument failure_store_size: %w", err)
	}

	if inst.SyncerPublishTotal, err = meter.Int64Counter(
		"syncer_publish_total",
		metric.WithDescription("Snapshots published by the syncer"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create instrument syncer_publish_total: %w", err)
	}

	if inst.SyncerPublishDropTotal, err = meter.Int64Counter(
		"syncer_publish_drop_total",
		metric.WithDescription("Snapshots dropped because the syncer output channel was full"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create instrument syncer_publish_drop_total: %w", err)
	}

	if inst.SyncerSnapshotSize, err = meter.Float64Histogram(
		"syncer_snapshot_size",
		metric.WithDescription("Number of services in the most recently published snapshot"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create instrument syncer_snapshot_size: %w", err)
	}

	if inst.SyncerPublishDuration, err = meter.Float64Histogram(
		"syncer_publish_duration_seconds",
		metric.WithDescription("Time spent assembling and publishing one syncer snapshot"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create instrument syncer_publish_duration_seconds: %w", err)
	}

	return inst, nil
}

// NewNoopInstruments returns an Instruments backed by OTEL's no-op provider.
// All Add()/Record() calls are zero-cost no-ops; no nil checks are needed at
// call sites.
func NewNoopInstruments() *Instruments {
	inst, _ := NewInstruments(noop.NewMeterProvider().Meter("noop"))
	return inst
}
