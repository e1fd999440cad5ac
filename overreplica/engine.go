// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mobiletoly/go-overreplica/overreplica"

// EngineConfig holds configuration for the conflict resolution engine
type EngineConfig struct {
	LogConflictResolution bool                      // Log every resolution at INFO after it was applied
	LogTimings            bool                      // Log per-call durations at DEBUG
	Metrics               ResolutionMetricsRecorder // Optional timing observer
	TracerProvider        trace.TracerProvider      // Defaults to the global provider
}

// DefaultEngineConfig returns the configuration used when none is given
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// Engine decides and executes the conflict policy for rows whose plain write conflicted.
// It is dialect-agnostic and holds no per-batch state; one Engine serves many
// concurrent batches as long as each batch has its own BatchContext and Writer.
type Engine struct {
	registry *SettingsRegistry
	config   *EngineConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewEngine creates an engine over a settings registry
func NewEngine(registry *SettingsRegistry, config *EngineConfig, logger *slog.Logger) *Engine {
	if registry == nil {
		registry = NewSettingsRegistry(nil, nil)
	}
	if config == nil {
		config = DefaultEngineConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Engine{
		registry: registry,
		config:   config,
		logger:   logger,
		tracer:   tp.Tracer(tracerName),
	}
}

// Registry returns the settings registry consulted by the engine
func (e *Engine) Registry() *SettingsRegistry {
	return e.registry
}

// resolution is the state of one Resolve call
type resolution struct {
	engine   *Engine
	ctx      context.Context
	rec      ChangeRecord
	bc       *BatchContext
	w        Writer
	table    Table
	setting  ConflictSetting
	override *ResolvedData
}

// Resolve executes the conflict policy for rec, whose plain write reported CONFLICT.
// It returns OutcomeAbortBatch together with an error matching ErrAbortBatch when the
// rest of the batch must not be applied, and a *RowConflictError when the row could
// not be converged.
func (e *Engine) Resolve(ctx context.Context, rec ChangeRecord, bc *BatchContext, w Writer) (Outcome, error) {
	if bc == nil || bc.Stats == nil {
		return OutcomeUnresolved, errors.New("resolve: batch context with statistics is required")
	}
	table := w.TargetTable(rec)
	setting := e.registry.Select(table, bc.Batch.Channel)

	var override *ResolvedData
	if rd, ok := bc.Resolutions.Lookup(bc.RowNumber()); ok {
		override = &rd
	}

	decision := Decide(PolicyInput{
		EventType:          rec.EventType,
		HasOverride:        override != nil,
		OverrideIgnoresRow: override != nil && override.IgnoreRow,
		ResolveType:        setting.ResolveType,
		DetectType:         setting.DetectType,
		ResolveRowOnly:     setting.ResolveRowOnly,
	})

	r := &resolution{engine: e, rec: rec, bc: bc, w: w, table: table, setting: setting, override: override}
	return e.run(ctx, r, decision)
}

// ApplyOverride applies an operator override before the plain write was attempted.
// The row is resolved under a FALLBACK / USE_PK_DATA policy: update, then insert.
func (e *Engine) ApplyOverride(ctx context.Context, rec ChangeRecord, bc *BatchContext, w Writer, override ResolvedData) (Outcome, error) {
	if bc == nil || bc.Stats == nil {
		return OutcomeUnresolved, errors.New("apply override: batch context with statistics is required")
	}
	setting := ConflictSetting{DetectType: DetectUsePKData, ResolveType: ResolveFallback}
	r := &resolution{engine: e, rec: rec, bc: bc, w: w, table: w.TargetTable(rec), setting: setting, override: &override}
	return e.run(ctx, r, Decision{Action: ActionManual})
}

func (e *Engine) run(ctx context.Context, r *resolution, decision Decision) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Resolve", trace.WithAttributes(
		attribute.String("replica.table", r.table.FullyQualifiedName()),
		attribute.String("replica.event_type", string(r.rec.EventType)),
		attribute.String("replica.conflict_id", r.setting.DisplayID()),
		attribute.String("replica.resolve_type", string(r.setting.ResolveType)),
		attribute.String("replica.decision", decision.String()),
		attribute.Int64("replica.batch_id", r.bc.Batch.ID),
		attribute.Int64("replica.row", r.bc.RowNumber()),
	))
	defer span.End()
	r.ctx = ctx

	start := e.timingStart()
	e.logConflictHappened(ctx, r)

	outcome, err := r.execute(decision)

	span.SetAttributes(attribute.String("replica.outcome", string(outcome)))
	if err != nil && !errors.Is(err, ErrAbortBatch) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.logConflictResolution(ctx, r, outcome, err)
	e.observe(ctx, ResolutionTiming{
		Operation:   MetricsOpResolve,
		Table:       r.table.FullyQualifiedName(),
		EventType:   r.rec.EventType,
		ResolveType: r.setting.ResolveType,
		Outcome:     outcome,
		Count:       1,
		Error:       err != nil && !errors.Is(err, ErrAbortBatch),
	}, start)
	return outcome, err
}

func (r *resolution) execute(d Decision) (Outcome, error) {
	if d.RequireNewer {
		newer, err := sourceIsNewer(r.ctx, r.setting, r.rec, r.w)
		if err != nil {
			return OutcomeUnresolved, r.rowConflict(r.rec, false, err)
		}
		if !newer {
			r.engine.logger.Debug("Incoming row is not newer than target",
				"conflict_id", r.setting.DisplayID(), "table", r.table.FullyQualifiedName(),
				"batch_id", r.bc.Batch.ID, "row", r.bc.RowNumber(), "detect_type", r.setting.DetectType)
			return r.terminal(d.Stale)
		}
	}

	switch d.Action {
	case ActionManual:
		return r.attemptManualResolution(r.override)
	case ActionUpdate, ActionInsert:
		rec := r.rec
		if d.StripOldValues {
			rec = rec.WithoutOldValues()
		}
		err := r.perform(d.Action, rec, r.setting.ResolveChangesOnly && !d.AllColumns)
		if err != nil && d.Fallback != ActionNone && IsRetriable(err) {
			err = r.perform(d.Fallback, rec, r.setting.ResolveChangesOnly)
		}
		if err != nil {
			return OutcomeUnresolved, err
		}
		return OutcomeResolved, nil
	default:
		return r.terminal(d.Action)
	}
}

// terminal runs actions that need at most one plain delete
func (r *resolution) terminal(a Action) (Outcome, error) {
	stats := r.bc.Stats
	switch a {
	case ActionIgnoreRow:
		stats.IgnoreCount.Add(1)
		return OutcomeRowSkipped, nil
	case ActionDropRow:
		return OutcomeRowSkipped, nil
	case ActionAbortBatch:
		return OutcomeAbortBatch, &AbortBatchError{
			Table:     r.table,
			BatchID:   r.bc.Batch.ID,
			RowNumber: r.bc.RowNumber(),
			SettingID: r.setting.DisplayID(),
			Reason:    fmt.Sprintf("%s conflict on %s is not row-scoped", r.setting.ResolveType, r.rec.EventType),
		}
	case ActionRetryDelete:
		status, err := r.w.Delete(r.ctx, r.rec, false)
		if err != nil {
			return OutcomeUnresolved, r.rowConflict(r.rec, false, err)
		}
		if status != LoadSuccess {
			stats.MissingDeleteCount.Add(1)
		}
		return OutcomeResolved, nil
	case ActionMissingDelete:
		stats.MissingDeleteCount.Add(1)
		return OutcomeResolved, nil
	case ActionDeleteTolerant:
		if _, err := r.w.Delete(r.ctx, r.rec, true); err != nil {
			return OutcomeUnresolved, r.rowConflict(r.rec, false, err)
		}
		return OutcomeResolved, nil
	case ActionAccept:
		return OutcomeResolved, nil
	case ActionRowConflict:
		return OutcomeUnresolved, r.rowConflict(r.rec, false, r.bc.Cause)
	default:
		return OutcomeUnresolved, r.rowConflict(r.rec, false, fmt.Errorf("unsupported event type %q", r.rec.EventType))
	}
}

// attemptManualResolution applies an override: update with its payload, then insert
func (r *resolution) attemptManualResolution(override *ResolvedData) (Outcome, error) {
	if override == nil {
		return OutcomeUnresolved, r.rowConflict(r.rec, false, r.bc.Cause)
	}
	if override.IgnoreRow {
		return OutcomeRowSkipped, nil
	}
	rec := r.rec.WithNewValues(override.Data)
	err := r.performFallbackToUpdate(rec, r.setting.ResolveChangesOnly)
	if err != nil && IsRetriable(err) {
		err = r.performFallbackToInsert(rec)
	}
	if err != nil {
		return OutcomeUnresolved, err
	}
	return OutcomeResolved, nil
}

func (r *resolution) perform(a Action, rec ChangeRecord, changesOnly bool) error {
	if a == ActionInsert {
		return r.performFallbackToInsert(rec)
	}
	return r.performFallbackToUpdate(rec, changesOnly)
}

func (r *resolution) performFallbackToUpdate(rec ChangeRecord, changesOnly bool) error {
	return r.attempt(rec, &r.bc.Stats.FallbackUpdateCount, func(ctx context.Context) (LoadStatus, error) {
		return r.w.Update(ctx, rec, changesOnly, false)
	})
}

func (r *resolution) performFallbackToInsert(rec ChangeRecord) error {
	return r.attempt(rec, &r.bc.Stats.FallbackInsertCount, func(ctx context.Context) (LoadStatus, error) {
		return r.w.Insert(ctx, rec)
	})
}

// attempt runs one corrective write inside the writer's resolution hooks.
// A failed write is a retriable RowConflict; a failed hook is not.
func (r *resolution) attempt(rec ChangeRecord, counter *atomic.Int64, write func(context.Context) (LoadStatus, error)) error {
	ok, cause, hookErr := r.bracketed(write)
	if hookErr != nil {
		return r.rowConflict(rec, false, hookErr)
	}
	if !ok {
		return r.rowConflict(rec, true, cause)
	}
	counter.Add(1)
	return nil
}

func (r *resolution) bracketed(write func(context.Context) (LoadStatus, error)) (ok bool, cause error, hookErr error) {
	hooks, _ := r.w.(ResolutionHooks)
	if hooks != nil {
		if err := hooks.BeforeResolutionAttempt(r.ctx, r.setting); err != nil {
			return false, nil, fmt.Errorf("before resolution attempt: %w", err)
		}
		defer func() {
			if err := hooks.AfterResolutionAttempt(r.ctx, r.setting, !ok); err != nil && hookErr == nil {
				hookErr = fmt.Errorf("after resolution attempt: %w", err)
			}
		}()
	}
	status, err := write(r.ctx)
	if err != nil || status != LoadSuccess {
		return false, err, nil
	}
	return true, nil, nil
}

func (r *resolution) rowConflict(rec ChangeRecord, retriable bool, cause error) error {
	return &RowConflictError{
		Table:     r.table,
		BatchID:   r.bc.Batch.ID,
		RowNumber: r.bc.RowNumber(),
		SettingID: r.setting.DisplayID(),
		EventType: rec.EventType,
		Retriable: retriable,
		Cause:     cause,
	}
}

func (e *Engine) logConflictHappened(ctx context.Context, r *resolution) {
	if !e.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	e.logger.DebugContext(ctx, "Conflict detected", r.logAttrs()...)
}

func (e *Engine) logConflictResolution(ctx context.Context, r *resolution, outcome Outcome, err error) {
	if !e.config.LogConflictResolution {
		return
	}
	args := append(r.logAttrs(), "resolve_type", r.setting.ResolveType, "outcome", outcome)
	if err != nil {
		args = append(args, "error", err)
	}
	e.logger.InfoContext(ctx, "Conflict resolved", args...)
}

func (r *resolution) logAttrs() []any {
	args := []any{
		"conflict_id", r.setting.DisplayID(),
		"batch_id", r.bc.Batch.ID,
		"line", r.bc.LineNumber(),
		"row", r.bc.RowNumber(),
		"table", r.table.FullyQualifiedName(),
		"event_type", r.rec.EventType,
	}
	if len(r.rec.NewValues) > 0 {
		args = append(args, "row_data", rowJSON(r.rec.NewValues))
	}
	if len(r.rec.OldValues) > 0 {
		args = append(args, "old_data", rowJSON(r.rec.OldValues))
	}
	if r.override != nil && len(r.override.Data) > 0 {
		args = append(args, "resolve_data", rowJSON(r.override.Data))
	}
	return args
}

func rowJSON(row Row) string {
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Sprintf("%v", []Column(row))
	}
	return string(b)
}
