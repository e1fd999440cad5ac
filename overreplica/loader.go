// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// RowFailure describes the row at which a batch stopped
type RowFailure struct {
	RowNumber  int64        `json:"row_number"`
	LineNumber int64        `json:"line_number"`
	Table      Table        `json:"table"`
	EventType  EventType    `json:"event_type"`
	Record     ChangeRecord `json:"record"`
	Err        error        `json:"-"`
}

// LoadResult is the outcome of applying one batch
type LoadResult struct {
	Batch    Batch              `json:"batch"`
	Stats    StatisticsSnapshot `json:"stats"`
	Applied  int                `json:"applied"`  // plain writes that succeeded
	Resolved int                `json:"resolved"` // conflicts the engine resolved
	Skipped  int                `json:"skipped"`
	Aborted  bool               `json:"aborted"`
	Failure  *RowFailure        `json:"failure,omitempty"`
}

// BatchLoader drives a Writer through a batch, handing conflicting rows to the Engine.
// It never commits or rolls back; the caller owns the transaction.
type BatchLoader struct {
	engine *Engine
	logger *slog.Logger

	// PreResolve applies an operator override before the plain write of its row
	PreResolve bool
}

// NewBatchLoader creates a loader on top of an engine
func NewBatchLoader(engine *Engine, logger *slog.Logger) *BatchLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchLoader{engine: engine, logger: logger}
}

// Engine returns the engine conflicts are handed to
func (l *BatchLoader) Engine() *Engine { return l.engine }

// Load applies records in order. On AbortBatch or RowConflict it stops and returns the
// result together with the error; the failing row is described in LoadResult.Failure.
func (l *BatchLoader) Load(ctx context.Context, batch Batch, records []ChangeRecord, w Writer, resolutions *ResolutionStore) (*LoadResult, error) {
	return l.LoadWithContext(ctx, NewBatchContext(batch, resolutions), records, w)
}

// LoadWithContext is Load with caller-owned batch state
func (l *BatchLoader) LoadWithContext(ctx context.Context, bc *BatchContext, records []ChangeRecord, w Writer) (*LoadResult, error) {
	ctx, span := l.engine.tracer.Start(ctx, "BatchLoader.Load", trace.WithAttributes(
		attribute.Int64("replica.batch_id", bc.Batch.ID),
		attribute.String("replica.channel", bc.Batch.Channel),
		attribute.Int("replica.records", len(records)),
	))
	defer span.End()
	start := l.engine.timingStart()

	res := &LoadResult{Batch: bc.Batch}
	err := l.load(ctx, bc, records, w, res)
	res.Stats = bc.Stats.Snapshot()

	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, ErrAbortBatch) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	l.engine.observe(ctx, ResolutionTiming{
		Operation: MetricsOpLoad,
		Count:     len(records),
		Error:     err != nil,
	}, start)

	l.logger.Debug("Batch loaded",
		"batch_id", bc.Batch.ID,
		"channel", bc.Batch.Channel,
		"applied", res.Applied,
		"resolved", res.Resolved,
		"skipped", res.Skipped,
		"aborted", res.Aborted,
		"fallback_insert_count", res.Stats.FallbackInsertCount,
		"fallback_update_count", res.Stats.FallbackUpdateCount,
		"missing_delete_count", res.Stats.MissingDeleteCount,
		"ignore_count", res.Stats.IgnoreCount,
	)
	return res, err
}

func (l *BatchLoader) load(ctx context.Context, bc *BatchContext, records []ChangeRecord, w Writer, res *LoadResult) error {
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		bc.Stats.RowCount.Add(1)
		bc.Stats.LineNumber.Add(1)
		bc.Cause = nil

		if l.PreResolve {
			if rd, ok := bc.Resolutions.Lookup(bc.RowNumber()); ok {
				if rd.IgnoreRow {
					bc.Stats.IgnoreCount.Add(1)
					res.Skipped++
					continue
				}
				if _, err := l.engine.ApplyOverride(ctx, rec, bc, w, rd); err != nil {
					return l.fail(bc, rec, res, err)
				}
				res.Resolved++
				continue
			}
		}

		status, werr := plainWrite(ctx, w, rec)
		if werr == nil && status == LoadSuccess {
			res.Applied++
			continue
		}
		bc.Cause = werr

		outcome, err := l.engine.Resolve(ctx, rec, bc, w)
		if err != nil {
			return l.fail(bc, rec, res, err)
		}
		switch outcome {
		case OutcomeRowSkipped:
			res.Skipped++
		default:
			res.Resolved++
		}
	}
	return nil
}

func (l *BatchLoader) fail(bc *BatchContext, rec ChangeRecord, res *LoadResult, err error) error {
	res.Aborted = errors.Is(err, ErrAbortBatch)
	res.Failure = &RowFailure{
		RowNumber:  bc.RowNumber(),
		LineNumber: bc.LineNumber(),
		Table:      rec.Table,
		EventType:  rec.EventType,
		Record:     rec,
		Err:        err,
	}
	if res.Aborted {
		l.logger.Info("Batch aborted by conflict policy", "batch_id", bc.Batch.ID, "row", bc.RowNumber(), "table", rec.Table.FullyQualifiedName())
	} else {
		l.logger.Warn("Batch stopped on row conflict", "batch_id", bc.Batch.ID, "row", bc.RowNumber(), "table", rec.Table.FullyQualifiedName(), "error", err)
	}
	return err
}

// plainWrite is the first, non-corrective write of a record
func plainWrite(ctx context.Context, w Writer, rec ChangeRecord) (LoadStatus, error) {
	switch rec.EventType {
	case EventInsert:
		return w.Insert(ctx, rec)
	case EventUpdate:
		return w.Update(ctx, rec, false, true)
	case EventDelete:
		return w.Delete(ctx, rec, false)
	default:
		return LoadConflict, fmt.Errorf("unsupported event type %q", rec.EventType)
	}
}

// BatchJob is one independent batch for LoadConcurrently. Each job owns its Writer.
type BatchJob struct {
	Batch       Batch
	Records     []ChangeRecord
	Writer      Writer
	Resolutions *ResolutionStore
}

// LoadConcurrently applies independent batches with at most limit in flight (limit <= 0 means no limit).
// Row conflicts and aborts are reported per job in the results; any other error cancels the rest.
func (l *BatchLoader) LoadConcurrently(ctx context.Context, jobs []BatchJob, limit int) ([]*LoadResult, error) {
	results := make([]*LoadResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, job := range jobs {
		g.Go(func() error {
			res, err := l.Load(gctx, job.Batch, job.Records, job.Writer, job.Resolutions)
			results[i] = res
			if err != nil && !errors.Is(err, ErrAbortBatch) && !IsRowConflict(err) {
				return fmt.Errorf("batch %d: %w", job.Batch.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
