// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overpg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-overreplica/overreplica"
)

// ServiceConfig holds configuration for the replica service
type ServiceConfig struct {
	MaxRetries   int                       // Whole-batch retries on serialization failures and deadlocks
	RetryBackoff time.Duration             // Base backoff between retries, doubled each attempt
	PreResolve   bool                      // Apply operator overrides before the plain write
	Engine       *overreplica.EngineConfig // Engine flags; nil uses defaults
}

// ReplicaService applies incoming batches to PostgreSQL and keeps the operator bookkeeping
// (conflict settings, failed rows and their overrides, per-batch counters) in the replica schema.
type ReplicaService struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	registry *overreplica.SettingsRegistry
	engine   *overreplica.Engine
	loader   *overreplica.BatchLoader
	tables   *TableInfoProvider

	mu     sync.RWMutex
	closed bool
}

// NewReplicaService creates a service from an existing pool, bootstraps the replica
// schema and loads the conflict settings
func NewReplicaService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*ReplicaService, error) {
	if config == nil {
		config = &ServiceConfig{}
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 20 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := overreplica.NewSettingsRegistry(nil, nil)
	engine := overreplica.NewEngine(registry, config.Engine, logger)
	loader := overreplica.NewBatchLoader(engine, logger)
	loader.PreResolve = config.PreResolve

	s := &ReplicaService{
		pool:     pool,
		logger:   logger,
		config:   config,
		registry: registry,
		engine:   engine,
		loader:   loader,
		tables:   NewTableInfoProvider(),
	}

	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	}); err != nil {
		logger.Error("Failed to initialize replica schema", "error", err)
		return nil, fmt.Errorf("failed to initialize replica service: %w", err)
	}
	logger.Debug("Replica schema initialized successfully")

	if _, err := s.ReloadConflictSettings(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close marks the service closed. It does NOT close the pool.
func (s *ReplicaService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Replica service shutdown complete")
	return nil
}

func (s *ReplicaService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("replica service has been closed")
	}
	return nil
}

// Pool returns the underlying database connection pool
func (s *ReplicaService) Pool() *pgxpool.Pool { return s.pool }

// Registry returns the in-memory conflict settings registry
func (s *ReplicaService) Registry() *overreplica.SettingsRegistry { return s.registry }

// ApplyBatch applies records in one transaction. On a row conflict or a policy abort the
// transaction is rolled back, the failing row is recorded in replica.incoming_error, and
// the returned error matches overreplica.ErrAbortBatch or carries a *overreplica.RowConflictError.
// Serialization failures and deadlocks retry the whole batch.
func (s *ReplicaService) ApplyBatch(ctx context.Context, batch overreplica.Batch, records []overreplica.ChangeRecord) (*overreplica.LoadResult, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var (
		res *overreplica.LoadResult
		err error
	)
	for attempt := 0; ; attempt++ {
		res, err = s.applyBatchOnce(ctx, batch, records)
		if err == nil || !isRetryablePGTxError(err) || attempt+1 >= s.config.MaxRetries {
			break
		}
		s.logger.Warn("Retrying batch after transient failure", "batch_id", batch.ID, "attempt", attempt+1, "error", err)
		if serr := sleepWithContext(ctx, s.config.RetryBackoff<<attempt); serr != nil {
			return res, serr
		}
	}

	if err != nil && res != nil && res.Failure != nil {
		if rerr := s.recordFailure(ctx, batch, res); rerr != nil {
			s.logger.Warn("Failed to record incoming error", "batch_id", batch.ID, "error", rerr)
		}
	}
	return res, err
}

func (s *ReplicaService) applyBatchOnce(ctx context.Context, batch overreplica.Batch, records []overreplica.ChangeRecord) (*overreplica.LoadResult, error) {
	resolutions, err := s.LoadResolutions(ctx, batch)
	if err != nil {
		return nil, err
	}

	var res *overreplica.LoadResult
	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		w := NewWriter(tx, s.tables, s.logger)
		var lerr error
		res, lerr = s.loader.Load(ctx, batch, records, w, resolutions)
		if lerr != nil {
			return lerr
		}
		if err := upsertIncomingBatch(ctx, tx, batch, res, "OK"); err != nil {
			return err
		}
		// overrides have been consumed
		if _, err := tx.Exec(ctx, `
			DELETE FROM replica.incoming_error
			WHERE batch_id = @batch_id AND source_node_id = @source_node_id`,
			pgx.NamedArgs{"batch_id": batch.ID, "source_node_id": batch.SourceNodeID}); err != nil {
			return fmt.Errorf("clear incoming errors: %w", err)
		}
		return nil
	})
	return res, err
}

// recordFailure stores the failing row and the batch status outside the rolled-back transaction
func (s *ReplicaService) recordFailure(ctx context.Context, batch overreplica.Batch, res *overreplica.LoadResult) error {
	status := "ER"
	if res.Aborted {
		status = "AB"
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := recordIncomingError(ctx, tx, batch, res.Failure, res.Aborted); err != nil {
			return err
		}
		return upsertIncomingBatch(ctx, tx, batch, res, status)
	})
}

func upsertIncomingBatch(ctx context.Context, tx pgx.Tx, batch overreplica.Batch, res *overreplica.LoadResult, status string) error {
	var failedRow *int64
	if res.Failure != nil {
		failedRow = &res.Failure.RowNumber
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO replica.incoming_batch (
			batch_id, source_node_id, channel, status, row_count,
			fallback_insert_count, fallback_update_count, missing_delete_count, ignore_count,
			failed_row_number, last_update_time)
		VALUES (@batch_id, @source_node_id, @channel, @status, @row_count,
			@fallback_insert_count, @fallback_update_count, @missing_delete_count, @ignore_count,
			@failed_row_number, now())
		ON CONFLICT (batch_id, source_node_id) DO UPDATE SET
			channel = EXCLUDED.channel,
			status = EXCLUDED.status,
			row_count = EXCLUDED.row_count,
			fallback_insert_count = EXCLUDED.fallback_insert_count,
			fallback_update_count = EXCLUDED.fallback_update_count,
			missing_delete_count = EXCLUDED.missing_delete_count,
			ignore_count = EXCLUDED.ignore_count,
			failed_row_number = EXCLUDED.failed_row_number,
			last_update_time = now()`,
		pgx.NamedArgs{
			"batch_id":              batch.ID,
			"source_node_id":        batch.SourceNodeID,
			"channel":               batch.Channel,
			"status":                status,
			"row_count":             res.Stats.RowCount,
			"fallback_insert_count": res.Stats.FallbackInsertCount,
			"fallback_update_count": res.Stats.FallbackUpdateCount,
			"missing_delete_count":  res.Stats.MissingDeleteCount,
			"ignore_count":          res.Stats.IgnoreCount,
			"failed_row_number":     failedRow,
		})
	if err != nil {
		return fmt.Errorf("record batch status: %w", err)
	}
	return nil
}

// GetIncomingBatch returns the recorded outcome of a batch
func (s *ReplicaService) GetIncomingBatch(ctx context.Context, batchID int64, sourceNodeID string) (*IncomingBatchEntity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, source_node_id, channel, status, row_count,
		       fallback_insert_count, fallback_update_count, missing_delete_count, ignore_count,
		       failed_row_number, last_update_time
		FROM replica.incoming_batch
		WHERE batch_id = @batch_id AND source_node_id = @source_node_id`,
		pgx.NamedArgs{"batch_id": batchID, "source_node_id": sourceNodeID})
	if err != nil {
		return nil, fmt.Errorf("get incoming batch: %w", err)
	}
	b, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[IncomingBatchEntity])
	if err != nil {
		return nil, fmt.Errorf("get incoming batch: %w", err)
	}
	return b, nil
}
