// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mobiletoly/go-overreplica/overreplica"
)

// Replica applies batches to a SQLite database
type Replica struct {
	DB     *sql.DB
	loader *overreplica.BatchLoader
	tables *TableInfoProvider
	logger *slog.Logger
}

// NewReplica creates a replica on db. The engine carries the conflict settings.
func NewReplica(db *sql.DB, engine *overreplica.Engine, logger *slog.Logger) *Replica {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replica{
		DB:     db,
		loader: overreplica.NewBatchLoader(engine, logger),
		tables: NewTableInfoProvider(),
		logger: logger,
	}
}

// Loader exposes the batch loader, e.g. to enable PreResolve
func (r *Replica) Loader() *overreplica.BatchLoader { return r.loader }

// ClearTableCache drops cached table metadata; call after schema changes
func (r *Replica) ClearTableCache() { r.tables.ClearCache() }

// ApplyBatch applies records in one transaction: committed when every row was applied
// or resolved, rolled back on a row conflict, a policy abort or any other error.
func (r *Replica) ApplyBatch(ctx context.Context, batch overreplica.Batch, records []overreplica.ChangeRecord, resolutions *overreplica.ResolutionStore) (res *overreplica.LoadResult, err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.logger.Warn("Failed to roll back batch", "batch_id", batch.ID, "error", rbErr)
			}
		}
	}()

	w := NewWriter(tx, r.tables, r.logger)
	res, err = r.loader.Load(ctx, batch, records, w, resolutions)
	if err != nil {
		return res, err
	}
	if err = tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit batch %d: %w", batch.ID, err)
	}
	return res, nil
}
