// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the replica bookkeeping tables within an existing transaction
func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS replica`,

		// 1) Conflict policies, reloaded into the in-memory registry
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS replica.conflict_setting (
			conflict_id          TEXT        PRIMARY KEY,
			target_table         TEXT,
			target_channel       TEXT,
			detect_type          TEXT        NOT NULL CHECK (detect_type IN ('USE_PK_DATA','USE_TIMESTAMP','USE_VERSION')),
			detect_expression    TEXT,
			resolve_type         TEXT        NOT NULL CHECK (resolve_type IN ('FALLBACK','NEWER_WINS','IGNORE','MANUAL')),
			resolve_row_only     BOOLEAN     NOT NULL DEFAULT FALSE,
			resolve_changes_only BOOLEAN     NOT NULL DEFAULT FALSE,
			is_default           BOOLEAN     NOT NULL DEFAULT FALSE,
			create_time          TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_update_time     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conflict_setting_default_idx ON replica.conflict_setting(is_default) WHERE is_default`,

		// 2) Rows that stopped a batch; operators attach resolve_data / resolve_ignore here
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS replica.incoming_error (
			batch_id           BIGINT      NOT NULL,
			source_node_id     TEXT        NOT NULL,
			failed_row_number  BIGINT      NOT NULL,
			failed_line_number BIGINT      NOT NULL,
			target_table       TEXT        NOT NULL,
			event_type         TEXT        NOT NULL CHECK (event_type IN ('INSERT','UPDATE','DELETE')),
			conflict_id        TEXT,
			aborted            BOOLEAN     NOT NULL DEFAULT FALSE,
			row_data           JSON,
			old_data           JSON,
			pk_data            JSON,
			error_message      TEXT        NOT NULL,
			resolve_data       JSON,
			resolve_ignore     BOOLEAN     NOT NULL DEFAULT FALSE,
			create_time        TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_update_time   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (batch_id, source_node_id, failed_row_number)
		)`,
		`CREATE INDEX IF NOT EXISTS incoming_error_time_idx ON replica.incoming_error(create_time DESC)`,

		// 3) Per-batch outcome and resolution counters
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS replica.incoming_batch (
			batch_id              BIGINT      NOT NULL,
			source_node_id        TEXT        NOT NULL,
			channel               TEXT        NOT NULL DEFAULT '',
			status                TEXT        NOT NULL CHECK (status IN ('OK','ER','AB')),
			row_count             BIGINT      NOT NULL DEFAULT 0,
			fallback_insert_count BIGINT      NOT NULL DEFAULT 0,
			fallback_update_count BIGINT      NOT NULL DEFAULT 0,
			missing_delete_count  BIGINT      NOT NULL DEFAULT 0,
			ignore_count          BIGINT      NOT NULL DEFAULT 0,
			failed_row_number     BIGINT,
			last_update_time      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (batch_id, source_node_id)
		)`,
	}

	for i, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("replica schema migration %d failed: %w", i, err)
		}
	}
	return nil
}

// InitializeSchema creates the replica schema in its own transaction
func InitializeSchema(ctx context.Context, db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}) error {
	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	})
}
