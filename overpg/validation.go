// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overpg

import (
	"fmt"

	"github.com/mobiletoly/go-overreplica/overreplica"
)

// MaxBatchRecords caps the records accepted in one POST /replica/batches
const MaxBatchRecords = 10000

// maxIdentifierLength is PostgreSQL's NAMEDATALEN-1
const maxIdentifierLength = 63

// Validate checks the batch envelope and every record before anything is written
func (r *ApplyBatchRequest) Validate() error {
	if r.Batch.ID <= 0 {
		return fmt.Errorf("batch_id must be positive")
	}
	if len(r.Records) == 0 {
		return fmt.Errorf("records are required")
	}
	if len(r.Records) > MaxBatchRecords {
		return fmt.Errorf("too many records: %d (max %d)", len(r.Records), MaxBatchRecords)
	}
	for i, rec := range r.Records {
		if err := validateRecord(rec); err != nil {
			return fmt.Errorf("records[%d]: %w", i, err)
		}
	}
	return nil
}

func validateRecord(rec overreplica.ChangeRecord) error {
	if rec.Table.Schema != "" && !isValidIdentifier(rec.Table.Schema) {
		return fmt.Errorf("invalid schema name %q", rec.Table.Schema)
	}
	if !isValidIdentifier(rec.Table.Name) {
		return fmt.Errorf("invalid table name %q", rec.Table.Name)
	}

	if !rec.EventType.Valid() {
		return fmt.Errorf("invalid event_type %q", rec.EventType)
	}
	if rec.EventType == overreplica.EventDelete {
		if len(rec.KeyValues) == 0 && len(rec.OldValues) == 0 {
			return fmt.Errorf("DELETE requires key_values or old_values")
		}
	} else if len(rec.NewValues) == 0 {
		return fmt.Errorf("%s requires new_values", rec.EventType)
	}

	for _, row := range []overreplica.Row{rec.NewValues, rec.OldValues, rec.KeyValues} {
		for _, c := range row {
			if !isValidIdentifier(c.Name) {
				return fmt.Errorf("invalid column name %q", c.Name)
			}
		}
	}
	return nil
}

// isValidIdentifier checks name matches ^[A-Za-z_][A-Za-z0-9_]*$ within the identifier length limit
func isValidIdentifier(name string) bool {
	if len(name) == 0 || len(name) > maxIdentifierLength {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
