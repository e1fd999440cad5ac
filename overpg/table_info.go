// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overpg

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/mobiletoly/go-overreplica/overreplica"
)

type tableInfoQueryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ColumnInfo holds information about a target table column
type ColumnInfo struct {
	Name     string
	DataType string
	Nullable bool
}

// TableInfo holds cached information about a target table's structure
type TableInfo struct {
	Schema     string
	Table      string
	Columns    []ColumnInfo
	PrimaryKey []string // in key order
	byLower    map[string]string
}

// Column returns the declared name of a column matched case-insensitively
func (t *TableInfo) Column(name string) (string, bool) {
	n, ok := t.byLower[strings.ToLower(name)]
	return n, ok
}

// TableInfoProvider manages cached table information
type TableInfoProvider struct {
	cache map[string]*TableInfo
	mutex sync.RWMutex
}

// NewTableInfoProvider creates a new TableInfoProvider
func NewTableInfoProvider() *TableInfoProvider {
	return &TableInfoProvider{
		cache: make(map[string]*TableInfo),
	}
}

// Get retrieves table information, using cache when available
func (p *TableInfoProvider) Get(ctx context.Context, q tableInfoQueryer, table overreplica.Table) (*TableInfo, error) {
	schema := table.Schema
	if schema == "" {
		schema = "public"
	}
	key := strings.ToLower(schema + "." + table.Name)

	p.mutex.RLock()
	if info, exists := p.cache[key]; exists {
		p.mutex.RUnlock()
		return info, nil
	}
	p.mutex.RUnlock()

	info, err := loadTableInfo(ctx, q, schema, table.Name)
	if err != nil {
		return nil, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if existing, exists := p.cache[key]; exists {
		return existing, nil
	}
	p.cache[key] = info
	return info, nil
}

// ClearCache clears the table info cache
func (p *TableInfoProvider) ClearCache() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.cache = make(map[string]*TableInfo)
}

func loadTableInfo(ctx context.Context, q tableInfoQueryer, schema, table string) (*TableInfo, error) {
	rows, err := q.Query(ctx, `
		SELECT column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = @schema AND table_name = @table
		ORDER BY ordinal_position`,
		pgx.NamedArgs{"schema": schema, "table": table})
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s.%s: %w", schema, table, err)
	}
	columns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ColumnInfo, error) {
		var c ColumnInfo
		err := row.Scan(&c.Name, &c.DataType, &c.Nullable)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan column info: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", schema, table)
	}

	rows, err = q.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = (quote_ident(@schema) || '.' || quote_ident(@table))::regclass
		  AND i.indisprimary
		ORDER BY array_position(i.indkey::int2[], a.attnum)`,
		pgx.NamedArgs{"schema": schema, "table": table})
	if err != nil {
		return nil, fmt.Errorf("failed to get primary key for %s.%s: %w", schema, table, err)
	}
	pk, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan primary key: %w", err)
	}
	if len(pk) == 0 {
		return nil, fmt.Errorf("table %s.%s has no primary key", schema, table)
	}

	info := &TableInfo{
		Schema:     schema,
		Table:      table,
		Columns:    columns,
		PrimaryKey: pk,
		byLower:    make(map[string]string, len(columns)),
	}
	for _, c := range columns {
		info.byLower[strings.ToLower(c.Name)] = c.Name
	}
	return info, nil
}
