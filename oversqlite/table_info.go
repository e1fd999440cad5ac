// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type tableInfoQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ColumnInfo holds information about a table column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	NotNull      bool
	DefaultValue *string
	pkPosition   int // 1-based position in the primary key, 0 when not a key column
}

// IsBlob returns true if this column should be treated as BLOB data
func (c *ColumnInfo) IsBlob() bool {
	return strings.Contains(strings.ToLower(c.DeclaredType), "blob")
}

// TableInfo holds cached information about a table's structure
type TableInfo struct {
	Table      string
	Columns    []ColumnInfo
	PrimaryKey []string // in key order
	byLower    map[string]int
}

// Column returns the column matched case-insensitively
func (t *TableInfo) Column(name string) (*ColumnInfo, bool) {
	i, ok := t.byLower[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return &t.Columns[i], true
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
func (p *TableInfoProvider) Get(ctx context.Context, queryer tableInfoQueryer, tableName string) (*TableInfo, error) {
	key := strings.ToLower(tableName)

	p.mutex.RLock()
	if info, exists := p.cache[key]; exists {
		p.mutex.RUnlock()
		return info, nil
	}
	p.mutex.RUnlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Double-check in case another goroutine populated it
	if info, exists := p.cache[key]; exists {
		return info, nil
	}

	rows, err := queryer.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(tableName)))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", tableName, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: tableName, byLower: make(map[string]int)}
	var keyCols []ColumnInfo
	for rows.Next() {
		var cid int
		var name, declaredType string
		var notNull, pk int
		var defaultValue sql.NullString

		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}

		var defaultVal *string
		if defaultValue.Valid {
			defaultVal = &defaultValue.String
		}
		column := ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			NotNull:      notNull == 1,
			DefaultValue: defaultVal,
			pkPosition:   pk,
		}
		info.byLower[strings.ToLower(name)] = len(info.Columns)
		info.Columns = append(info.Columns, column)
		if pk > 0 {
			keyCols = append(keyCols, column)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("table %s not found", tableName)
	}
	if len(keyCols) == 0 {
		return nil, fmt.Errorf("table %s has no primary key", tableName)
	}

	sort.Slice(keyCols, func(i, j int) bool { return keyCols[i].pkPosition < keyCols[j].pkPosition })
	for _, c := range keyCols {
		info.PrimaryKey = append(info.PrimaryKey, c.Name)
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

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
