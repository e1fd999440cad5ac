// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Column is a single column name/value pair of a Row
type Column struct {
	Name  string
	Value any
}

// Row is an ordered mapping of column name to value.
// Name lookups are case-insensitive; JSON encoding keeps the column order.
type Row []Column

// Get returns the value of the named column
func (r Row) Get(name string) (any, bool) {
	for _, c := range r {
		if strings.EqualFold(c.Name, name) {
			return c.Value, true
		}
	}
	return nil, false
}

// Names returns column names in order
func (r Row) Names() []string {
	names := make([]string, len(r))
	for i, c := range r {
		names[i] = c.Name
	}
	return names
}

// Clone returns a shallow copy that can be modified independently
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// MarshalJSON encodes the row as a JSON object with columns in order
func (r Row) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(c.Value)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the key order.
// Numbers are decoded as json.Number so large integers survive.
func (r *Row) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("row must be a JSON object")
	}
	out := Row{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected row key %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("column %s: %w", name, err)
		}
		out = append(out, Column{Name: name, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = out
	return nil
}

// Table identifies a table at the source or target
type Table struct {
	Catalog string `json:"catalog,omitempty" yaml:"catalog,omitempty"`
	Schema  string `json:"schema,omitempty" yaml:"schema,omitempty"`
	Name    string `json:"name" yaml:"name"`
}

// FullyQualifiedName joins the non-empty catalog, schema and name with dots
func (t Table) FullyQualifiedName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{t.Catalog, t.Schema, t.Name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

func (t Table) String() string { return t.FullyQualifiedName() }

// ParseTable splits "catalog.schema.name", "schema.name" or "name"
func ParseTable(s string) Table {
	parts := strings.Split(s, ".")
	switch len(parts) {
	case 1:
		return Table{Name: parts[0]}
	case 2:
		return Table{Schema: parts[0], Name: parts[1]}
	default:
		n := len(parts)
		return Table{Catalog: strings.Join(parts[:n-2], "."), Schema: parts[n-2], Name: parts[n-1]}
	}
}

// ChangeRecord is one captured row mutation.
// Records are treated as immutable; derived copies are produced with the With* helpers.
type ChangeRecord struct {
	Table     Table     `json:"table"`
	EventType EventType `json:"event_type"`
	NewValues Row       `json:"new_values,omitempty"` // absent for DELETE
	OldValues Row       `json:"old_values,omitempty"` // present only with column-level capture
	KeyValues Row       `json:"key_values,omitempty"` // absent for plain INSERT
}

// WithoutOldValues returns a copy of the record with OldValues stripped
func (c ChangeRecord) WithoutOldValues() ChangeRecord {
	c.OldValues = nil
	c.NewValues = c.NewValues.Clone()
	c.KeyValues = c.KeyValues.Clone()
	return c
}

// WithNewValues returns a copy of the record carrying replacement row content
func (c ChangeRecord) WithNewValues(row Row) ChangeRecord {
	c.NewValues = row.Clone()
	c.OldValues = c.OldValues.Clone()
	c.KeyValues = c.KeyValues.Clone()
	return c
}

// Keys returns the key values, falling back to the new row for plain inserts.
// Writers select primary-key columns from whatever row they are handed.
func (c ChangeRecord) Keys() Row {
	if len(c.KeyValues) > 0 {
		return c.KeyValues
	}
	if len(c.NewValues) > 0 {
		return c.NewValues
	}
	return c.OldValues
}

// Batch identifies an ordered group of change records from one source node
type Batch struct {
	ID           int64  `json:"batch_id"`
	SourceNodeID string `json:"source_node_id"`
	Channel      string `json:"channel"`
}
