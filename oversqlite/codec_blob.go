// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func isHexStringValue(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func tryDecodeBase64Exact(s string) ([]byte, bool) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	// Avoid treating arbitrary strings as base64: ensure round-trip equality.
	if base64.StdEncoding.EncodeToString(decoded) != s {
		return nil, false
	}
	return decoded, true
}

// decodeBlobBytesFromString accepts a UUID, base64 or hex rendering of a BLOB value
func decodeBlobBytesFromString(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}

	if parsed, err := uuid.Parse(s); err == nil {
		b := parsed[:]
		return b, nil
	}

	if decoded, ok := tryDecodeBase64Exact(s); ok {
		return decoded, nil
	}

	hs := strings.TrimSpace(s)
	if len(hs)%2 == 0 && isHexStringValue(hs) {
		decoded, err := hex.DecodeString(hs)
		if err == nil {
			return decoded, nil
		}
	}

	return nil, fmt.Errorf("invalid blob encoding")
}

// sqliteValue converts a row value for binding to col
func sqliteValue(col *ColumnInfo, v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		if f, err := t.Float64(); err == nil {
			return f, nil
		}
		return t.String(), nil
	case string:
		if col.IsBlob() {
			b, err := decodeBlobBytesFromString(t)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col.Name, err)
			}
			return b, nil
		}
		return t, nil
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		return string(b), nil
	default:
		return v, nil
	}
}
