// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// sourceIsNewer compares the configured timestamp or version column of the incoming
// row against the target's stored value. A missing target value means the source wins;
// a missing source value or a tie means the target wins.
func sourceIsNewer(ctx context.Context, setting ConflictSetting, rec ChangeRecord, w Writer) (bool, error) {
	column := setting.DetectExpression
	if column == "" {
		return false, fmt.Errorf("conflict setting %s: %s requires a detect column", setting.DisplayID(), setting.DetectType)
	}
	existing, err := w.CurrentTargetValue(ctx, w.TargetTable(rec), rec.Keys(), column)
	if err != nil {
		return false, fmt.Errorf("read current %s: %w", column, err)
	}
	loading, _ := rec.NewValues.Get(column)

	switch setting.DetectType {
	case DetectUseTimestamp:
		return isTimestampNewer(loading, existing)
	case DetectUseVersion:
		return isVersionNewer(loading, existing)
	default:
		return false, nil
	}
}

func isTimestampNewer(loading, existing any) (bool, error) {
	if existing == nil {
		return true, nil
	}
	existingTs, err := toTime(existing)
	if err != nil {
		return false, fmt.Errorf("parse target timestamp: %w", err)
	}
	if loading == nil {
		return false, nil
	}
	loadingTs, err := toTime(loading)
	if err != nil {
		return false, fmt.Errorf("parse incoming timestamp: %w", err)
	}
	return loadingTs.After(existingTs), nil
}

func isVersionNewer(loading, existing any) (bool, error) {
	if existing == nil {
		return true, nil
	}
	existingVer, err := toInt64(existing)
	if err != nil {
		return false, fmt.Errorf("parse target version: %w", err)
	}
	if loading == nil {
		return false, nil
	}
	loadingVer, err := toInt64(loading)
	if err != nil {
		return false, fmt.Errorf("parse incoming version: %w", err)
	}
	return loadingVer > existingVer, nil
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return *t, nil
	case []byte:
		return parseTimestamp(string(t))
	case string:
		return parseTimestamp(t)
	case int:
		return time.UnixMilli(int64(t)), nil
	case int32:
		return time.UnixMilli(int64(t)), nil
	case int64:
		return time.UnixMilli(t), nil
	case float64:
		return time.UnixMilli(int64(t)), nil
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return time.UnixMilli(ms), nil
		}
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid numeric timestamp %q", t.String())
		}
		return time.UnixMilli(int64(f)), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("version %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("version %v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(n)), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported version type %T", v)
	}
}
