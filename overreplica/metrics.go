// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

import (
	"context"
	"time"
)

const (
	MetricsOpResolve = "resolve"
	MetricsOpLoad    = "load"
)

// ResolutionTiming describes one engine or loader call
type ResolutionTiming struct {
	Operation   string
	Table       string
	EventType   EventType
	ResolveType ResolveType
	Outcome     Outcome
	Duration    time.Duration
	Count       int
	Error       bool
}

type ResolutionMetricsRecorder interface {
	ObserveResolution(ctx context.Context, timing ResolutionTiming)
}

type ResolutionMetricsRecorderFunc func(ctx context.Context, timing ResolutionTiming)

func (f ResolutionMetricsRecorderFunc) ObserveResolution(ctx context.Context, timing ResolutionTiming) {
	f(ctx, timing)
}

func (e *Engine) timingEnabled() bool {
	if e == nil || e.config == nil {
		return false
	}
	return e.config.Metrics != nil || e.config.LogTimings
}

func (e *Engine) timingStart() time.Time {
	if !e.timingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (e *Engine) observe(ctx context.Context, timing ResolutionTiming, start time.Time) {
	if start.IsZero() || e == nil || e.config == nil {
		return
	}
	timing.Duration = time.Since(start)

	if e.config.Metrics != nil {
		e.config.Metrics.ObserveResolution(ctx, timing)
	}
	if e.config.LogTimings && e.logger != nil {
		e.logger.Debug("Resolution timing",
			"op", timing.Operation,
			"table", timing.Table,
			"event_type", timing.EventType,
			"resolve_type", timing.ResolveType,
			"outcome", timing.Outcome,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
