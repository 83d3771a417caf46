// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package audit

import (
	"context"
	"log/slog"
)

// SlogWriter writes entries as structured log records. It is the writer
// used when no database is configured.
type SlogWriter struct {
	logger *slog.Logger
}

// NewSlogWriter creates a SlogWriter. A nil logger uses slog.Default.
func NewSlogWriter(logger *slog.Logger) *SlogWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogWriter{logger: logger.With("component", "audit")}
}

// WriteSync implements Writer.
func (w *SlogWriter) WriteSync(ctx context.Context, entry Entry) error {
	w.logger.LogAttrs(ctx, levelFor(entry), "policy evaluation", attrs(entry)...)
	return nil
}

// WriteAsync implements Writer.
func (w *SlogWriter) WriteAsync(entry Entry) error {
	return w.WriteSync(context.Background(), entry)
}

// Close implements Writer.
func (w *SlogWriter) Close() error {
	return nil
}

func levelFor(entry Entry) slog.Level {
	switch {
	case entry.Faulted:
		return slog.LevelWarn
	case entry.Allowed:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func attrs(entry Entry) []slog.Attr {
	return []slog.Attr{
		slog.String("entry_id", entry.ID),
		slog.String("registry", entry.Registry),
		slog.String("stage", entry.Stage),
		slog.String("operator", entry.Operator),
		slog.Bool("allowed", entry.Allowed),
		slog.Bool("faulted", entry.Faulted),
		slog.Any("reasons", entry.Reasons),
		slog.Any("policy_ids", entry.PolicyIDs),
		slog.Int64("duration_us", entry.DurationUS),
	}
}
