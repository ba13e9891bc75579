package facematch

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with engine-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// LogIngest logs an ingest operation.
func (l *Logger) LogIngest(ctx context.Context, imageID string, inserted, skipped int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "ingest failed",
			"image_id", imageID,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "ingest completed",
			"image_id", imageID,
			"inserted", inserted,
			"skipped_degenerate", skipped,
		)
	}
}

// LogIngestBatch logs a batch ingest operation.
func (l *Logger) LogIngestBatch(ctx context.Context, images, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, "batch ingest completed with failures",
			"images", images,
			"failed", failed,
		)
	} else {
		l.InfoContext(ctx, "batch ingest completed",
			"images", images,
		)
	}
}

// LogQuery logs a query operation.
func (l *Logger) LogQuery(ctx context.Context, scope string, outcome Outcome, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query failed",
			"scope", scope,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "query completed",
			"scope", scope,
			"outcome", outcome.String(),
			"results", results,
		)
	}
}

// LogDelete logs an image tombstone operation.
func (l *Logger) LogDelete(ctx context.Context, imageID string, tombstoned int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"image_id", imageID,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"image_id", imageID,
			"tombstoned", tombstoned,
		)
	}
}

// LogDeleteUser logs a user tombstone (account deletion) operation.
func (l *Logger) LogDeleteUser(ctx context.Context, ownerUserID string, tombstoned int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "user delete failed",
			"owner_user_id", ownerUserID,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "user delete completed",
			"owner_user_id", ownerUserID,
			"tombstoned", tombstoned,
		)
	}
}

// LogSnapshot logs a snapshot persistence operation.
func (l *Logger) LogSnapshot(ctx context.Context, blob string, records int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"blob", blob,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot saved",
			"blob", blob,
			"records", records,
		)
	}
}

// LogRecovery logs startup recovery from snapshot and WAL.
func (l *Logger) LogRecovery(ctx context.Context, restored, entriesReplayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"restored", restored,
			"entries_replayed", entriesReplayed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "recovery completed",
			"restored", restored,
			"entries_replayed", entriesReplayed,
		)
	}
}

// LogCompaction logs a compaction pass.
func (l *Logger) LogCompaction(ctx context.Context, removed int) {
	l.InfoContext(ctx, "compaction completed",
		"removed", removed,
	)
}
