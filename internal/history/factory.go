package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// NewStore picks a backend from databaseURL: empty keeps records in memory,
// postgres:// and postgresql:// use PostgreSQL, sqlite://<path> and file:<path>
// use an embedded SQLite file.
func NewStore(ctx context.Context, databaseURL string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw := strings.TrimSpace(databaseURL)
	lower := strings.ToLower(raw)

	switch {
	case raw == "":
		logger.Info("turn history in memory")
		return NewInMemoryStore(), nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		logger.Info("turn history in postgres")
		return NewPostgresStore(ctx, raw)
	case strings.HasPrefix(lower, "sqlite://"):
		path := raw[len("sqlite://"):]
		logger.Info("turn history in sqlite", slog.String("path", path))
		return NewSQLiteStore(ctx, path)
	case strings.HasPrefix(lower, "file:"):
		path := raw[len("file:"):]
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		logger.Info("turn history in sqlite", slog.String("path", path))
		return NewSQLiteStore(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported history database url %q", databaseURL)
	}
}

func prepare(record *Record) {
	if record.ID == "" {
		record.ID = newID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now()
	}
}
