package sink

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
)

var tuningPragmas = []string{
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA wal_autocheckpoint=1000;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA mmap_size=268435456;",
}

// applyPragmas runs the tuning pragmas and logs each result. Failures are
// logged and otherwise ignored.
func applyPragmas(ctx context.Context, db *sql.DB) {
	for _, pragma := range tuningPragmas {
		if value, err := applyPragma(ctx, db, pragma); err != nil {
			slog.Warn("sink: pragma failed", "pragma", pragma, "err", err)
		} else {
			slog.Info("sink: pragma applied", "pragma", pragma, "value", value)
		}
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	row := db.QueryRowContext(ctx, pragma)
	var value any
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}
