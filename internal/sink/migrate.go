package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
)

// schemaVersion is stored in PRAGMA user_version once migrate succeeds.
const schemaVersion = 2

// addedColumns were introduced after the first release of the messages table.
var addedColumns = []struct {
	name string
	ddl  string
}{
	{"emote_tag", `ALTER TABLE messages ADD COLUMN emote_tag TEXT NOT NULL DEFAULT '';`},
	{"colour", `ALTER TABLE messages ADD COLUMN colour TEXT NOT NULL DEFAULT '';`},
	{"backfill", `ALTER TABLE messages ADD COLUMN backfill INTEGER NOT NULL DEFAULT 0;`},
	{"raw_line", `ALTER TABLE messages ADD COLUMN raw_line TEXT NOT NULL DEFAULT '';`},
}

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrate upgrades an existing messages table in place: missing columns are
// added and NULL JSON columns are normalized. It is a no-op on databases
// already at schemaVersion.
func migrate(ctx context.Context, db *sql.DB) error {
	version, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return errors.Wrap(err, "sqlite: user_version")
	}
	slog.Info("sink: sqlite", "path", sqlitePath(ctx, db), "user_version", version)
	if version >= schemaVersion {
		return nil
	}

	columns, err := sqliteTableInfo(ctx, db, "messages")
	if err != nil {
		return errors.Wrap(err, "sqlite: describe messages")
	}

	for _, col := range addedColumns {
		if _, ok := columns[col.name]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return errors.Wrapf(err, "sqlite: add %s column", col.name)
		}
		slog.Info("sink: sqlite added column", "column", col.name)
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE messages SET emotes_json='[]' WHERE emotes_json IS NULL;`, "emotes_json"},
		{`UPDATE messages SET badges_json='[]' WHERE badges_json IS NULL;`, "badges_json"},
	}
	for _, step := range normalize {
		res, err := db.ExecContext(ctx, step.query)
		if err != nil {
			return errors.Wrapf(err, "sqlite: normalize %s", step.label)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			slog.Info("sink: sqlite normalized nulls", "column", step.label, "rows", n)
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return errors.Wrap(err, "sqlite: set user_version")
	}
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(name, "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v)
	return v, err
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(name)] = sqliteColumn{
			Name:        name,
			Type:        colType,
			NotNull:     notNull == 1,
			DefaultText: defaultVal.String,
		}
	}
	return out, rows.Err()
}
