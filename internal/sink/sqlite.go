// Package sink stores annotated chat messages in SQLite.
package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/gnasty-emotes/internal/core"
	"github.com/you/gnasty-emotes/internal/httpapi"
)

const schema = `CREATE TABLE IF NOT EXISTS messages (
  id TEXT NOT NULL,
  ts TEXT NOT NULL,
  channel TEXT NOT NULL,
  username TEXT NOT NULL,
  text TEXT NOT NULL,
  emote_tag TEXT NOT NULL DEFAULT '',
  emotes_json TEXT NOT NULL DEFAULT '[]',
  badges_json TEXT NOT NULL DEFAULT '[]',
  colour TEXT NOT NULL DEFAULT '',
  backfill INTEGER NOT NULL DEFAULT 0,
  raw_line TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (channel, id)
);
CREATE INDEX IF NOT EXISTS messages_channel_ts ON messages (channel, ts);`

const insertQuery = `INSERT INTO messages (id, ts, channel, username, text, emote_tag, emotes_json, badges_json, colour, backfill, raw_line)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(channel, id) DO NOTHING;`

const selectColumns = "id, ts, channel, username, text, emote_tag, emotes_json, badges_json, colour, backfill, raw_line"

const defaultListLimit = 100

type SQLiteOptions struct {
	// Tuning applies extra performance pragmas on open.
	Tuning bool
}

type SQLiteSink struct {
	db *sql.DB
}

func OpenSQLite(path string, opts SQLiteOptions) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if opts.Tuning {
		applyPragmas(context.Background(), db)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

// Write inserts msg. Duplicate ids within a channel are ignored.
func (s *SQLiteSink) Write(msg core.ChatMessage) error {
	args, err := insertArgs(msg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(insertQuery, args...)
	return errors.Wrap(err, "insert message")
}

// WriteBatch inserts msgs in one transaction.
func (s *SQLiteSink) WriteBatch(msgs []core.ChatMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin batch")
	}
	stmt, err := tx.Prepare(insertQuery)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	for _, msg := range msgs {
		args, err := insertArgs(msg)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.Exec(args...); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "insert message %s", msg.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit batch")
}

func insertArgs(msg core.ChatMessage) ([]any, error) {
	emotes, err := json.Marshal(nonNil(msg.Emotes))
	if err != nil {
		return nil, errors.Wrap(err, "encode emotes")
	}
	badges, err := json.Marshal(nonNil(msg.Badges))
	if err != nil {
		return nil, errors.Wrap(err, "encode badges")
	}
	backfill := 0
	if msg.Backfill {
		backfill = 1
	}
	ts := msg.Ts.UTC().Format(time.RFC3339Nano)
	return []any{msg.ID, ts, strings.ToLower(msg.Channel), msg.Username, msg.Text, msg.EmoteTag,
		string(emotes), string(badges), msg.Colour, backfill, msg.RawLine}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (s *SQLiteSink) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteSink) String() string {
	return fmt.Sprintf("SQLiteSink{%p}", s.db)
}

func (s *SQLiteSink) CountMessages(ctx context.Context, filters httpapi.Filters) (int64, error) {
	query, args := buildMessageQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *SQLiteSink) ListMessages(ctx context.Context, filters httpapi.Filters) ([]core.ChatMessage, error) {
	query, args := buildMessageQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	var out []core.ChatMessage
	for rows.Next() {
		var (
			msg            core.ChatMessage
			ts             string
			emotes, badges string
			backfill       int
		)
		if err := rows.Scan(&msg.ID, &ts, &msg.Channel, &msg.Username, &msg.Text, &msg.EmoteTag,
			&emotes, &badges, &msg.Colour, &backfill, &msg.RawLine); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.Ts = t
		}
		if err := json.Unmarshal([]byte(emotes), &msg.Emotes); err != nil {
			return nil, errors.Wrapf(err, "decode emotes of %s", msg.ID)
		}
		if err := json.Unmarshal([]byte(badges), &msg.Badges); err != nil {
			return nil, errors.Wrapf(err, "decode badges of %s", msg.ID)
		}
		msg.Backfill = backfill != 0
		out = append(out, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}

func buildMessageQuery(filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM messages")
	} else {
		builder.WriteString("SELECT " + selectColumns + " FROM messages")
	}

	var (
		conditions []string
		args       []any
	)

	if len(filters.Channels) > 0 {
		placeholders := make([]string, 0, len(filters.Channels))
		for _, ch := range filters.Channels {
			placeholders = append(placeholders, "?")
			args = append(args, ch)
		}
		conditions = append(conditions, fmt.Sprintf("channel IN (%s)", strings.Join(placeholders, ",")))
	}

	if len(filters.Usernames) > 0 {
		ors := make([]string, 0, len(filters.Usernames))
		for _, u := range filters.Usernames {
			ors = append(ors, "LOWER(username) LIKE '%' || ? || '%'")
			args = append(args, u)
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if filters.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filters.Since.UTC().Format(time.RFC3339Nano))
	}

	if filters.Backfill != nil {
		conditions = append(conditions, "backfill = ?")
		if *filters.Backfill {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Order == httpapi.OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY ts ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}
