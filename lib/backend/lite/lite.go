/*
 * Unified Bot Protocol
 * Copyright (C) 2026  L4DK
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package lite implements the backend interface over SQLite, giving the
// orchestrator a durable single-file state store.
package lite

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"

	"github.com/L4DK/unified-bot-protocol/lib/backend"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key     BLOB PRIMARY KEY,
    value   BLOB NOT NULL,
    expires INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS kv_expires ON kv (expires) WHERE expires != 0;
`

// Config holds sqlite backend options.
type Config struct {
	// Path is the database file. Required.
	Path string
	// BusyTimeout is how long sqlite waits on a locked database.
	BusyTimeout time.Duration
	// Clock overrides the real clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// New opens or creates the database and applies the schema.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	// _busy_timeout takes integer milliseconds
	dsn := cfg.Path + "?_busy_timeout=" + strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10) + "&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// sqlite serializes writers; a single connection avoids database
	// locked errors under concurrency.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &Backend{db: db, clock: cfg.Clock}, nil
}

// Backend is a sqlite-backed backend.Backend implementation.
type Backend struct {
	db    *sql.DB
	clock clockwork.Clock
}

func (b *Backend) now() int64 { return b.clock.Now().UTC().UnixNano() }

func expiresValue(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

// Create implements backend.Backend.
func (b *Backend) Create(ctx context.Context, i backend.Item) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()

	live, err := rowExists(ctx, tx, i.Key, b.now())
	if err != nil {
		return trace.Wrap(err)
	}
	if live {
		return trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv (key, value, expires) VALUES (?, ?, ?)",
		i.Key, i.Value, expiresValue(i.Expires)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

// Put implements backend.Backend.
func (b *Backend) Put(ctx context.Context, i backend.Item) error {
	_, err := b.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv (key, value, expires) VALUES (?, ?, ?)",
		i.Key, i.Value, expiresValue(i.Expires))
	return trace.Wrap(err)
}

// Get implements backend.Backend.
func (b *Backend) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	row := b.db.QueryRowContext(ctx,
		"SELECT value, expires FROM kv WHERE key = ? AND (expires = 0 OR expires > ?)",
		key, b.now())
	var value []byte
	var expires int64
	if err := row.Scan(&value, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("key %q is not found", string(key))
		}
		return nil, trace.Wrap(err)
	}
	return &backend.Item{Key: append([]byte(nil), key...), Value: value, Expires: expiresTime(expires)}, nil
}

// GetRange implements backend.Backend.
func (b *Backend) GetRange(ctx context.Context, startKey, endKey []byte, limit int) ([]backend.Item, error) {
	query := "SELECT key, value, expires FROM kv WHERE key >= ? AND key < ? AND (expires = 0 OR expires > ?) ORDER BY key"
	args := []any{startKey, endKey, b.now()}
	if limit != backend.NoLimit {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var out []backend.Item
	for rows.Next() {
		var item backend.Item
		var expires int64
		if err := rows.Scan(&item.Key, &item.Value, &expires); err != nil {
			return nil, trace.Wrap(err)
		}
		item.Expires = expiresTime(expires)
		out = append(out, item)
	}
	return out, trace.Wrap(rows.Err())
}

// CompareAndSwap implements backend.Backend. The swap runs in a single
// transaction over the backend's only connection, so concurrent callers
// serialize and at most one of them observes the expected value.
func (b *Backend) CompareAndSwap(ctx context.Context, expected, replaceWith backend.Item) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE key = ? AND (expires = 0 OR expires > ?)",
		expected.Key, b.now())
	var current []byte
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return trace.NotFound("key %q is not found", string(expected.Key))
		}
		return trace.Wrap(err)
	}
	if string(current) != string(expected.Value) {
		return trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv (key, value, expires) VALUES (?, ?, ?)",
		replaceWith.Key, replaceWith.Value, expiresValue(replaceWith.Expires)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

// Delete implements backend.Backend.
func (b *Backend) Delete(ctx context.Context, key []byte) error {
	res, err := b.db.ExecContext(ctx,
		"DELETE FROM kv WHERE key = ? AND (expires = 0 OR expires > ?)", key, b.now())
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("key %q is not found", string(key))
	}
	return nil
}

// DeleteRange implements backend.Backend.
func (b *Backend) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	_, err := b.db.ExecContext(ctx,
		"DELETE FROM kv WHERE key >= ? AND key < ?", startKey, endKey)
	return trace.Wrap(err)
}

// Clock implements backend.Backend.
func (b *Backend) Clock() clockwork.Clock { return b.clock }

// Close implements backend.Backend.
func (b *Backend) Close() error { return trace.Wrap(b.db.Close()) }

func rowExists(ctx context.Context, tx *sql.Tx, key []byte, now int64) (bool, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT 1 FROM kv WHERE key = ? AND (expires = 0 OR expires > ?)", key, now)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	return true, nil
}

func expiresTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
