// Package sqlite is the standalone-mode Resolver backing: a single
// local file, no cgo (modernc.org/sqlite), mirroring the teacher's
// internal/store/file session store used when no managed database is
// configured.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	session_key INTEGER NOT NULL,
	status TEXT NOT NULL, -- 'active' | 'archived'
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_scope ON sessions(bot_id, group_id, user_id, session_key, status);
CREATE INDEX IF NOT EXISTS idx_sessions_group_users ON sessions(bot_id, group_id, status);

CREATE TABLE IF NOT EXISTS group_models (
	bot_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	model TEXT NOT NULL,
	PRIMARY KEY (bot_id, group_id)
);
`

// Resolver is a sessionresolve.Resolver backed by a local SQLite file.
type Resolver struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path and
// ensures the schema exists.
func Open(path string) (*Resolver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite session store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite session schema: %w", err)
	}
	return &Resolver{db: db}, nil
}

func (r *Resolver) Close() error { return r.db.Close() }

func (r *Resolver) Resolve(ctx context.Context, botID, groupID, userID string, key int) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE bot_id=? AND group_id=? AND user_id=? AND session_key=? AND status='active'`,
		botID, groupID, userID, key,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("resolve session: %w", err)
	}

	id = uuid.NewString()
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, bot_id, group_id, user_id, session_key, status, created_at) VALUES (?, ?, ?, ?, ?, 'active', strftime('%s','now'))`,
		id, botID, groupID, userID, key,
	); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (r *Resolver) ResetSelf(ctx context.Context, botID, groupID, userID string, key int) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("reset self: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status='archived' WHERE bot_id=? AND group_id=? AND user_id=? AND session_key=? AND status='active'`,
		botID, groupID, userID, key,
	); err != nil {
		return "", fmt.Errorf("archive session: %w", err)
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, bot_id, group_id, user_id, session_key, status, created_at) VALUES (?, ?, ?, ?, ?, 'active', strftime('%s','now'))`,
		id, botID, groupID, userID, key,
	); err != nil {
		return "", fmt.Errorf("create fresh session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("reset self: commit: %w", err)
	}
	return id, nil
}

func (r *Resolver) ResetAll(ctx context.Context, botID, groupID string) (users, archived, failed int, err error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT user_id, session_key FROM sessions WHERE bot_id=? AND group_id=? AND status='active'`,
		botID, groupID,
	)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("reset all: list active sessions: %w", err)
	}
	type scope struct {
		userID string
		key    int
	}
	var scopes []scope
	for rows.Next() {
		var s scope
		if err := rows.Scan(&s.userID, &s.key); err != nil {
			rows.Close()
			return 0, 0, 0, fmt.Errorf("reset all: scan: %w", err)
		}
		scopes = append(scopes, s)
	}
	rows.Close()

	for _, s := range scopes {
		users++
		if _, rerr := r.ResetSelf(ctx, botID, groupID, s.userID, s.key); rerr != nil {
			failed++
			continue
		}
		archived++
	}
	return users, archived, failed, nil
}

func (r *Resolver) SetModelOverride(ctx context.Context, botID, groupID, model string) error {
	if model == "" {
		_, err := r.db.ExecContext(ctx, `DELETE FROM group_models WHERE bot_id=? AND group_id=?`, botID, groupID)
		if err != nil {
			return fmt.Errorf("clear model override: %w", err)
		}
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO group_models (bot_id, group_id, model) VALUES (?, ?, ?)
		 ON CONFLICT(bot_id, group_id) DO UPDATE SET model=excluded.model`,
		botID, groupID, model,
	)
	if err != nil {
		return fmt.Errorf("set model override: %w", err)
	}
	return nil
}

func (r *Resolver) ModelOverride(ctx context.Context, botID, groupID string) (string, error) {
	var model string
	err := r.db.QueryRowContext(ctx, `SELECT model FROM group_models WHERE bot_id=? AND group_id=?`, botID, groupID).Scan(&model)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read model override: %w", err)
	}
	return model, nil
}
