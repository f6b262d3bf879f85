// Package pg is the managed-mode Resolver backing: Postgres via
// jackc/pgx/v5, schema-migrated with golang-migrate, mirroring the
// teacher's internal/store/pg managed-deployment path.
package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Resolver is a sessionresolve.Resolver backed by Postgres.
type Resolver struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies pending migrations before returning.
func Open(ctx context.Context, dsn string) (*Resolver, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pg pool: %w", err)
	}
	return &Resolver{pool: pool}, nil
}

func (r *Resolver) Close() error {
	r.pool.Close()
	return nil
}

func (r *Resolver) Resolve(ctx context.Context, botID, groupID, userID string, key int) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM sessions WHERE bot_id=$1 AND group_id=$2 AND user_id=$3 AND session_key=$4 AND status='active'`,
		botID, groupID, userID, key,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("resolve session: %w", err)
	}

	id = uuid.NewString()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO sessions (id, bot_id, group_id, user_id, session_key, status) VALUES ($1, $2, $3, $4, $5, 'active')`,
		id, botID, groupID, userID, key,
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (r *Resolver) ResetSelf(ctx context.Context, botID, groupID, userID string, key int) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("reset self: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET status='archived' WHERE bot_id=$1 AND group_id=$2 AND user_id=$3 AND session_key=$4 AND status='active'`,
		botID, groupID, userID, key,
	); err != nil {
		return "", fmt.Errorf("archive session: %w", err)
	}

	id := uuid.NewString()
	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions (id, bot_id, group_id, user_id, session_key, status) VALUES ($1, $2, $3, $4, $5, 'active')`,
		id, botID, groupID, userID, key,
	); err != nil {
		return "", fmt.Errorf("create fresh session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("reset self: commit: %w", err)
	}
	return id, nil
}

func (r *Resolver) ResetAll(ctx context.Context, botID, groupID string) (users, archived, failed int, err error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT user_id, session_key FROM sessions WHERE bot_id=$1 AND group_id=$2 AND status='active'`,
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
		_, err := r.pool.Exec(ctx, `DELETE FROM group_models WHERE bot_id=$1 AND group_id=$2`, botID, groupID)
		if err != nil {
			return fmt.Errorf("clear model override: %w", err)
		}
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO group_models (bot_id, group_id, model) VALUES ($1, $2, $3)
		 ON CONFLICT (bot_id, group_id) DO UPDATE SET model=excluded.model`,
		botID, groupID, model,
	)
	if err != nil {
		return fmt.Errorf("set model override: %w", err)
	}
	return nil
}

func (r *Resolver) ModelOverride(ctx context.Context, botID, groupID string) (string, error) {
	var model string
	err := r.pool.QueryRow(ctx, `SELECT model FROM group_models WHERE bot_id=$1 AND group_id=$2`, botID, groupID).Scan(&model)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read model override: %w", err)
	}
	return model, nil
}
