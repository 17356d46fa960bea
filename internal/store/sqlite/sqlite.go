// Package sqlite stores team state in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
	"github.com/DoyleJ11/team-progress-backend/internal/store"
)

const schema = `CREATE TABLE IF NOT EXISTS team_progress (
	team_id    TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	state      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

type Store struct {
	sqlDB *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Save(ctx context.Context, teamID string, state engine.State, version int64) error {
	data, err := store.EncodeState(state)
	if err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO team_progress (team_id, version, state, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (team_id) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			updated_at = excluded.updated_at
		WHERE team_progress.version <= excluded.version`,
		teamID, version, data, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert team %s: %w", teamID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert team %s: %w", teamID, err)
	}
	if n == 0 {
		return store.ErrVersionConflict
	}
	return nil
}

func (s *Store) Load(ctx context.Context, teamID string) (engine.State, error) {
	var (
		version int64
		data    []byte
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT version, state FROM team_progress WHERE team_id = ?`, teamID,
	).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.State{}, store.ErrNotFound
	}
	if err != nil {
		return engine.State{}, fmt.Errorf("select team %s: %w", teamID, err)
	}
	return store.DecodeState(data, version)
}
