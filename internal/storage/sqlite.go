package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "mutebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (DeadlineStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; SetIfLater relies on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, now: cfg.clock(), log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// SetIfLater is a single guarded upsert followed by a read of the winner,
// both inside one transaction.
func (s *sqliteStore) SetIfLater(ctx context.Context, userID int64, candidate time.Time) (time.Time, error) {
	cand := ceilUnix(candidate)
	sentinel := farPast(s.now()).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("set deadline: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if cand > sentinel {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO mutes(user_id, until) VALUES(?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET until = excluded.until
			 WHERE excluded.until > mutes.until`,
			userID, cand,
		)
		if err != nil {
			return time.Time{}, fmt.Errorf("set deadline: %w", err)
		}
	}

	var until int64
	err = tx.QueryRowContext(ctx, `SELECT until FROM mutes WHERE user_id = ?`, userID).Scan(&until)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		until = sentinel
	case err != nil:
		return time.Time{}, fmt.Errorf("set deadline: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("set deadline: %w", err)
	}
	return unixUTC(until), nil
}

func (s *sqliteStore) Get(ctx context.Context, userID int64) (time.Time, bool) {
	var until int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM mutes WHERE user_id = ?`, userID).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false
	}
	if err != nil {
		s.log.Debug("deadline read failed", logx.Int64("user_id", userID), logx.Err(err))
		return time.Time{}, false
	}
	return unixUTC(until), true
}

func (s *sqliteStore) Delete(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mutes WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete deadline: %w", err)
	}
	return nil
}

func (s *sqliteStore) DeleteIf(ctx context.Context, userID int64, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutes WHERE user_id = ? AND until = ?`, userID, until.Unix())
	if err != nil {
		return false, fmt.Errorf("delete deadline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete deadline: %w", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) ListKeys(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM mutes`)
	if err != nil {
		return nil, fmt.Errorf("list deadlines: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, 16)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list deadlines: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deadlines: %w", err)
	}
	return ids, nil
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
