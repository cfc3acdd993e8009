package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is the structured tier.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pending_actions (
			id TEXT PRIMARY KEY,
			action_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_actions(created_at)`,
	}
	for _, s := range stmts {
		if _, err := b.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Put(a Action) error {
	_, err := b.db.Exec(`INSERT INTO pending_actions (id, action_type, payload, created_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET action_type=excluded.action_type, payload=excluded.payload,
			created_at=excluded.created_at, attempts=excluded.attempts, last_error=excluded.last_error`,
		a.ID, a.Type, []byte(a.Payload), a.Timestamp.UnixNano(), a.Attempts, a.LastError)
	return err
}

func (b *SQLiteBackend) Get(id string) (Action, error) {
	row := b.db.QueryRow(`SELECT id, action_type, payload, created_at, attempts, last_error
		FROM pending_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, ErrNotFound
	}
	return a, err
}

func (b *SQLiteBackend) Delete(id string) error {
	_, err := b.db.Exec(`DELETE FROM pending_actions WHERE id = ?`, id)
	return err
}

func (b *SQLiteBackend) List() ([]Action, error) {
	rows, err := b.db.Query(`SELECT id, action_type, payload, created_at, attempts, last_error
		FROM pending_actions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(s scanner) (Action, error) {
	var (
		a       Action
		payload []byte
		created int64
	)
	if err := s.Scan(&a.ID, &a.Type, &payload, &created, &a.Attempts, &a.LastError); err != nil {
		return Action{}, err
	}
	a.Payload = payload
	a.Timestamp = time.Unix(0, created).UTC()
	return a, nil
}
