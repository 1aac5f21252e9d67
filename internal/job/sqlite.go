package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	_ "modernc.org/sqlite"
)

// scanPageSize bounds how many ids Scan reads per query.
const scanPageSize = 100

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS job_fields (
			job_id TEXT NOT NULL,
			name   TEXT NOT NULL,
			value  TEXT NOT NULL,
			PRIMARY KEY (job_id, name)
		);
		CREATE TABLE IF NOT EXISTS submissions (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id     TEXT NOT NULL,
			input      TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS scalars (
			name  TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fields Fields) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update job %s: begin: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for name, value := range fields {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_fields (job_id, name, value) VALUES (?, ?, ?)
			ON CONFLICT (job_id, name) DO UPDATE SET value = excluded.value
		`, id, name, value)
		if err != nil {
			return fmt.Errorf("update job %s field %s: %w", id, name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update job %s: commit: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) GetField(ctx context.Context, id, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM job_fields WHERE job_id = ? AND name = ?`, id, name,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get job %s field %s: %w", id, name, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, id string) (Fields, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM job_fields WHERE job_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	defer rows.Close()

	f := Fields{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan job %s field: %w", id, err)
		}
		f[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job %s fields: %w", id, err)
	}
	return f, nil
}

// Scan pages through job ids by keyset, so no cursor stays open while the
// caller writes to the store between yields.
func (s *SQLiteStore) Scan(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		after := ""
		for {
			page, err := s.scanPage(ctx, prefix, after)
			if err != nil {
				yield("", err)
				return
			}
			for _, id := range page {
				if !yield(id, nil) {
					return
				}
			}
			if len(page) < scanPageSize {
				return
			}
			after = page[len(page)-1]
		}
	}
}

func (s *SQLiteStore) scanPage(ctx context.Context, prefix, after string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT job_id FROM job_fields
		WHERE job_id > ? AND substr(job_id, 1, ?) = ?
		ORDER BY job_id
		LIMIT ?
	`, after, len(prefix), prefix, scanPageSize)
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job ids: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) PushSubmission(ctx context.Context, sub Submission) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (job_id, input, created_at) VALUES (?, ?, ?)`,
		sub.ID, sub.InputRef, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("push submission %s: %w", sub.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DequeueSubmission(ctx context.Context) (*Submission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dequeue submission: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq int64
	sub := &Submission{}
	err = tx.QueryRowContext(ctx,
		`SELECT seq, job_id, input FROM submissions ORDER BY seq LIMIT 1`,
	).Scan(&seq, &sub.ID, &sub.InputRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue submission: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE seq = ?`, seq); err != nil {
		return nil, fmt.Errorf("dequeue submission %s: %w", sub.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeue submission: commit: %w", err)
	}
	return sub, nil
}

func (s *SQLiteStore) GetScalar(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM scalars WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get scalar %s: %w", name, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetScalar(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scalars (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value
	`, name, value)
	if err != nil {
		return fmt.Errorf("set scalar %s: %w", name, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
