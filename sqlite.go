//go:build sqlite
// +build sqlite

package sqlbatch

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements MetadataStore, KeyScanner and UserIndexer using
// SQLite. Hash fields are rows of a (db, key, field) table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// The database file will be created if it doesn't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hash_fields (
		db INTEGER NOT NULL,
		key TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (db, key, field)
	);

	CREATE TABLE IF NOT EXISTS user_jobs (
		owner TEXT NOT NULL,
		job_id TEXT NOT NULL,
		added_at INTEGER NOT NULL,
		PRIMARY KEY (owner, job_id)
	);

	CREATE INDEX IF NOT EXISTS idx_user_jobs_owner ON user_jobs(owner, added_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// WriteFields upserts every field of the hash at key in one transaction.
func (s *SQLiteStore) WriteFields(ctx context.Context, index int, key string, fields map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for field, value := range fields {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hash_fields (db, key, field, value) VALUES (?, ?, ?, ?)
			ON CONFLICT (db, key, field) DO UPDATE SET value = excluded.value
		`, index, key, field, value)
		if err != nil {
			return fmt.Errorf("failed to write field %s: %w", field, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SwapFields sets fields of the hash at key if field equals expect. The
// conditional UPDATE and the remaining upserts run in one transaction.
func (s *SQLiteStore) SwapFields(ctx context.Context, index int, key, field, expect string, fields map[string]string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	newValue, ok := fields[field]
	if !ok {
		newValue = expect
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE hash_fields SET value = ?
		WHERE db = ? AND key = ? AND field = ? AND value = ?
	`, newValue, index, key, field, expect)
	if err != nil {
		return false, fmt.Errorf("failed to swap field %s: %w", field, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to swap field %s: %w", field, err)
	}
	if affected == 0 {
		return false, nil
	}

	for f, value := range fields {
		if f == field {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hash_fields (db, key, field, value) VALUES (?, ?, ?, ?)
			ON CONFLICT (db, key, field) DO UPDATE SET value = excluded.value
		`, index, key, f, value)
		if err != nil {
			return false, fmt.Errorf("failed to write field %s: %w", f, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ReadFields reads the named fields of the hash at key with one query.
func (s *SQLiteStore) ReadFields(ctx context.Context, index int, key string, names []string) ([]*string, error) {
	values := make([]*string, len(names))
	if len(names) == 0 {
		return values, nil
	}

	args := make([]interface{}, 0, len(names)+2)
	args = append(args, index, key)
	for _, name := range names {
		args = append(args, name)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, value FROM hash_fields
		WHERE db = ? AND key = ? AND field IN (`+placeholdersStr(len(names))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read fields: %w", err)
	}
	defer rows.Close()

	position := make(map[string]int, len(names))
	for i, name := range names {
		position[name] = i
	}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("failed to scan field: %w", err)
		}
		v := value
		values[position[field]] = &v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fields: %w", err)
	}
	return values, nil
}

// ScanKeys returns the distinct hash keys in index starting with prefix.
func (s *SQLiteStore) ScanKeys(ctx context.Context, index int, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT key FROM hash_fields
		WHERE db = ? AND substr(key, 1, ?) = ?
		ORDER BY key
	`, index, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Add records jobID for owner; re-adding is a no-op.
func (s *SQLiteStore) Add(ctx context.Context, owner string, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_jobs (owner, job_id, added_at)
		VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT (owner, job_id) DO NOTHING
	`, owner, jobID)
	if err != nil {
		return fmt.Errorf("failed to index job %s: %w", jobID, err)
	}
	return nil
}

// List returns the job IDs recorded for owner, oldest first.
func (s *SQLiteStore) List(ctx context.Context, owner string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM user_jobs WHERE owner = ? ORDER BY added_at, rowid
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobIDs := make([]string, 0)
	for rows.Next() {
		var jobID string
		if err := rows.Scan(&jobID); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs, rows.Err()
}

func placeholdersStr(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
