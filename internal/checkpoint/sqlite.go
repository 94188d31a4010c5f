package checkpoint

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteJournal implements Journal using SQLite
type SQLiteJournal struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteJournal opens (or creates) the restore journal at dbPath
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A few attempts per print never needs a large pool
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	journal := &SQLiteJournal{db: db}
	if err := journal.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return journal, nil
}

func (j *SQLiteJournal) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS restore_attempts (
		id TEXT PRIMARY KEY,
		replay_id TEXT,
		file_name TEXT NOT NULL,
		file_pos INTEGER NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_restore_attempts_created_at ON restore_attempts(created_at);
	`

	_, err := j.db.Exec(query)
	return err
}

// RecordAttempt stores one restore attempt with retry on busy
func (j *SQLiteJournal) RecordAttempt(attempt *Attempt) error {
	if j.closed {
		return fmt.Errorf("journal is closed")
	}

	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	// Serialize writes to avoid SQLITE_BUSY from concurrent writers
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	return j.retryOnBusy(func() error {
		return j.insertAttempt(attempt)
	})
}

func (j *SQLiteJournal) insertAttempt(attempt *Attempt) error {
	query := `
	INSERT INTO restore_attempts
	(id, replay_id, file_name, file_pos, status, reason, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := j.db.Exec(query,
		attempt.ID,
		nullString(attempt.ReplayID),
		attempt.FileName,
		attempt.FilePos,
		string(attempt.Status),
		nullString(attempt.Reason),
		attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the most recent attempts, newest first
func (j *SQLiteJournal) ListAttempts(limit int) ([]*Attempt, error) {
	if j.closed {
		return nil, fmt.Errorf("journal is closed")
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
	SELECT id, replay_id, file_name, file_pos, status, reason, created_at
	FROM restore_attempts
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?
	`

	rows, err := j.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*Attempt

	for rows.Next() {
		var attempt Attempt
		var replayID, reason sql.NullString
		var status string

		err := rows.Scan(
			&attempt.ID,
			&replayID,
			&attempt.FileName,
			&attempt.FilePos,
			&status,
			&reason,
			&attempt.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		attempt.Status = AttemptStatus(status)
		if replayID.Valid {
			attempt.ReplayID = replayID.String
		}
		if reason.Valid {
			attempt.Reason = reason.String
		}

		attempts = append(attempts, &attempt)
	}

	return attempts, rows.Err()
}

// retryOnBusy retries the operation if SQLite is busy
func (j *SQLiteJournal) retryOnBusy(operation func() error) error {
	maxRetries := 5
	baseDelay := 20 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}
		time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
	}

	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Close closes the database connection
func (j *SQLiteJournal) Close() error {
	j.closed = true
	return j.db.Close()
}
