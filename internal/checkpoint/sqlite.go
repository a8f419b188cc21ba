package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vinayprograms/nexus/internal/state"
)

// SQLiteStore keeps one row per thread in a SQLite database. Every save is
// a single transaction, so readers observe either the old or the new row.
type SQLiteStore struct {
	db    *sql.DB
	locks threadLocks
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// init creates the database schema.
func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL,
		revision INTEGER NOT NULL,
		commit_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		status TEXT NOT NULL,
		turn_count INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		checksum TEXT NOT NULL,
		state BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save commits a snapshot inside a transaction after checking it succeeds
// the stored revision.
func (s *SQLiteStore) Save(ctx context.Context, st *state.ExecutionState) error {
	rec, err := encode(st)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(st.ThreadID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var committed int64
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT revision FROM threads WHERE thread_id = ?`, st.ThreadID).Scan(&committed)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("failed to read revision: %w", err)
	}
	if err := checkSuccessor(st.ThreadID, committed, exists, st.Revision); err != nil {
		return err
	}

	info := rec.info
	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (thread_id, schema_version, revision, commit_id, phase, status, turn_count, created_at, updated_at, checksum, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			revision = excluded.revision,
			commit_id = excluded.commit_id,
			phase = excluded.phase,
			status = excluded.status,
			turn_count = excluded.turn_count,
			updated_at = excluded.updated_at,
			checksum = excluded.checksum,
			state = excluded.state
	`, info.ThreadID, info.SchemaVersion, info.Revision, info.CommitID, string(info.Phase), string(info.Status),
		info.TurnCount, formatTime(info.CreatedAt), formatTime(info.UpdatedAt), rec.checksum, rec.payload)
	if err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}

	return tx.Commit()
}

// Load returns the committed snapshot for a thread.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*state.ExecutionState, error) {
	var (
		rec       record
		phase     string
		status    string
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, schema_version, revision, commit_id, phase, status, turn_count, created_at, updated_at, checksum, state
		FROM threads WHERE thread_id = ?
	`, threadID).Scan(&rec.info.ThreadID, &rec.info.SchemaVersion, &rec.info.Revision, &rec.info.CommitID,
		&phase, &status, &rec.info.TurnCount, &createdAt, &updatedAt, &rec.checksum, &rec.payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	return decode(&rec)
}

// List returns thread summaries from the metadata columns only.
func (s *SQLiteStore) List(ctx context.Context) ([]ThreadInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, schema_version, revision, commit_id, phase, status, turn_count, created_at, updated_at
		FROM threads ORDER BY updated_at DESC, thread_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var infos []ThreadInfo
	for rows.Next() {
		var (
			info                 ThreadInfo
			phase, status        string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&info.ThreadID, &info.SchemaVersion, &info.Revision, &info.CommitID,
			&phase, &status, &info.TurnCount, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		info.Phase = state.Phase(phase)
		info.Status = state.Status(status)
		info.CreatedAt = parseTime(createdAt)
		info.UpdatedAt = parseTime(updatedAt)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
