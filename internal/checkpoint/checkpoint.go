// Package checkpoint provides durable, versioned snapshots of thread execution state.
package checkpoint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/vinayprograms/nexus/internal/state"
)

var (
	// ErrNotFound is returned by Load for a thread that was never saved.
	ErrNotFound = errors.New("checkpoint: thread not found")
	// ErrStale is returned by Save when the snapshot is not the successor of
	// the last committed revision.
	ErrStale = errors.New("checkpoint: stale revision")
	// ErrCorrupt is returned when a stored record fails its checksum or cannot be decoded.
	ErrCorrupt = errors.New("checkpoint: corrupt record")
	// ErrUnsupportedSchema is returned for records written by a newer schema.
	ErrUnsupportedSchema = errors.New("checkpoint: unsupported schema version")
)

// Store persists one record per thread.
type Store interface {
	// Save atomically replaces the thread's snapshot. st.Revision must be
	// exactly one more than the committed revision (1 for a new thread).
	Save(ctx context.Context, st *state.ExecutionState) error
	// Load returns the last committed snapshot or ErrNotFound.
	Load(ctx context.Context, threadID string) (*state.ExecutionState, error)
	// List returns summaries of all threads, newest first, without decoding state.
	List(ctx context.Context) ([]ThreadInfo, error)
	Close() error
}

// ThreadInfo summarizes a thread from record metadata only.
type ThreadInfo struct {
	ThreadID      string       `json:"thread_id" yaml:"thread_id"`
	SchemaVersion int          `json:"schema_version" yaml:"schema_version"`
	Revision      int64        `json:"revision" yaml:"revision"`
	CommitID      string       `json:"commit_id" yaml:"commit_id"`
	Phase         state.Phase  `json:"phase" yaml:"phase"`
	Status        state.Status `json:"status" yaml:"status"`
	TurnCount     int          `json:"turn_count" yaml:"turn_count"`
	CreatedAt     time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" yaml:"updated_at"`
}

// ThreadIDs extracts the ids from a listing.
func ThreadIDs(infos []ThreadInfo) []string {
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ThreadID
	}
	return ids
}

// record is the storage-neutral form of one committed snapshot.
type record struct {
	info     ThreadInfo
	checksum string
	payload  []byte
}

func encode(st *state.ExecutionState) (*record, error) {
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint: refusing invalid state: %w", err)
	}
	if st.SchemaVersion == 0 {
		st.SchemaVersion = state.SchemaVersion
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode: %w", err)
	}
	return &record{
		info: ThreadInfo{
			ThreadID:      st.ThreadID,
			SchemaVersion: st.SchemaVersion,
			Revision:      st.Revision,
			CommitID:      ulid.Make().String(),
			Phase:         st.Phase,
			Status:        st.Status,
			TurnCount:     len(st.Turns),
			CreatedAt:     st.CreatedAt,
			UpdatedAt:     st.UpdatedAt,
		},
		checksum: checksum(payload),
		payload:  payload,
	}, nil
}

func decode(rec *record) (*state.ExecutionState, error) {
	if checksum(rec.payload) != rec.checksum {
		return nil, fmt.Errorf("%w: thread %s checksum mismatch", ErrCorrupt, rec.info.ThreadID)
	}
	if rec.info.SchemaVersion > state.SchemaVersion {
		return nil, fmt.Errorf("%w: %d (this build reads up to %d)", ErrUnsupportedSchema, rec.info.SchemaVersion, state.SchemaVersion)
	}
	payload, err := migrate(rec.info.SchemaVersion, rec.payload)
	if err != nil {
		return nil, err
	}
	var st state.ExecutionState
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("%w: thread %s: %v", ErrCorrupt, rec.info.ThreadID, err)
	}
	return &st, nil
}

// migrate upgrades older payloads to the current schema.
func migrate(version int, payload []byte) ([]byte, error) {
	switch version {
	case state.SchemaVersion:
		return payload, nil
	default:
		return nil, fmt.Errorf("%w: no migration from version %d", ErrUnsupportedSchema, version)
	}
}

func checksum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// checkSuccessor enforces the no-stale-overwrite rule.
func checkSuccessor(threadID string, committed int64, exists bool, next int64) error {
	if !exists {
		committed = 0
	}
	if next != committed+1 {
		return fmt.Errorf("%w: thread %s has revision %d, got %d", ErrStale, threadID, committed, next)
	}
	return nil
}

// threadLocks serializes saves per thread while letting threads proceed independently.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *threadLocks) lock(threadID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[threadID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[threadID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
