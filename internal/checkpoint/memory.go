package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vinayprograms/nexus/internal/state"
)

// MemoryStore holds encoded records in memory. It follows the same
// successor and checksum rules as the durable stores.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
	locks   threadLocks
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*record)}
}

// Save stores an encoded copy of st.
func (s *MemoryStore) Save(ctx context.Context, st *state.ExecutionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := encode(st)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(st.ThreadID)
	defer unlock()

	s.mu.RLock()
	prev, exists := s.records[st.ThreadID]
	s.mu.RUnlock()
	var rev int64
	if exists {
		rev = prev.info.Revision
	}
	if err := checkSuccessor(st.ThreadID, rev, exists, st.Revision); err != nil {
		return err
	}

	s.mu.Lock()
	s.records[st.ThreadID] = rec
	s.mu.Unlock()
	return nil
}

// Load decodes the stored copy.
func (s *MemoryStore) Load(ctx context.Context, threadID string) (*state.ExecutionState, error) {
	s.mu.RLock()
	rec, ok := s.records[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	return decode(rec)
}

// List returns summaries, newest first.
func (s *MemoryStore) List(ctx context.Context) ([]ThreadInfo, error) {
	s.mu.RLock()
	infos := make([]ThreadInfo, 0, len(s.records))
	for _, rec := range s.records {
		infos = append(infos, rec.info)
	}
	s.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].ThreadID < infos[j].ThreadID
	})
	return infos, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
