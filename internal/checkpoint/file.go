package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vinayprograms/nexus/internal/state"
)

// Record types for JSONL lines.
const (
	RecordTypeHeader = "header"
	RecordTypeTurn   = "turn"
	RecordTypeState  = "state"
)

// JSONLRecord is a wrapper for JSONL lines with type discrimination.
type JSONLRecord struct {
	RecordType string `json:"_type"` // header, turn, state

	// Header fields (when _type == "header")
	Info     *ThreadInfo `json:"info,omitempty"`
	Checksum string      `json:"checksum,omitempty"` // blake3 of every line after the header

	// Turn fields (when _type == "turn")
	Turn *state.Turn `json:"turn,omitempty"`

	// State fields (when _type == "state"), turns omitted
	State *state.ExecutionState `json:"state,omitempty"`
}

// FileStore keeps one JSONL file per thread. The first line is a header with
// the thread summary, so listing never reads the turn history. Saves write a
// temp file and rename it over the previous one, holding a per-thread lock
// file so processes sharing the directory see each other's revisions.
type FileStore struct {
	dir   string
	locks threadLocks
}

// NewFileStore creates a file-based store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(threadID string) string {
	return filepath.Join(s.dir, threadID+".jsonl")
}

// Save writes the snapshot atomically.
func (s *FileStore) Save(ctx context.Context, st *state.ExecutionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := encode(st)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(st.ThreadID)
	defer unlock()
	unlockFile, err := s.lockFile(st.ThreadID)
	if err != nil {
		return err
	}
	defer unlockFile()

	committed, err := s.readHeader(st.ThreadID)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	var rev int64
	if exists {
		rev = committed.Info.Revision
	}
	if err := checkSuccessor(st.ThreadID, rev, exists, st.Revision); err != nil {
		return err
	}

	body, err := encodeBody(st)
	if err != nil {
		return err
	}
	info := rec.info
	header, err := json.Marshal(JSONLRecord{RecordType: RecordTypeHeader, Info: &info, Checksum: checksum(body)})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+st.ThreadID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	w := bufio.NewWriter(tmp)
	w.Write(header)
	w.WriteByte('\n')
	w.Write(body)
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path(st.ThreadID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func encodeBody(st *state.ExecutionState) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range st.Turns {
		if err := enc.Encode(JSONLRecord{RecordType: RecordTypeTurn, Turn: &st.Turns[i]}); err != nil {
			return nil, fmt.Errorf("failed to encode turn: %w", err)
		}
	}
	rest := *st
	rest.Turns = nil
	if err := enc.Encode(JSONLRecord{RecordType: RecordTypeState, State: &rest}); err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return buf.Bytes(), nil
}

// Load reads and verifies a thread file.
func (s *FileStore) Load(ctx context.Context, threadID string) (*state.ExecutionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(threadID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return nil, fmt.Errorf("%w: thread %s has no header", ErrCorrupt, threadID)
	}
	var header JSONLRecord
	if err := json.Unmarshal(data[:nl], &header); err != nil || header.RecordType != RecordTypeHeader || header.Info == nil {
		return nil, fmt.Errorf("%w: thread %s header unreadable", ErrCorrupt, threadID)
	}
	body := data[nl+1:]
	if checksum(body) != header.Checksum {
		return nil, fmt.Errorf("%w: thread %s checksum mismatch", ErrCorrupt, threadID)
	}
	if header.Info.SchemaVersion > state.SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, header.Info.SchemaVersion)
	}

	var (
		turns []state.Turn
		st    *state.ExecutionState
	)
	reader := bufio.NewReader(bytes.NewReader(body))
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var rec JSONLRecord
			if uerr := json.Unmarshal(line, &rec); uerr != nil {
				return nil, fmt.Errorf("%w: thread %s: %v", ErrCorrupt, threadID, uerr)
			}
			switch rec.RecordType {
			case RecordTypeTurn:
				if rec.Turn != nil {
					turns = append(turns, *rec.Turn)
				}
			case RecordTypeState:
				st = rec.State
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint: %w", err)
		}
	}
	if st == nil {
		return nil, fmt.Errorf("%w: thread %s has no state record", ErrCorrupt, threadID)
	}
	st.Turns = turns
	return st, nil
}

// List reads only the header line of each thread file.
func (s *FileStore) List(ctx context.Context) ([]ThreadInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	var infos []ThreadInfo
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		header, err := s.readHeader(strings.TrimSuffix(name, ".jsonl"))
		if err != nil {
			continue // skip unreadable files; Load reports them
		}
		infos = append(infos, *header.Info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].ThreadID < infos[j].ThreadID
	})
	return infos, nil
}

func (s *FileStore) readHeader(threadID string) (*JSONLRecord, error) {
	f, err := os.Open(s.path(threadID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	var header JSONLRecord
	if err := json.Unmarshal(line, &header); err != nil || header.Info == nil {
		return nil, fmt.Errorf("%w: thread %s header unreadable", ErrCorrupt, threadID)
	}
	return &header, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
