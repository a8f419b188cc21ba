package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/nexus/internal/state"
)

type storeFactory struct {
	name string
	open func(t *testing.T, dir string) Store
}

func factories() []storeFactory {
	return []storeFactory{
		{"sqlite", func(t *testing.T, dir string) Store {
			s, err := NewSQLiteStore(filepath.Join(dir, "checkpoints.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			return s
		}},
		{"file", func(t *testing.T, dir string) Store {
			s, err := NewFileStore(filepath.Join(dir, "threads"))
			if err != nil {
				t.Fatalf("NewFileStore failed: %v", err)
			}
			return s
		}},
	}
}

func allStores(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t, t.TempDir())
			defer s.Close()
			fn(t, s)
		})
	}
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC)
}

func sampleState(threadID string, rev int64) *state.ExecutionState {
	st := state.New(threadID, "code", at(0))
	st.Revision = rev
	st.Step = rev
	st.UpdatedAt = at(int(rev))
	st.Phase = state.PhaseToolDispatch
	st.Status = state.StatusRunning
	st.Append(state.Turn{Role: state.RoleUser, Content: "create a.txt", CreatedAt: at(1)})
	st.Append(state.Turn{
		Role:      state.RoleAssistant,
		ToolCalls: []state.ToolCall{{ID: "c1", Name: "write_file", Args: map[string]interface{}{"path": "a.txt", "content": "hi"}}},
		CreatedAt: at(2),
	})
	st.Pending = []state.ToolCall{{ID: "c1", Name: "write_file", Args: map[string]interface{}{"path": "a.txt", "content": "hi"}}}
	return st
}

func TestStore_RoundTrip(t *testing.T) {
	allStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		want := sampleState("t1", 1)
		if err := s.Save(ctx, want); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, err := s.Load(ctx, "t1")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if !reflect.DeepEqual(want, got) {
			t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
		}
	})
}

func TestStore_LoadUnknownIsNotFound(t *testing.T) {
	allStores(t, func(t *testing.T, s Store) {
		_, err := s.Load(context.Background(), "never-seen")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_RejectsStaleRevision(t *testing.T) {
	allStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.Save(ctx, sampleState("t1", 2)); !errors.Is(err, ErrStale) {
			t.Errorf("first save must be revision 1, got %v", err)
		}
		if err := s.Save(ctx, sampleState("t1", 1)); err != nil {
			t.Fatalf("Save rev 1: %v", err)
		}
		if err := s.Save(ctx, sampleState("t1", 1)); !errors.Is(err, ErrStale) {
			t.Errorf("replaying rev 1 should be stale, got %v", err)
		}
		if err := s.Save(ctx, sampleState("t1", 3)); !errors.Is(err, ErrStale) {
			t.Errorf("skipping to rev 3 should be stale, got %v", err)
		}
		if err := s.Save(ctx, sampleState("t1", 2)); err != nil {
			t.Errorf("rev 2 should succeed: %v", err)
		}

		got, err := s.Load(ctx, "t1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Revision != 2 {
			t.Errorf("expected committed revision 2, got %d", got.Revision)
		}
	})
}

func TestStore_ConcurrentSavesSameThreadSerialized(t *testing.T) {
	allStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.Save(ctx, sampleState("t1", 1)); err != nil {
			t.Fatal(err)
		}

		const writers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			success int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Save(ctx, sampleState("t1", 2)); err == nil {
					mu.Lock()
					success++
					mu.Unlock()
				} else if !errors.Is(err, ErrStale) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if success != 1 {
			t.Errorf("exactly one successor save should win, got %d", success)
		}
	})
}

func TestStore_DifferentThreadsIndependent(t *testing.T) {
	allStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		ids := []string{"a", "b", "c", "d"}
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				for rev := int64(1); rev <= 5; rev++ {
					if err := s.Save(ctx, sampleState(id, rev)); err != nil {
						t.Errorf("thread %s rev %d: %v", id, rev, err)
						return
					}
				}
			}(id)
		}
		wg.Wait()

		infos, err := s.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(infos) != len(ids) {
			t.Fatalf("expected %d threads, got %d", len(ids), len(infos))
		}
		for _, info := range infos {
			if info.Revision != 5 || info.TurnCount != 2 || info.Phase != state.PhaseToolDispatch {
				t.Errorf("unexpected summary: %+v", info)
			}
		}
	})
}

func TestStore_ReopenAfterCrash(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			s := f.open(t, dir)
			committed := sampleState("t1", 1)
			if err := s.Save(ctx, committed); err != nil {
				t.Fatal(err)
			}
			// simulate the process dying before the next transition
			s.Close()

			reopened := f.open(t, dir)
			defer reopened.Close()
			got, err := reopened.Load(ctx, "t1")
			if err != nil {
				t.Fatalf("Load after reopen: %v", err)
			}
			if !reflect.DeepEqual(committed, got) {
				t.Errorf("state after reopen differs from last checkpoint:\nwant %+v\ngot  %+v", committed, got)
			}
		})
	}
}

func TestFileStore_ListReadsHeaderOnly(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Save(ctx, sampleState("t1", 1)); err != nil {
		t.Fatal(err)
	}

	// damage everything after the header line
	path := filepath.Join(dir, "t1.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range data {
		if b == '\n' {
			data = append(data[:i+1], []byte("{garbage\n")...)
			break
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	infos, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].ThreadID != "t1" {
		t.Errorf("List should still report t1 from its header, got %+v", infos)
	}
	if _, err := s.Load(ctx, "t1"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Load should report corruption, got %v", err)
	}
}

func TestFileStore_IgnoresTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Save(ctx, sampleState("t1", 1)); err != nil {
		t.Fatal(err)
	}
	// half-written temp file left by an interrupted save
	if err := os.WriteFile(filepath.Join(dir, ".t1-123.tmp"), []byte(`{"_type":"hea`), 0644); err != nil {
		t.Fatal(err)
	}

	infos, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Errorf("expected 1 thread, got %d", len(infos))
	}
	if _, err := s.Load(ctx, "t1"); err != nil {
		t.Errorf("Load: %v", err)
	}
}

func TestSQLiteStore_DetectsCorruption(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "c.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Save(ctx, sampleState("t1", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`UPDATE threads SET state = ? WHERE thread_id = ?`, []byte(`{"thread_id":"t1"}`), "t1"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load(ctx, "t1"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestStore_RefusesInvalidState(t *testing.T) {
	s := NewMemoryStore()
	st := sampleState("t1", 1)
	st.Phase = state.PhaseReasoning // pending calls outside dispatch
	if err := s.Save(context.Background(), st); err == nil {
		t.Error("expected invalid state to be refused")
	}
}

func TestThreadIDs(t *testing.T) {
	got := ThreadIDs([]ThreadInfo{{ThreadID: "a"}, {ThreadID: "b"}})
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("unexpected ids: %v", got)
	}
}
