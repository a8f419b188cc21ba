//go:build unix

package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// Two FileStores on one directory stand in for two processes: they share no
// in-memory locks, only the files.
func TestFileStore_SharedDirectorySerializesSaves(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := a.Save(ctx, sampleState("t1", 1)); err != nil {
		t.Fatal(err)
	}

	for rev := int64(2); rev <= 20; rev++ {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			success int
		)
		for _, s := range []*FileStore{a, b, a, b} {
			wg.Add(1)
			go func(s *FileStore) {
				defer wg.Done()
				err := s.Save(ctx, sampleState("t1", rev))
				switch {
				case err == nil:
					mu.Lock()
					success++
					mu.Unlock()
				case !errors.Is(err, ErrStale):
					t.Errorf("unexpected error: %v", err)
				}
			}(s)
		}
		wg.Wait()
		if success != 1 {
			t.Fatalf("revision %d: exactly one save should win across stores, got %d", rev, success)
		}
	}

	got, err := b.Load(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Revision != 20 {
		t.Errorf("expected revision 20, got %d", got.Revision)
	}
	infos, err := a.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Errorf("lock files must not be listed as threads, got %+v", infos)
	}
}
