package sequencer

import (
	"path/filepath"
	"sync"
	"testing"
)

type memStore struct {
	mu  sync.Mutex
	val uint64
	ok  bool
}

func (m *memStore) Load() (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.val, m.ok, nil
}

func (m *memStore) Save(v uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.val = v
	m.ok = true
	return nil
}

func TestAllocateMonotonic(t *testing.T) {
	s, err := New("n1", &memStore{}, 0, WithBatchSize(4))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	var prev uint64
	for i := 0; i < 20; i++ {
		v, err := s.Allocate()
		if err != nil {
			t.Fatalf("Allocate() failed: %v", err)
		}
		if i > 0 && v <= prev {
			t.Fatalf("Allocate() returned %d, not greater than previous %d", v, prev)
		}
		prev = v
	}
}

func TestAllocateConcurrentDistinct(t *testing.T) {
	s, err := New("n1", &memStore{}, 0, WithBatchSize(8))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	const n = 500
	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Allocate()
			if err != nil {
				t.Errorf("Allocate() failed: %v", err)
				return
			}
			seen <- v
		}()
	}
	wg.Wait()
	close(seen)

	vals := make(map[uint64]bool, n)
	for v := range seen {
		if vals[v] {
			t.Fatalf("Allocate() returned duplicate value %d", v)
		}
		vals[v] = true
	}
	if len(vals) != n {
		t.Fatalf("got %d distinct values, want %d", len(vals), n)
	}
}

func TestRecoveryNeverReusesValue(t *testing.T) {
	store := &memStore{}
	s1, err := New("n1", store, 0, WithBatchSize(4))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	var last uint64
	for i := 0; i < 10; i++ {
		last, err = s1.Allocate()
		if err != nil {
			t.Fatalf("Allocate() failed: %v", err)
		}
	}

	// Simulate a crash and restart: a fresh Sequencer restores from the
	// same (shared) persisted store.
	s2, err := New("n1", store, 0, WithBatchSize(4))
	if err != nil {
		t.Fatalf("New() (recovery) failed: %v", err)
	}
	v, err := s2.Allocate()
	if err != nil {
		t.Fatalf("Allocate() (post recovery) failed: %v", err)
	}
	if v <= last {
		t.Fatalf("Allocate() after recovery returned %d, want > %d (last pre-crash value)", v, last)
	}
}

func TestRestoresAtLeastLastObservedInStoragePlusOne(t *testing.T) {
	s, err := New("n1", &memStore{}, 100, WithBatchSize(4))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	v, err := s.Allocate()
	if err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}
	if v != 101 {
		t.Errorf("Allocate() = %d, want 101 (lastObservedInStorage+1)", v)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seq.json")
	fs := NewFileStore(path, "n1")

	if _, ok, err := fs.Load(); err != nil || ok {
		t.Fatalf("Load() on fresh file: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
	if err := fs.Save(42); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	v, ok, err := fs.Load()
	if err != nil || !ok || v != 42 {
		t.Fatalf("Load() after Save(42) = (%d, %v, %v), want (42, true, nil)", v, ok, err)
	}

	fs2 := NewFileStore(path, "n1")
	v2, ok2, err := fs2.Load()
	if err != nil || !ok2 || v2 != 42 {
		t.Fatalf("Load() from fresh FileStore = (%d, %v, %v), want (42, true, nil)", v2, ok2, err)
	}
}
