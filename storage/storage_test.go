package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/merklekv/merklekv"
	"github.com/merklekv/merklekv/errs"
)

func TestPutGetDelete(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if _, ok := e.Get([]byte("k")); ok {
		t.Fatalf("Get() on empty store: ok = true, want false")
	}

	entry := merklekv.StorageEntry{Key: []byte("k"), Value: []byte("v"), TimestampMs: 1, NodeID: "n1", Seq: 1}
	if err := e.Put(entry); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, ok := e.Get([]byte("k"))
	if !ok {
		t.Fatalf("Get() after Put: ok = false, want true")
	}
	if string(got.Value) != "v" {
		t.Errorf("Get().Value = %q, want %q", got.Value, "v")
	}

	if err := e.Delete([]byte("k"), 2, "n1", 2); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, ok := e.Get([]byte("k")); ok {
		t.Errorf("Get() after Delete: ok = true, want false")
	}
	raw, ok := e.GetRaw([]byte("k"))
	if !ok || !raw.Tombstone {
		t.Errorf("GetRaw() after Delete: got %+v, ok=%v, want tombstone", raw, ok)
	}
}

func TestValidateKeyBoundary(t *testing.T) {
	ok256 := make([]byte, 256)
	for i := range ok256 {
		ok256[i] = 'a'
	}
	if err := ValidateKey(ok256); err != nil {
		t.Errorf("ValidateKey(256 bytes) = %v, want nil", err)
	}

	too257 := make([]byte, 257)
	for i := range too257 {
		too257[i] = 'a'
	}
	err := ValidateKey(too257)
	if errs.CodeOf(err) != errs.PayloadTooLarge {
		t.Errorf("ValidateKey(257 bytes) code = %v, want PayloadTooLarge", errs.CodeOf(err))
	}
}

func TestValidateValueBoundary(t *testing.T) {
	ok := make([]byte, 262144)
	for i := range ok {
		ok[i] = 'a'
	}
	if err := ValidateValue(ok); err != nil {
		t.Errorf("ValidateValue(262144 bytes) = %v, want nil", err)
	}

	bad := make([]byte, 262145)
	for i := range bad {
		bad[i] = 'a'
	}
	err := ValidateValue(bad)
	if errs.CodeOf(err) != errs.PayloadTooLarge {
		t.Errorf("ValidateValue(262145 bytes) code = %v, want PayloadTooLarge", errs.CodeOf(err))
	}
}

func TestGetAllIncludesTombstonesSorted(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	_ = e.Put(merklekv.StorageEntry{Key: []byte("b"), Value: []byte("1"), TimestampMs: 1, NodeID: "n1", Seq: 1})
	_ = e.Put(merklekv.StorageEntry{Key: []byte("a"), Value: []byte("2"), TimestampMs: 1, NodeID: "n1", Seq: 2})
	_ = e.Delete([]byte("c"), 1, "n1", 3)

	all := e.GetAll()
	if len(all) != 3 {
		t.Fatalf("GetAll() len = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if string(all[i-1].Key) > string(all[i].Key) {
			t.Errorf("GetAll() not sorted: %q before %q", all[i-1].Key, all[i].Key)
		}
	}
}

func TestGCTombstones(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	_ = e.Put(merklekv.StorageEntry{Key: []byte("old"), TimestampMs: uint64(old.UnixMilli()), NodeID: "n1", Seq: 1, Tombstone: true})
	_ = e.Put(merklekv.StorageEntry{Key: []byte("new"), Value: []byte("v"), TimestampMs: uint64(time.Now().UnixMilli()), NodeID: "n1", Seq: 2})

	removed := e.GCTombstones(time.Now(), 24*time.Hour)
	if removed != 1 {
		t.Errorf("GCTombstones() removed = %d, want 1", removed)
	}
	if e.Len() != 1 {
		t.Errorf("Len() after GC = %d, want 1", e.Len())
	}
}

func TestJournalRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.bin")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal() failed: %v", err)
	}
	e, err := New(WithJournal(j))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := e.Put(merklekv.StorageEntry{Key: []byte("k1"), Value: []byte("v1"), TimestampMs: 1, NodeID: "n1", Seq: 1}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := e.Put(merklekv.StorageEntry{Key: []byte("k2"), Value: []byte("v2"), TimestampMs: 2, NodeID: "n1", Seq: 2}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal() (reopen) failed: %v", err)
	}
	e2, err := New(WithJournal(j2))
	if err != nil {
		t.Fatalf("New() (recover) failed: %v", err)
	}
	if e2.Len() != 2 {
		t.Fatalf("Len() after recovery = %d, want 2", e2.Len())
	}
	got, ok := e2.Get([]byte("k1"))
	if !ok || string(got.Value) != "v1" {
		t.Errorf("Get(k1) after recovery = %+v, ok=%v", got, ok)
	}
}

func TestJournalSkipsCorruptTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.bin")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal() failed: %v", err)
	}
	if err := j.Append(merklekv.StorageEntry{Key: []byte("k1"), Value: []byte("v1"), TimestampMs: 1, NodeID: "n1", Seq: 1}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	// Simulate a torn trailing write by appending a partial record.
	if _, err := j.f.Write([]byte{0, 0, 0, 100, 1, 2, 3}); err != nil {
		t.Fatalf("writing partial trailing record failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal() (reopen) failed: %v", err)
	}
	entries, skipped, err := j2.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Load() entries = %d, want 1", len(entries))
	}
	if skipped != 1 {
		t.Errorf("Load() skipped = %d, want 1", skipped)
	}
}
