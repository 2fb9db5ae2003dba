package outbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	natomic "github.com/natefinch/atomic"

	"github.com/merklekv/merklekv"
	"github.com/merklekv/merklekv/codec"
)

const headerBytes = 4 + sha256.Size

// FileJournal persists the outbox's pending CBOR-encoded events to an
// append-only file, the same record shape the storage package's journal
// uses (length-prefixed, digest-verified), reopened and truncated from
// the front via an atomic rewrite (github.com/natefinch/atomic) whenever
// records are committed or dropped by the overflow policy.
type FileJournal struct {
	mu   sync.Mutex
	path string
	f    *os.File
	c    *codec.Codec
}

// OpenFileJournal opens (creating if necessary) the outbox journal file
// at path.
func OpenFileJournal(path string) (*FileJournal, error) {
	c, err := codec.New()
	if err != nil {
		return nil, fmt.Errorf("outbox journal: building codec: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("outbox journal: opening %s: %w", path, err)
	}
	return &FileJournal{path: path, f: f, c: c}, nil
}

func (j *FileJournal) Append(ev merklekv.ReplicationEvent) error {
	payload, err := j.c.Encode(ev)
	if err != nil {
		return fmt.Errorf("outbox journal: encoding event: %w", err)
	}
	digest := sha256.Sum256(payload)
	header := make([]byte, headerBytes)
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)))
	copy(header[4:], digest[:])

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(header); err != nil {
		return fmt.Errorf("outbox journal: writing header: %w", err)
	}
	if _, err := j.f.Write(payload); err != nil {
		return fmt.Errorf("outbox journal: writing payload: %w", err)
	}
	return j.f.Sync()
}

func (j *FileJournal) Load() ([]merklekv.ReplicationEvent, int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("outbox journal: seeking to start: %w", err)
	}

	var out []merklekv.ReplicationEvent
	skipped := 0
	for {
		header := make([]byte, headerBytes)
		if _, err := io.ReadFull(j.f, header); err != nil {
			if err == io.EOF {
				break
			}
			skipped++
			break
		}
		length := binary.BigEndian.Uint32(header[:4])
		wantDigest := header[4:]

		payload := make([]byte, length)
		if _, err := io.ReadFull(j.f, payload); err != nil {
			skipped++
			break
		}
		gotDigest := sha256.Sum256(payload)
		if !bytes.Equal(gotDigest[:], wantDigest) {
			skipped++
			continue
		}
		ev, err := j.c.Decode(payload)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, ev)
	}

	if _, err := j.f.Seek(0, io.SeekEnd); err != nil {
		return nil, skipped, fmt.Errorf("outbox journal: seeking to end: %w", err)
	}
	return out, skipped, nil
}

// Truncate drops the oldest n records from the journal by reloading the
// full record set, dropping the prefix, and atomically rewriting the
// file (write-then-rename), so a crash mid-truncation never corrupts the
// journal.
func (j *FileJournal) Truncate(n int) error {
	events, _, err := j.Load()
	if err != nil {
		return fmt.Errorf("outbox journal: reading for truncation: %w", err)
	}
	if n > len(events) {
		n = len(events)
	}
	remaining := events[n:]

	var buf bytes.Buffer
	for _, ev := range remaining {
		payload, err := j.c.Encode(ev)
		if err != nil {
			return fmt.Errorf("outbox journal: re-encoding during truncation: %w", err)
		}
		digest := sha256.Sum256(payload)
		header := make([]byte, headerBytes)
		binary.BigEndian.PutUint32(header[:4], uint32(len(payload)))
		copy(header[4:], digest[:])
		buf.Write(header)
		buf.Write(payload)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := natomic.WriteFile(j.path, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("outbox journal: atomic rewrite: %w", err)
	}
	if err := j.f.Close(); err != nil {
		return fmt.Errorf("outbox journal: closing old handle: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("outbox journal: reopening after truncation: %w", err)
	}
	j.f = f
	return nil
}

// Close closes the underlying file handle.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
