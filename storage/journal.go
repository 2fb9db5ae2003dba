package storage

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

// recordHeader is the on-disk prefix for each journal record: a 4-byte
// big-endian length followed by a 32-byte SHA-256 digest of the payload
// that follows. The digest lets Load detect and skip a torn write left by
// a crash mid-append: a record whose digest does not verify is skipped
// and counted, and loading continues.
const (
	lenFieldBytes    = 4
	digestFieldBytes = sha256.Size
	headerBytes      = lenFieldBytes + digestFieldBytes
)

// Journal is the optional append-only persistence layer backing an
// Engine. Each record is the CBOR encoding of a StorageEntry (reusing the
// ReplicationEvent wire form via the same codec used for the network, so
// there is exactly one encoding format in the system), content-addressed
// by a leading digest.
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File
	c    *codec.Codec
}

// OpenJournal opens (creating if necessary) the journal file at path for
// appending.
func OpenJournal(path string) (*Journal, error) {
	c, err := codec.New()
	if err != nil {
		return nil, fmt.Errorf("journal: building codec: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", path, err)
	}
	return &Journal{path: path, f: f, c: c}, nil
}

// Append writes entry as a new journal record and fsyncs the file, so
// that a successful return guarantees durability across a crash.
func (j *Journal) Append(entry merklekv.StorageEntry) error {
	payload, err := j.c.Encode(entry.ToEvent())
	if err != nil {
		return fmt.Errorf("journal: encoding entry: %w", err)
	}

	digest := sha256.Sum256(payload)
	header := make([]byte, headerBytes)
	binary.BigEndian.PutUint32(header[:lenFieldBytes], uint32(len(payload)))
	copy(header[lenFieldBytes:], digest[:])

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.f.Write(header); err != nil {
		return fmt.Errorf("journal: writing record header: %w", err)
	}
	if _, err := j.f.Write(payload); err != nil {
		return fmt.Errorf("journal: writing record payload: %w", err)
	}
	return j.f.Sync()
}

// Load replays every verifiable record in the journal, in the order it
// was written. It returns the recovered entries plus a count of records
// whose digest failed to verify (and which were therefore skipped); a
// corrupt suffix never prevents loading of the records before it.
func (j *Journal) Load() ([]merklekv.StorageEntry, int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("journal: seeking to start: %w", err)
	}

	var out []merklekv.StorageEntry
	skipped := 0
	r := j.f
	for {
		header := make([]byte, headerBytes)
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				break
			}
			// A truncated header at EOF is a torn trailing write; stop
			// cleanly rather than erroring the whole load.
			if err == io.ErrUnexpectedEOF {
				skipped++
				break
			}
			return nil, skipped, fmt.Errorf("journal: reading record header: %w", err)
		}
		length := binary.BigEndian.Uint32(header[:lenFieldBytes])
		wantDigest := header[lenFieldBytes:]

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			// Truncated payload: the tail of the file is a partial write.
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
		out = append(out, ev.ToEntry())
	}

	if _, err := j.f.Seek(0, io.SeekEnd); err != nil {
		return nil, skipped, fmt.Errorf("journal: seeking to end: %w", err)
	}
	return out, skipped, nil
}

// Compact rewrites the journal to contain exactly entries, using
// write-then-rename so that a crash mid-compaction leaves either the old
// or the new journal intact, never a half-written one.
func (j *Journal) Compact(entries []merklekv.StorageEntry) error {
	var buf bytes.Buffer
	for _, entry := range entries {
		payload, err := j.c.Encode(entry.ToEvent())
		if err != nil {
			return fmt.Errorf("journal: encoding entry during compaction: %w", err)
		}
		digest := sha256.Sum256(payload)
		header := make([]byte, headerBytes)
		binary.BigEndian.PutUint32(header[:lenFieldBytes], uint32(len(payload)))
		copy(header[lenFieldBytes:], digest[:])
		buf.Write(header)
		buf.Write(payload)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := natomic.WriteFile(j.path, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("journal: atomic rewrite: %w", err)
	}

	if err := j.f.Close(); err != nil {
		return fmt.Errorf("journal: closing old handle: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: reopening after compaction: %w", err)
	}
	j.f = f
	return nil
}

// Close closes the underlying file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
