// Copyright 2026 The MerkleKV Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage implements the Storage Engine: an
// in-memory keyed map of StorageEntry with tombstones, plus an optional
// append-only persistence journal.
//
// Storage is the single source of truth; the Merkle tree and
// any derived indexes are rebuilt or incrementally updated from it, never
// the other way around. Only the Applicator and Command Processor are
// expected to take Engine's write lock; everyone else reads under the
// shared lock.
package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/merklekv/merklekv"
	"github.com/merklekv/merklekv/errs"
	"github.com/merklekv/merklekv/internal/config"
)

// Engine is the in-memory Storage Engine. The zero value is not usable;
// construct with New.
type Engine struct {
	mu      sync.RWMutex
	entries map[string]merklekv.StorageEntry
	journal *Journal // nil if persistence is disabled
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithJournal enables append-only persistence backed by j. On
// construction, any records previously persisted in j are replayed into
// the in-memory map.
func WithJournal(j *Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// New creates an empty Engine, applying opts in order. If a journal is
// attached via WithJournal, its persisted records are loaded immediately.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{entries: make(map[string]merklekv.StorageEntry)}
	for _, opt := range opts {
		opt(e)
	}
	if e.journal != nil {
		entries, _, err := e.journal.Load()
		if err != nil {
			return nil, fmt.Errorf("storage: loading journal: %w", err)
		}
		for _, rec := range entries {
			e.entries[string(rec.Key)] = rec
		}
	}
	return e, nil
}

// ValidateKey enforces the key size bound.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return errs.New(errs.InvalidRequest, "key must not be empty")
	}
	if len(key) > config.MaxKeyBytes || !utf8.Valid(key) {
		if len(key) > config.MaxKeyBytes {
			return errs.New(errs.PayloadTooLarge, fmt.Sprintf("key is %d bytes, exceeds limit of %d", len(key), config.MaxKeyBytes))
		}
		return errs.New(errs.InvalidRequest, "key must be valid UTF-8")
	}
	return nil
}

// ValidateValue enforces the value size bound.
func ValidateValue(value []byte) error {
	if len(value) > config.MaxValueBytes {
		return errs.New(errs.PayloadTooLarge, fmt.Sprintf("value is %d bytes, exceeds limit of %d", len(value), config.MaxValueBytes))
	}
	if !utf8.Valid(value) {
		return errs.New(errs.InvalidRequest, "value must be valid UTF-8")
	}
	return nil
}

// Get returns the entry for key, or (zero, false) if it is missing or
// tombstoned.
func (e *Engine) Get(key []byte) (merklekv.StorageEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[string(key)]
	if !ok || ent.Tombstone {
		return merklekv.StorageEntry{}, false
	}
	return ent.Clone(), true
}

// GetRaw returns the entry for key including tombstones, or (zero, false)
// if the key has never been written. Used by the Applicator, whose LWW
// comparison must see tombstones too.
func (e *Engine) GetRaw(key []byte) (merklekv.StorageEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[string(key)]
	if !ok {
		return merklekv.StorageEntry{}, false
	}
	return ent.Clone(), true
}

// Put unconditionally replaces the entry for entry.Key. Callers are
// expected to have already resolved LWW; Put itself does not compare
// versions.
func (e *Engine) Put(entry merklekv.StorageEntry) error {
	if err := ValidateKey(entry.Key); err != nil {
		return err
	}
	if !entry.Tombstone {
		if err := ValidateValue(entry.Value); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.entries[string(entry.Key)] = entry.Clone()
	j := e.journal
	e.mu.Unlock()

	if j != nil {
		if err := j.Append(entry); err != nil {
			return errs.Wrap(errs.Internal, "storage: journal append failed", err)
		}
	}
	return nil
}

// Delete writes a tombstone for key with the given version vector.
// Deleting a missing key installs a new tombstone; deleting an
// already-tombstoned key overwrites the tombstone's version. Callers (the
// Command Processor) are responsible for idempotent DEL semantics at the
// response level.
func (e *Engine) Delete(key []byte, timestampMs uint64, nodeID string, seq uint64) error {
	return e.Put(merklekv.StorageEntry{
		Key:         key,
		TimestampMs: timestampMs,
		NodeID:      nodeID,
		Seq:         seq,
		Tombstone:   true,
	})
}

// GetAll returns every entry in the store, including tombstones, sorted
// by key. Used by Merkle tree builds and anti-entropy reconciliation.
func (e *Engine) GetAll() []merklekv.StorageEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]merklekv.StorageEntry, 0, len(e.entries))
	for _, ent := range e.entries {
		out = append(out, ent.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Key) < string(out[j].Key)
	})
	return out
}

// Len returns the number of keys currently tracked, including tombstones.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// GCTombstones removes tombstones older than retention, as measured
// against now. Returns the number of tombstones removed.
func (e *Engine) GCTombstones(now time.Time, retention time.Duration) int {
	if retention <= 0 {
		retention = config.DefaultTombstoneRetention
	}
	cutoff := uint64(now.Add(-retention).UnixMilli())

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for k, ent := range e.entries {
		if ent.Tombstone && ent.TimestampMs < cutoff {
			delete(e.entries, k)
			removed++
		}
	}
	return removed
}
