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

// Package sequencer implements a monotone per-node sequence number
// allocator. Crash-safety is achieved by reserving batches: the
// persisted high-water-mark is advanced by N before any of those N
// values are handed out, so a crash between allocations never causes a
// value to be reused (the same batch-amortization shape as a log
// index's WithBatching/DefaultBatchMaxSize).
package sequencer

import (
	"fmt"
	"sync"

	"github.com/merklekv/merklekv/internal/config"
)

// Store persists and loads the single high-water-mark this Sequencer
// manages. Implementations must make Save durable (e.g. write-then-rename)
// before returning nil.
type Store interface {
	// Load returns the persisted next_seq, or (0, false) if no state has
	// ever been saved.
	Load() (nextSeq uint64, ok bool, err error)
	// Save durably persists nextSeq as the new high-water-mark.
	Save(nextSeq uint64) error
}

// Sequencer allocates strictly increasing uint64 sequence numbers for a
// single node_id.
type Sequencer struct {
	mu        sync.Mutex
	store     Store
	nodeID    string
	batchSize uint64

	next       uint64 // next value to hand out
	reservedUp uint64 // persisted high-water-mark; values < reservedUp are safe to hand out without another Save
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithBatchSize overrides the default reservation batch size.
func WithBatchSize(n uint64) Option {
	return func(s *Sequencer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// New creates a Sequencer for nodeID backed by store, restoring next_seq
// from persisted state (and, if provided, the highest seq already
// observed in Storage for this node): next_seq is restored to at least
// the maximum previously handed out plus one.
func New(nodeID string, store Store, lastObservedInStorage uint64, opts ...Option) (*Sequencer, error) {
	s := &Sequencer{
		store:     store,
		nodeID:    nodeID,
		batchSize: config.DefaultSequencerBatch,
	}
	for _, opt := range opts {
		opt(s)
	}

	persisted, ok, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("sequencer: loading persisted state for %s: %w", nodeID, err)
	}
	start := uint64(0)
	if ok {
		start = persisted
	}
	if lastObservedInStorage+1 > start {
		start = lastObservedInStorage + 1
	}

	s.next = start
	s.reservedUp = start
	if err := s.reserve(); err != nil {
		return nil, err
	}
	return s, nil
}

// reserve persists a new high-water-mark covering the next batchSize
// allocations. Must be called with mu held.
func (s *Sequencer) reserve() error {
	newHigh := s.next + s.batchSize
	if err := s.store.Save(newHigh); err != nil {
		return fmt.Errorf("sequencer: persisting reservation for %s: %w", s.nodeID, err)
	}
	s.reservedUp = newHigh
	return nil
}

// Allocate returns the next strictly increasing sequence number for this
// node. It is safe for concurrent use.
func (s *Sequencer) Allocate() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= s.reservedUp {
		if err := s.reserve(); err != nil {
			return 0, err
		}
	}
	v := s.next
	s.next++
	return v, nil
}

// Peek returns the next value that would be handed out, without
// allocating it. Intended for diagnostics/tests only.
func (s *Sequencer) Peek() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
