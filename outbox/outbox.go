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

// Package outbox implements a persistent FIFO queue: O(1) append-only
// enqueue, bounded capacity with a drop-oldest overflow policy, prefix
// peek/dequeue for publication, and full re-offering of persisted
// records on restart.
//
// The queue itself is a plain in-memory ring guarded by a mutex, in the
// same "decouple the queue from the slow path" shape as a durable log
// queue that batches entries and hands them to a flush callback; here
// the slow path is the transport publish, which happens outside the
// lock that guards the in-memory ring. The durable journal write of an
// attached Journal is made while that lock is held (in Enqueue and
// Commit), so the ring and the journal stay in the same order.
package outbox

import (
	"sync"
	"time"

	"github.com/merklekv/merklekv"
	"github.com/merklekv/merklekv/internal/config"
)

// Record pairs a ReplicationEvent with the monotonic index it was
// enqueued at.
type Record struct {
	Event        merklekv.ReplicationEvent
	EnqueueIndex uint64
}

// Journal durably persists and replays the queue's contents across a
// restart, in FIFO order.
type Journal interface {
	Append(ev merklekv.ReplicationEvent) error
	Load() ([]merklekv.ReplicationEvent, int, error)
	// Truncate drops the oldest n persisted records, called after they
	// have been committed (acknowledged) or dropped by the overflow
	// policy.
	Truncate(n int) error
}

// Outbox is the bounded, persistent FIFO queue of pending replication
// events.
type Outbox struct {
	mu       sync.Mutex
	journal  Journal
	capacity int
	metrics  merklekv.Metrics

	records     []Record
	nextIndex   uint64
	online      bool
	lastFlushAt time.Time
	overflowed  uint64
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithCapacity overrides the default capacity of 10,000 records.
func WithCapacity(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithMetrics attaches a metrics sink recording overflow drops.
func WithMetrics(m merklekv.Metrics) Option {
	return func(o *Outbox) { o.metrics = m }
}

// WithJournal attaches durable persistence. Any records already
// persisted in j are loaded and re-offered in their original order.
func WithJournal(j Journal) Option {
	return func(o *Outbox) { o.journal = j }
}

// New creates an Outbox, applying opts in order.
func New(opts ...Option) (*Outbox, error) {
	o := &Outbox{
		capacity: config.DefaultOutboxCapacity,
		metrics:  merklekv.NopMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.journal != nil {
		events, _, err := o.journal.Load()
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			o.records = append(o.records, Record{Event: ev, EnqueueIndex: o.nextIndex})
			o.nextIndex++
		}
		if len(o.records) > o.capacity {
			dropped := len(o.records) - o.capacity
			o.records = o.records[dropped:]
			o.overflowed += uint64(dropped)
		}
	}
	return o, nil
}

// Enqueue appends ev to the tail of the queue. If the queue is at
// capacity, the oldest record is dropped and the overflow counter is
// incremented.
func (o *Outbox) Enqueue(ev merklekv.ReplicationEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.journal != nil {
		if err := o.journal.Append(ev); err != nil {
			return err
		}
	}

	rec := Record{Event: ev, EnqueueIndex: o.nextIndex}
	o.nextIndex++
	o.records = append(o.records, rec)

	if len(o.records) > o.capacity {
		o.records = o.records[1:]
		o.overflowed++
		o.metrics.Inc("outbox_overflow_total", 1)
		if o.journal != nil {
			// Best-effort: keep the on-disk journal from growing without
			// bound too. A failure here does not lose the in-memory
			// record we just dropped; it only means Load() on a future
			// restart may briefly re-offer an already-evicted record,
			// which is safe since delivery is at-least-once.
			_ = o.journal.Truncate(1)
		}
	}
	return nil
}

// PeekBatch returns a copy of up to n pending records from the head of
// the queue, without removing them. Use Commit to remove records once
// the transport has acknowledged them.
func (o *Outbox) PeekBatch(n int) []Record {
	o.mu.Lock()
	defer o.mu.Unlock()

	if n > len(o.records) {
		n = len(o.records)
	}
	out := make([]Record, n)
	copy(out, o.records[:n])
	return out
}

// Commit removes the n oldest records from the queue, to be called only
// after the transport has acknowledged their successful publication.
func (o *Outbox) Commit(n int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if n > len(o.records) {
		n = len(o.records)
	}
	if n == 0 {
		return nil
	}
	o.records = o.records[n:]
	o.lastFlushAt = time.Now()
	if o.journal != nil {
		return o.journal.Truncate(n)
	}
	return nil
}

// SetOnline records the transport's connectivity state, used by callers
// deciding whether to attempt a drain.
func (o *Outbox) SetOnline(online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.online = online
}

// PendingCount returns the number of records currently queued.
func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.records)
}

// Online reports the last connectivity state set via SetOnline.
func (o *Outbox) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// LastFlushAt returns the time of the last successful Commit, or the
// zero time if none has happened yet.
func (o *Outbox) LastFlushAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastFlushAt
}

// Overflowed returns the total number of records dropped by the overflow
// policy since construction.
func (o *Outbox) Overflowed() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.overflowed
}
