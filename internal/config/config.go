// Package config holds the immutable defaults and limits shared across
// the replication engine's components. Each component is constructed with
// its own functional Options over these defaults, following the pattern the
// teacher repository uses for storage options (see log.go's WithBatching,
// WithPushback, WithCheckpointInterval): no component reads from a global
// singleton.
package config

import "time"

const (
	// DefaultSkewMaxFuture is the default ceiling (spec.md §4.3) applied to
	// foreign timestamps that exceed the local wall clock.
	DefaultSkewMaxFuture = 5 * time.Minute

	// DefaultTombstoneRetention is the minimum time a tombstone is kept
	// before it becomes eligible for garbage collection (spec.md §3).
	DefaultTombstoneRetention = 24 * time.Hour

	// DefaultOutboxCapacity is the default bound on pending Outbox records
	// (spec.md §4.5).
	DefaultOutboxCapacity = 10_000

	// DefaultSequencerBatch is the number of sequence numbers reserved per
	// persisted high-water-mark write (spec.md §4.4).
	DefaultSequencerBatch = 32

	// DefaultIdempotencyTTL is the TTL for cached mutation responses
	// (spec.md §4.8).
	DefaultIdempotencyTTL = 10 * time.Minute

	// DefaultIdempotencyCacheSize bounds the LRU idempotency cache.
	DefaultIdempotencyCacheSize = 4096

	// DefaultDedupCacheSize bounds the Applicator's per-source dedup set
	// (spec.md §4.7).
	DefaultDedupCacheSize = 16384

	// MaxKeyBytes is the maximum key size (spec.md §4.2).
	MaxKeyBytes = 256
	// MaxValueBytes is the maximum value size (spec.md §4.2).
	MaxValueBytes = 256 * 1024
	// MaxEventBytes is the maximum encoded ReplicationEvent size (spec.md §4.1).
	MaxEventBytes = 300 * 1024
	// MaxCommandPayloadBytes is the Correlator's outgoing payload guard
	// (spec.md §4.11).
	MaxCommandPayloadBytes = 512 * 1024
	// MaxSyncMessageBytes bounds a single SYNC_KEYS batch (spec.md §4.10).
	MaxSyncMessageBytes = 512 * 1024

	// MaxMGetKeys is the MGET fan-out limit (spec.md §4.8).
	MaxMGetKeys = 256
	// MaxMSetPairs is the MSET fan-out limit (spec.md §4.8).
	MaxMSetPairs = 100

	// DefaultAntiEntropyRate is the default token-bucket rate, requests per
	// second per peer (spec.md §4.10).
	DefaultAntiEntropyRate = 5

	// Correlator timeout classes (spec.md §4.11).
	SingleKeyTimeout = 10 * time.Second
	MultiKeyTimeout  = 20 * time.Second
	SyncTimeout      = 30 * time.Second
)

// Clock abstracts wall-clock access so components can be driven
// deterministically in tests, the way the teacher's storage options
// abstract checkpoint timing.
type Clock interface {
	NowMillis() uint64
}

// SystemClock is the default Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
