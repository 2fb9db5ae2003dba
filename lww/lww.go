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

// Package lww implements the Last-Write-Wins conflict resolver: a total
// order on (timestamp_ms, node_id), a future-skew clamp, and anomaly
// detection for colliding version vectors with differing content.
package lww

import (
	"bytes"
	"time"

	"github.com/merklekv/merklekv"
)

// Winner identifies which side of a comparison should be kept.
type Winner int

const (
	// Local means the existing entry should be kept.
	Local Winner = iota
	// Remote means the incoming entry should replace the existing one.
	Remote
	// Equal means both sides carry the same version vector.
	Equal
)

func (w Winner) String() string {
	switch w {
	case Local:
		return "local"
	case Remote:
		return "remote"
	case Equal:
		return "equal"
	default:
		return "unknown"
	}
}

// Resolver applies the LWW total order with a configurable future-skew
// clamp.
type Resolver struct {
	skewMaxFuture time.Duration
	metrics       merklekv.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSkewMaxFuture overrides the default 5 minute future-skew clamp.
func WithSkewMaxFuture(d time.Duration) Option {
	return func(r *Resolver) { r.skewMaxFuture = d }
}

// WithMetrics attaches a metrics sink that records LWW anomalies.
func WithMetrics(m merklekv.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

const defaultSkewMaxFuture = 5 * time.Minute

// New creates a Resolver with the given options.
func New(opts ...Option) *Resolver {
	r := &Resolver{skewMaxFuture: defaultSkewMaxFuture, metrics: merklekv.NopMetrics{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ClampTimestamp clamps ts down to localNow+skewMaxFuture if it exceeds
// that boundary.
func (r *Resolver) ClampTimestamp(ts uint64, localNow time.Time) uint64 {
	boundary := uint64(localNow.Add(r.skewMaxFuture).UnixMilli())
	if ts > boundary {
		return boundary
	}
	return ts
}

// compareVersion implements the total order: a > b iff a.timestamp_ms >
// b.timestamp_ms, or equal timestamps and a.node_id > b.node_id
// (lexicographic).
func compareVersion(aTs uint64, aNode string, bTs uint64, bNode string) int {
	if aTs != bTs {
		if aTs > bTs {
			return 1
		}
		return -1
	}
	switch {
	case aNode > bNode:
		return 1
	case aNode < bNode:
		return -1
	default:
		return 0
	}
}

// SelectWinner compares local and remote under the LWW total order.
// Callers that receive remote from a foreign source MUST clamp its
// timestamp with ClampTimestamp before calling SelectWinner;
// SelectWinner itself performs no clamping so that it
// can also be used to compare two already-local entries. When the
// version vectors tie but the content differs, the tie is classified as
// an anomaly, a metric is emitted, and local is kept.
func (r *Resolver) SelectWinner(local, remote merklekv.StorageEntry) Winner {
	cmp := compareVersion(remote.TimestampMs, remote.NodeID, local.TimestampMs, local.NodeID)
	switch {
	case cmp > 0:
		return Remote
	case cmp < 0:
		return Local
	default:
		if sameContent(local, remote) {
			return Equal
		}
		r.metrics.Inc("lww_anomalies_total", 1)
		return Local
	}
}

func sameContent(a, b merklekv.StorageEntry) bool {
	if a.Tombstone != b.Tombstone {
		return false
	}
	if a.Tombstone {
		return true
	}
	return bytes.Equal(a.Value, b.Value)
}
