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

// Package antientropy implements a two-phase SYNC/SYNC_KEYS
// reconciliation protocol: compare Merkle root hashes with a peer and, on
// divergence, walk the tree level by level to isolate the differing keys
// and reconcile them through the Applicator with the reconciliation flag
// set (so the exchange never generates new replication events and cannot
// loop).
package antientropy

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/merklekv/merklekv"
	"github.com/merklekv/merklekv/errs"
	"github.com/merklekv/merklekv/internal/config"
	"github.com/merklekv/merklekv/lifecycle"
	"github.com/merklekv/merklekv/merkle"
)

// SyncRequest is phase 1's outgoing message.
type SyncRequest struct {
	InitiatorNodeID string `cbor:"1,keyasint"`
	RootHash        []byte `cbor:"2,keyasint"`
	RequestID       string `cbor:"3,keyasint"`
}

// SyncResponse is phase 1's reply.
type SyncResponse struct {
	Match    bool   `cbor:"1,keyasint"`
	RootHash []byte `cbor:"2,keyasint,omitempty"`
}

// KeysRequest asks the peer for the entries at a given set of keys
// (phase 2, once divergent keys have been isolated by the level walk).
type KeysRequest struct {
	Keys [][]byte `cbor:"1,keyasint"`
}

// KeysResponse carries the requested entries, already capped to
// respect the 512 KiB per-message limit by the caller that assembles it.
type KeysResponse struct {
	Entries []merklekv.ReplicationEvent `cbor:"1,keyasint"`
}

// LevelRequest asks the peer for its hashes at a given distance from its
// own root (0 = the root level itself), used to narrow down which
// subtrees diverge before descending further. Distance, not a raw
// leaf-relative level index, is what lets two peers whose trees have
// different depth compare the same logical level: each side translates
// the shared distance into its own tree's level index (see
// merkle.Tree.LevelFromRoot).
type LevelRequest struct {
	Level int `cbor:"1,keyasint"`
}

// LevelResponse carries the peer's hashes for the requested level.
type LevelResponse struct {
	Hashes [][]byte `cbor:"1,keyasint"`
}

// KeyRangeRequest asks the peer for the sorted keys it holds strictly
// between Low (exclusive, unbounded below if nil) and High (exclusive,
// unbounded above if nil). This is how a key that exists only on the
// peer's side — and so never appears in the requester's own leaf index —
// is discovered at all, instead of silently never being fetched.
type KeyRangeRequest struct {
	Low  []byte `cbor:"1,keyasint,omitempty"`
	High []byte `cbor:"2,keyasint,omitempty"`
}

// KeyRangeResponse carries the peer's keys in the requested range.
type KeyRangeResponse struct {
	Keys [][]byte `cbor:"1,keyasint"`
}

// Result summarizes one completed reconciliation session.
type Result struct {
	Success      bool
	KeysExamined int
	KeysSynced   int
	Rounds       int
	Duration     time.Duration
}

// Peer is the narrow request/response surface a Session needs against a
// single remote node. Implementations typically wrap a
// correlator.Correlator plus a transport.Publisher/Subscriber pair;
// antientropy never depends on the transport package directly so it stays
// testable against an in-memory double.
type Peer interface {
	Sync(ctx context.Context, req SyncRequest) (SyncResponse, error)
	Level(ctx context.Context, req LevelRequest) (LevelResponse, error)
	KeyRange(ctx context.Context, req KeyRangeRequest) (KeyRangeResponse, error)
	Keys(ctx context.Context, req KeysRequest) (KeysResponse, error)
}

// Applicator is the narrow slice of replication.Applicator a Session
// reconciles divergent entries through.
type Applicator interface {
	Apply(ev merklekv.ReplicationEvent, reconciliation bool) error
}

// Session drives one SYNC/SYNC_KEYS exchange with a single peer,
// rate-limited independently per peer.
type Session struct {
	nodeID     string
	tree       *merkle.Tree
	applicator Applicator
	metrics    merklekv.Metrics
	limiter    *rate.Limiter

	// paused is set while the host app is backgrounded, so a scheduler
	// driving periodic Run calls can check it without its own state
	// (see HandleAppState).
	paused atomic.Bool
}

// Option configures a Session.
type Option func(*Session)

// WithMetrics attaches a metrics sink.
func WithMetrics(m merklekv.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithRateLimit overrides the default 5 req/s per-peer token bucket.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(s *Session) { s.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst) }
}

// New creates a Session bound to a single peer's local node identity.
func New(nodeID string, tree *merkle.Tree, applicator Applicator, opts ...Option) *Session {
	s := &Session{
		nodeID:     nodeID,
		tree:       tree,
		applicator: applicator,
		metrics:    merklekv.NopMetrics{},
		limiter:    rate.NewLimiter(rate.Limit(config.DefaultAntiEntropyRate), config.DefaultAntiEntropyRate),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one full SYNC session against peer, returning early with
// a no-op Result if the root hashes already match. requestID identifies
// the session for correlation and logging.
func (s *Session) Run(ctx context.Context, peer Peer, requestID string) (Result, error) {
	if s.paused.Load() {
		// A scheduler driving periodic Run calls should simply skip this
		// tick rather than treat a backgrounded app as a failure.
		return Result{Success: true}, nil
	}
	if !s.limiter.Allow() {
		s.metrics.Inc("antientropy_rate_limited_total", 1)
		return Result{}, errs.New(errs.RateLimited, "antientropy: peer request budget exceeded")
	}

	start := time.Now()
	root := s.tree.RootHash()
	resp, err := peer.Sync(ctx, SyncRequest{InitiatorNodeID: s.nodeID, RootHash: root[:], RequestID: requestID})
	if err != nil {
		return Result{}, classifyPeerError(err)
	}
	if resp.Match {
		return Result{Success: true, Duration: time.Since(start)}, nil
	}

	keysExamined, keysSynced, rounds, err := s.syncKeys(ctx, peer)
	res := Result{
		Success:      err == nil,
		KeysExamined: keysExamined,
		KeysSynced:   keysSynced,
		Rounds:       rounds,
		Duration:     time.Since(start),
	}
	if err != nil {
		return res, err
	}
	s.metrics.Inc("antientropy_sessions_total", 1)
	s.metrics.Inc("antientropy_keys_synced_total", int64(keysSynced))
	return res, nil
}

// HandleAppState implements lifecycle.Aware: a periodic scheduler
// driving Run should stop while the app is backgrounded or terminating
// and resume once it returns to the foreground.
func (s *Session) HandleAppState(state lifecycle.AppState) {
	switch state {
	case lifecycle.Foreground:
		s.paused.Store(false)
	case lifecycle.Background, lifecycle.Terminating:
		s.paused.Store(true)
	}
}

// syncKeys implements phase 2: walk level by level from the root down to
// the leaves, following only the branches whose hash differs between the
// two trees, until the set of divergent leaf positions is isolated; each
// isolated leaf then anchors a key-range listing round against the peer
// (so a key that exists only on the peer's side — and so never appears
// in this tree's own leaf index — is discovered too, not just keys this
// side already knows about); the resulting key set is fetched and
// applied in batches.
//
// Both sides of the walk compare the same logical level via
// LevelRequest's root-relative distance (0 = root) rather than a
// leaf-relative index, so trees of different depth still line up: each
// side's own merkle.Tree.LevelFromRoot translates the shared distance
// into its own level index.
func (s *Session) syncKeys(ctx context.Context, peer Peer) (keysExamined, keysSynced, rounds int, err error) {
	localDepth := s.tree.Depth()
	if localDepth == 0 {
		return 0, 0, 0, nil
	}

	// divergentIdx tracks, at the distance currently being compared,
	// which positions are known to diverge and must be expanded at the
	// next (finer) level. It starts at the root (distance 0, the sole
	// position 0) and ends, once the loop reaches one level above the
	// leaves, holding leaf-level indices.
	divergentIdx := []int{0}

	for distance := 0; distance < localDepth-1; distance++ {
		rounds++
		localHashes := s.tree.LevelFromRoot(distance)
		remote, err := peer.Level(ctx, LevelRequest{Level: distance})
		if err != nil {
			return keysExamined, keysSynced, rounds, classifyPeerError(err)
		}

		var next []int
		for _, idx := range divergentIdx {
			if idx >= len(localHashes) || idx >= len(remote.Hashes) {
				// Level shapes differ (peer has more/fewer entries at this
				// distance from its root); treat as divergent and let the
				// key-range listing below resolve it via the symmetric
				// difference of keys instead of further hash descent.
				next = append(next, idx*2, idx*2+1)
				continue
			}
			if !hashEqual(localHashes[idx], remote.Hashes[idx]) {
				next = append(next, idx*2, idx*2+1)
			}
		}
		divergentIdx = next
		if len(divergentIdx) == 0 {
			break
		}
	}

	localKeys := s.tree.Keys()
	seen := make(map[string]bool)
	var candidateKeys [][]byte
	addCandidate := func(k []byte) {
		sk := string(k)
		if !seen[sk] {
			seen[sk] = true
			candidateKeys = append(candidateKeys, append([]byte(nil), k...))
		}
	}

	for _, idx := range divergentIdx {
		if idx < 0 {
			continue
		}
		// The leaf at idx covers the key range strictly between its
		// immediate neighbors in local sorted key order; that bracket is
		// where a peer-exclusive key adjacent to this divergence would
		// sort too, so the range listing below will surface it even
		// though it has no index in the local tree at all.
		var low, high []byte
		if idx > 0 && idx-1 < len(localKeys) {
			low = localKeys[idx-1]
		}
		if idx+1 < len(localKeys) {
			high = localKeys[idx+1]
		}
		if idx < len(localKeys) {
			addCandidate(localKeys[idx])
		}

		rounds++
		rangeResp, err := peer.KeyRange(ctx, KeyRangeRequest{Low: low, High: high})
		if err != nil {
			return keysExamined, keysSynced, rounds, classifyPeerError(err)
		}
		for _, k := range rangeResp.Keys {
			addCandidate(k)
		}
	}

	sort.Slice(candidateKeys, func(i, j int) bool { return string(candidateKeys[i]) < string(candidateKeys[j]) })
	keysExamined = len(candidateKeys)
	if keysExamined == 0 {
		return keysExamined, 0, rounds, nil
	}

	const batchLimit = config.MaxSyncMessageBytes
	for start := 0; start < len(candidateKeys); {
		batch, consumed := batchKeys(candidateKeys[start:], batchLimit)
		if consumed == 0 {
			// batchKeys always takes at least the first key, even one
			// whose framing alone exceeds the limit, so this cannot
			// happen; it only guards against an infinite loop.
			return keysExamined, keysSynced, rounds, errs.New(errs.ProtocolError, "antientropy: divergent key batch could not be formed")
		}
		start += consumed
		rounds++

		resp, err := peer.Keys(ctx, KeysRequest{Keys: batch})
		if err != nil {
			return keysExamined, keysSynced, rounds, classifyPeerError(err)
		}
		for _, ev := range resp.Entries {
			if applyErr := s.applicator.Apply(ev, true); applyErr != nil {
				return keysExamined, keysSynced, rounds, applyErr
			}
			keysSynced++
		}
	}
	return keysExamined, keysSynced, rounds, nil
}

func batchKeys(keys [][]byte, limit int) ([][]byte, int) {
	size := 0
	n := 0
	for _, k := range keys {
		size += len(k) + 8
		if size > limit && n > 0 {
			break
		}
		n++
	}
	return keys[:n], n
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func classifyPeerError(err error) error {
	if err == context.DeadlineExceeded {
		return errs.Wrap(errs.Timeout, "antientropy: peer timed out", err)
	}
	return err
}
