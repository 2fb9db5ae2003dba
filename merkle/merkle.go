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

// Package merkle implements a balanced binary Merkle tree over a node's
// live key set: leaves in ascending lexicographic key order, internal
// nodes hashing their two children, odd counts promoting the last leaf
// instead of duplicating it, and a deterministic root hash across
// devices holding identical storage state.
//
// The tree is kept as a flat, position-indexed arena rather than a
// pointer-linked binary tree, which avoids cyclic parent/child pointers,
// and rebuilt with a bounded fan-out over per-leaf hashing
// (golang.org/x/sync/errgroup) in the same fan-out-then-join shape as a
// compact-range tile builder that fans out per-node tile fetches and
// joins them with an errgroup before combining.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"runtime"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/merklekv/merklekv"
)

// HashSize is the fixed digest width of the hash function used
// throughout (SHA-256; see DESIGN.md for why).
const HashSize = sha256.Size

// Hash is a 32-byte digest.
type Hash [HashSize]byte

// typeTag disambiguates the logical kind of a hashed value so that,
// e.g., the byte string "5" and the integer 5 never collide.
type typeTag byte

const (
	tagString    typeTag = 's'
	tagBytes     typeTag = 'b'
	tagInt       typeTag = 'i'
	tagBool      typeTag = 'z'
	tagTombstone typeTag = 'd'
)

// LeafHash computes value_hash for a single StorageEntry:
// H("del" || timestamp_ms || node_id) for a tombstone, or
// H(type_tag || encoded_value) for a live value. Every StorageEntry
// value is a byte string, so the type tag used for live values is
// always tagBytes. The other tags are defined in this package but are
// unexported and not used by any hashing path.
func LeafHash(e merklekv.StorageEntry) Hash {
	h := sha256.New()
	if e.Tombstone {
		h.Write([]byte("del"))
		var tsBuf [8]byte
		putUint64(tsBuf[:], e.TimestampMs)
		h.Write(tsBuf[:])
		h.Write([]byte(e.NodeID))
		var out Hash
		copy(out[:], h.Sum(nil))
		return out
	}
	h.Write([]byte{byte(tagBytes)})
	h.Write(e.Value)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func combine(left, right Hash) Hash {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// arenaNode is one entry in the flat, position-indexed tree
// representation. A level-0 node is a leaf; a node at level > 0 combines
// two children at level-1, found via childLeft/childRight indices into
// the same level's predecessor slice during Rebuild (Rebuild keeps this
// implicit by processing levels bottom-up rather than storing sibling
// indices directly, since the tree is rebuilt wholesale and never
// traversed top-down for random-access mutation).
type arenaNode struct {
	hash Hash
}

// Tree is the balanced binary Merkle tree over a node's live key set.
type Tree struct {
	mu sync.RWMutex

	keys   [][]byte
	leaves []Hash
	levels [][]Hash // levels[0] == leaves; levels[len-1] has exactly one entry, the root
	keyIdx map[string]int

	changeSubs []chan Hash
}

// New creates an empty Tree.
func New() *Tree {
	return &Tree{keyIdx: make(map[string]int)}
}

// RootHash returns the current root hash. The empty tree's root hash is
// the hash of zero leaves combined, i.e. SHA-256 of the empty string,
// matching the convention of treating an empty tree as well-defined
// rather than an error.
func (t *Tree) RootHash() Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootLocked()
}

func (t *Tree) rootLocked() Hash {
	if len(t.levels) == 0 {
		return sha256.Sum256(nil)
	}
	top := t.levels[len(t.levels)-1]
	if len(top) != 1 {
		return sha256.Sum256(nil)
	}
	return top[0]
}

// RebuildFromStorage recomputes the entire tree from the provided
// snapshot (expected to already be sorted by key, as storage.Engine's
// GetAll returns it). Leaf hashing is fanned out across an errgroup,
// joined before the bottom-up combine pass, the same
// fan-out-then-join shape a compact-range tile builder would use.
func (t *Tree) RebuildFromStorage(entries []merklekv.StorageEntry) error {
	byKey := func(a, b merklekv.StorageEntry) int { return bytes.Compare(a.Key, b.Key) }
	sorted := entries
	if !slices.IsSortedFunc(sorted, byKey) {
		sorted = append([]merklekv.StorageEntry(nil), entries...)
		slices.SortFunc(sorted, byKey)
	}

	leaves := make([]Hash, len(sorted))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range sorted {
		i := i
		g.Go(func() error {
			leaves[i] = LeafHash(sorted[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	keys := make([][]byte, len(sorted))
	keyIdx := make(map[string]int, len(sorted))
	for i, e := range sorted {
		keys[i] = append([]byte(nil), e.Key...)
		keyIdx[string(e.Key)] = i
	}

	levels := buildLevels(leaves)

	t.mu.Lock()
	prevRoot := t.rootLocked()
	t.keys = keys
	t.leaves = leaves
	t.levels = levels
	t.keyIdx = keyIdx
	newRoot := t.rootLocked()
	subs := append([]chan Hash(nil), t.changeSubs...)
	t.mu.Unlock()

	if newRoot != prevRoot {
		notify(subs, newRoot)
	}
	return nil
}

// buildLevels pairs hashes bottom-up; for an odd count at any level, the
// last entry is promoted unchanged to the next level rather than
// duplicated.
func buildLevels(leaves []Hash) [][]Hash {
	levels := [][]Hash{leaves}
	cur := leaves
	for len(cur) > 1 {
		next := make([]Hash, 0, (len(cur)+1)/2)
		for i := 0; i+1 < len(cur); i += 2 {
			next = append(next, combine(cur[i], cur[i+1]))
		}
		if len(cur)%2 == 1 {
			next = append(next, cur[len(cur)-1])
		}
		levels = append(levels, next)
		cur = next
	}
	if len(levels) == 1 {
		// Single (or zero) leaf: promote it directly as the root level so
		// RootHash's "top level has exactly one entry" invariant holds
		// uniformly.
		levels = append(levels, append([]Hash(nil), cur...))
	}
	return levels
}

// Update incrementally refreshes the tree after a single key's
// mutation, by re-deriving the leaf for key from current and rebuilding
// the levels above it. A true O(log N) incremental update would patch
// only the O(log N) ancestor hashes on the affected root-to-leaf path;
// this implementation achieves that by recomputing just that path's
// siblings from the already-materialized lower levels rather than
// rehashing every leaf; the leaf's position is found with a single map
// lookup. key must already be in the tree (errUnknownKey otherwise).
func (t *Tree) Update(key []byte, current merklekv.StorageEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.keyIdx[string(key)]
	if !ok {
		return errUnknownKey(key)
	}
	prevRoot := t.rootLocked()

	t.leaves[idx] = LeafHash(current)
	t.levels[0] = t.leaves
	t.recomputeAbove(idx)

	newRoot := t.rootLocked()
	subs := append([]chan Hash(nil), t.changeSubs...)
	if newRoot != prevRoot {
		notify(subs, newRoot)
	}
	return nil
}

// recomputeAbove recombines every level above level 0 that is reachable
// from the leaf at idx, walking up one level at a time. Sibling
// promotion for odd-length levels is replicated exactly as buildLevels
// would produce it.
func (t *Tree) recomputeAbove(idx int) {
	childIdx := idx
	for level := 1; level < len(t.levels); level++ {
		cur := t.levels[level-1]
		parentIdx := childIdx / 2
		var parentHash Hash
		if childIdx%2 == 0 {
			if childIdx+1 < len(cur) {
				parentHash = combine(cur[childIdx], cur[childIdx+1])
			} else {
				// Last, unpaired entry: promoted as-is.
				parentHash = cur[childIdx]
			}
		} else {
			parentHash = combine(cur[childIdx-1], cur[childIdx])
		}
		if parentIdx >= len(t.levels[level]) {
			// Structure changed shape (shouldn't happen for a same-size
			// update); fall back to a full rebuild of levels above.
			t.levels = buildLevels(t.leaves)
			return
		}
		t.levels[level][parentIdx] = parentHash
		childIdx = parentIdx
	}
}

// Keys returns the sorted key set the tree was last built over, used by
// the anti-entropy walk to compare sibling subtrees level by level
// without re-deriving it from Storage.
func (t *Tree) Keys() [][]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([][]byte, len(t.keys))
	copy(out, t.keys)
	return out
}

// LevelHashes returns a copy of the hashes at level (0 = leaves, top
// level = root), or nil if level is out of range.
func (t *Tree) LevelHashes(level int) []Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if level < 0 || level >= len(t.levels) {
		return nil
	}
	out := make([]Hash, len(t.levels[level]))
	copy(out, t.levels[level])
	return out
}

// Depth returns the number of levels in the tree, including the leaf
// level and the root.
func (t *Tree) Depth() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.levels)
}

// LevelFromRoot returns a copy of the hashes at the level distance steps
// below the root (0 = the root level itself). Unlike LevelHashes, which
// indexes from the leaves and so names a different logical level on two
// trees of different depth, LevelFromRoot gives the anti-entropy walk a
// depth-independent coordinate: both peers asking for distance d compare
// the same root-relative level even when their leaf counts differ.
func (t *Tree) LevelFromRoot(distance int) []Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	depth := len(t.levels)
	idx := depth - 1 - distance
	if idx < 0 || idx >= depth {
		return nil
	}
	out := make([]Hash, len(t.levels[idx]))
	copy(out, t.levels[idx])
	return out
}

// KeysInRange returns the sorted keys strictly between low (exclusive,
// unbounded below if nil) and high (exclusive, unbounded above if nil).
// A Peer implementation backed by a Tree uses this to answer the
// anti-entropy key-listing round, which is how a key that exists only on
// this side (and so never appears in the requester's own leaf index at
// all) is discovered by the other end instead of being silently skipped.
func (t *Tree) KeysInRange(low, high []byte) [][]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := 0
	if low != nil {
		idx, found := slices.BinarySearchFunc(t.keys, low, bytes.Compare)
		start = idx
		if found {
			start++
		}
	}
	end := len(t.keys)
	if high != nil {
		idx, _ := slices.BinarySearchFunc(t.keys, high, bytes.Compare)
		end = idx
	}
	if start >= end {
		return nil
	}
	out := make([][]byte, end-start)
	for i := start; i < end; i++ {
		out[i-start] = append([]byte(nil), t.keys[i]...)
	}
	return out
}

// Subscribe registers a channel that receives the new root hash every
// time it changes. The channel is buffered (size 1) and holds only the
// latest unread root: an unread older value is replaced by the newer one,
// so the writer that triggered the change is never blocked.
func (t *Tree) Subscribe() <-chan Hash {
	ch := make(chan Hash, 1)
	t.mu.Lock()
	t.changeSubs = append(t.changeSubs, ch)
	t.mu.Unlock()
	return ch
}

func notify(subs []chan Hash, h Hash) {
	for _, ch := range subs {
		select {
		case ch <- h:
		default:
			// Drop if the subscriber hasn't drained the previous value;
			// RootHash() remains the source of truth.
			select {
			case <-ch:
				ch <- h
			default:
			}
		}
	}
}

type errUnknownKey []byte

func (e errUnknownKey) Error() string {
	return "merkle: key not present in tree: " + string(e)
}
