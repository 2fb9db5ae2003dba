package replication

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/merklekv/merklekv"
	"github.com/merklekv/merklekv/internal/config"
	"github.com/merklekv/merklekv/lww"
)

// Store is the narrow slice of the Storage Engine the Applicator needs:
// read the current (possibly tombstoned) entry and unconditionally
// replace it once LWW has decided the remote entry wins.
type Store interface {
	GetRaw(key []byte) (merklekv.StorageEntry, bool)
	Put(entry merklekv.StorageEntry) error
}

// Clock abstracts wall-clock access for the skew clamp, shared with the
// rest of the engine via internal/config.Clock.
type Clock = config.Clock

// Applicator applies remote events via LWW, deduplicates by
// (node_id, seq), and never re-emits what it applies (it writes
// directly to Storage, bypassing the Publisher entirely, regardless of
// whether the event arrived via normal replication or anti-entropy
// reconciliation).
type Applicator struct {
	store    Store
	resolver *lww.Resolver
	clock    Clock
	metrics  merklekv.Metrics

	dedupMu   sync.Mutex
	dedupSize int
	dedup     map[string]*lru.Cache[uint64, struct{}]
}

// ApplicatorOption configures an Applicator.
type ApplicatorOption func(*Applicator)

// WithDedupSize overrides the default bounded size of the per-source
// dedup set.
func WithDedupSize(n int) ApplicatorOption {
	return func(a *Applicator) {
		if n > 0 {
			a.dedupSize = n
		}
	}
}

// WithApplicatorMetrics attaches a metrics sink recording
// applied/skipped/conflict counts.
func WithApplicatorMetrics(m merklekv.Metrics) ApplicatorOption {
	return func(a *Applicator) { a.metrics = m }
}

// NewApplicator creates an Applicator.
func NewApplicator(store Store, resolver *lww.Resolver, clock Clock, opts ...ApplicatorOption) *Applicator {
	a := &Applicator{
		store:     store,
		resolver:  resolver,
		clock:     clock,
		metrics:   merklekv.NopMetrics{},
		dedupSize: config.DefaultDedupCacheSize,
		dedup:     make(map[string]*lru.Cache[uint64, struct{}]),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// seenSource returns (creating if necessary) the bounded dedup cache for
// nodeID. Must be called with dedupMu held.
func (a *Applicator) seenSource(nodeID string) *lru.Cache[uint64, struct{}] {
	c, ok := a.dedup[nodeID]
	if !ok {
		var err error
		c, err = lru.New[uint64, struct{}](a.dedupSize)
		if err != nil {
			// Only returns an error for a non-positive size, which
			// WithDedupSize guards against; a.dedupSize is always > 0.
			panic(err)
		}
		a.dedup[nodeID] = c
	}
	return c
}

// isDuplicate reports whether (nodeID, seq) has already been applied (or
// at least seen) recently, recording it as seen if not.
func (a *Applicator) isDuplicate(nodeID string, seq uint64) bool {
	a.dedupMu.Lock()
	defer a.dedupMu.Unlock()
	c := a.seenSource(nodeID)
	if _, ok := c.Get(seq); ok {
		return true
	}
	c.Add(seq, struct{}{})
	return false
}

// Apply processes one decoded remote event: dedup, clamp, resolve,
// write. reconciliation is true when ev arrived via anti-entropy
// SYNC_KEYS rather than normal replication; it affects only logging and
// metrics attribution here since the Applicator never re-emits events in
// either mode.
func (a *Applicator) Apply(ev merklekv.ReplicationEvent, reconciliation bool) error {
	if a.isDuplicate(ev.NodeID, ev.Seq) {
		a.metrics.Inc("applicator_duplicate_total", 1)
		return nil
	}

	now := time.Now()
	if a.clock != nil {
		now = time.UnixMilli(int64(a.clock.NowMillis()))
	}

	remote := ev.ToEntry()
	remote.TimestampMs = a.resolver.ClampTimestamp(ev.TimestampMs, now)

	local, existed := a.store.GetRaw(ev.Key)
	if existed {
		a.metrics.Inc("applicator_conflict_total", 1)
	}

	winner := a.resolver.SelectWinner(local, remote)
	switch winner {
	case lww.Remote:
		if err := a.store.Put(remote); err != nil {
			return err
		}
		a.metrics.Inc("applicator_applied_total", 1)
		klog.V(2).Infof("replication: applied (%s,%d) key=%q reconciliation=%v", ev.NodeID, ev.Seq, ev.Key, reconciliation)
	default:
		a.metrics.Inc("applicator_skipped_total", 1)
	}
	return nil
}
