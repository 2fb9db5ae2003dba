package lww

import (
	"testing"
	"time"

	"github.com/merklekv/merklekv"
)

func TestSelectWinnerTimestamp(t *testing.T) {
	r := New()
	local := merklekv.StorageEntry{TimestampMs: 1000, NodeID: "n1", Value: []byte("x")}
	remote := merklekv.StorageEntry{TimestampMs: 2000, NodeID: "n2", Value: []byte("y")}

	if got := r.SelectWinner(local, remote); got != Remote {
		t.Errorf("SelectWinner() = %v, want Remote", got)
	}
	if got := r.SelectWinner(remote, local); got != Local {
		t.Errorf("SelectWinner() reversed = %v, want Local", got)
	}
}

// TestTieBreakByNodeID: n1 SETs k="x" at
// ts=1000; n2 SETs k="y" at ts=1000. n2 > n1 lexicographically, so after
// exchange all replicas store "y".
func TestTieBreakByNodeID(t *testing.T) {
	r := New()
	n1 := merklekv.StorageEntry{TimestampMs: 1000, NodeID: "n1", Value: []byte("x")}
	n2 := merklekv.StorageEntry{TimestampMs: 1000, NodeID: "n2", Value: []byte("y")}

	if got := r.SelectWinner(n1, n2); got != Remote {
		t.Errorf("SelectWinner(local=n1, remote=n2) = %v, want Remote", got)
	}
	if got := r.SelectWinner(n2, n1); got != Local {
		t.Errorf("SelectWinner(local=n2, remote=n1) = %v, want Local", got)
	}
}

func TestEqualVersionSameContent(t *testing.T) {
	r := New()
	a := merklekv.StorageEntry{TimestampMs: 1000, NodeID: "n1", Value: []byte("x")}
	b := merklekv.StorageEntry{TimestampMs: 1000, NodeID: "n1", Value: []byte("x")}
	if got := r.SelectWinner(a, b); got != Equal {
		t.Errorf("SelectWinner() = %v, want Equal", got)
	}
}

func TestEqualVersionDifferentContentIsAnomaly(t *testing.T) {
	r := New()
	a := merklekv.StorageEntry{TimestampMs: 1000, NodeID: "n1", Value: []byte("x")}
	b := merklekv.StorageEntry{TimestampMs: 1000, NodeID: "n1", Value: []byte("z")}
	// Same version vector, different content: classified as anomaly, local kept.
	if got := r.SelectWinner(a, b); got != Local {
		t.Errorf("SelectWinner() = %v, want Local (anomaly keeps local)", got)
	}
}

// TestFutureSkewClamp: a remote event with
// ts = local_now + 10min is clamped to local_now + 5min before LWW.
func TestFutureSkewClamp(t *testing.T) {
	r := New()
	now := time.Now()
	farFuture := uint64(now.Add(10 * time.Minute).UnixMilli())

	clamped := r.ClampTimestamp(farFuture, now)
	boundary := uint64(now.Add(5 * time.Minute).UnixMilli())
	if clamped != boundary {
		t.Errorf("ClampTimestamp() = %d, want %d (5 min boundary)", clamped, boundary)
	}
}

func TestClampLeavesNonSkewedTimestampsAlone(t *testing.T) {
	r := New()
	now := time.Now()
	ts := uint64(now.Add(1 * time.Minute).UnixMilli())
	if got := r.ClampTimestamp(ts, now); got != ts {
		t.Errorf("ClampTimestamp() = %d, want unchanged %d", got, ts)
	}
}
