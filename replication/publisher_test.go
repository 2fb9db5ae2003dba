package replication

import (
	"context"
	"sync"
	"testing"

	"github.com/merklekv/merklekv"
	"github.com/merklekv/merklekv/codec"
	"github.com/merklekv/merklekv/outbox"
	"github.com/merklekv/merklekv/transport"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	fail      bool
	sent      []merklekv.ReplicationEvent
	c         *codec.Codec
}

func newFakeTransport(t *testing.T) *fakeTransport {
	t.Helper()
	c, err := codec.New()
	if err != nil {
		t.Fatalf("codec.New() failed: %v", err)
	}
	return &fakeTransport{c: c}
}

func (f *fakeTransport) Publish(_ context.Context, _ transport.Topic, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return context.DeadlineExceeded
	}
	ev, err := f.c.Decode(payload)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeTransport) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestPublishConnectedSendsDirect(t *testing.T) {
	c, err := codec.New()
	if err != nil {
		t.Fatalf("codec.New() failed: %v", err)
	}
	box, err := outbox.New()
	if err != nil {
		t.Fatalf("outbox.New() failed: %v", err)
	}
	ft := newFakeTransport(t)
	ft.setConnected(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(ctx, c, ft, box, "merklekv/replication/events")

	entry := merklekv.StorageEntry{Key: []byte("k"), Value: []byte("v"), NodeID: "n1", Seq: 1, TimestampMs: 1}
	if err := p.PublishStorageEvent(ctx, entry); err != nil {
		t.Fatalf("PublishStorageEvent() failed: %v", err)
	}
	if ft.sentCount() != 1 {
		t.Errorf("sentCount() = %d, want 1", ft.sentCount())
	}
	if box.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0 (sent directly)", box.PendingCount())
	}
}

func TestPublishDisconnectedEnqueues(t *testing.T) {
	c, err := codec.New()
	if err != nil {
		t.Fatalf("codec.New() failed: %v", err)
	}
	box, err := outbox.New()
	if err != nil {
		t.Fatalf("outbox.New() failed: %v", err)
	}
	ft := newFakeTransport(t)
	ft.setConnected(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(ctx, c, ft, box, "merklekv/replication/events")

	entry := merklekv.StorageEntry{Key: []byte("k"), Value: []byte("v"), NodeID: "n1", Seq: 1, TimestampMs: 1}
	if err := p.PublishStorageEvent(ctx, entry); err != nil {
		t.Fatalf("PublishStorageEvent() failed: %v", err)
	}
	if box.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1", box.PendingCount())
	}
	if ft.sentCount() != 0 {
		t.Errorf("sentCount() = %d, want 0", ft.sentCount())
	}
}

// TestOutboxRecoveryDelivery: with transport
// disconnected, SET produces a pending record; once reconnected, the
// event is delivered in original order.
func TestOutboxRecoveryDelivery(t *testing.T) {
	c, err := codec.New()
	if err != nil {
		t.Fatalf("codec.New() failed: %v", err)
	}
	box, err := outbox.New()
	if err != nil {
		t.Fatalf("outbox.New() failed: %v", err)
	}
	ft := newFakeTransport(t)
	ft.setConnected(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(ctx, c, ft, box, "merklekv/replication/events")

	for i := uint64(1); i <= 3; i++ {
		entry := merklekv.StorageEntry{Key: []byte("k"), Value: []byte("v"), NodeID: "n1", Seq: i, TimestampMs: i}
		if err := p.PublishStorageEvent(ctx, entry); err != nil {
			t.Fatalf("PublishStorageEvent() failed: %v", err)
		}
	}
	if box.PendingCount() != 3 {
		t.Fatalf("PendingCount() = %d, want 3", box.PendingCount())
	}

	ft.setConnected(true)
	p.Drain(ctx)

	if box.PendingCount() != 0 {
		t.Fatalf("PendingCount() after Drain = %d, want 0", box.PendingCount())
	}
	if ft.sentCount() != 3 {
		t.Fatalf("sentCount() after Drain = %d, want 3", ft.sentCount())
	}
	for i, sentEv := range ft.sent {
		if sentEv.Seq != uint64(i+1) {
			t.Errorf("sent[%d].Seq = %d, want %d (FIFO order preserved)", i, sentEv.Seq, i+1)
		}
	}
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	c, err := codec.New()
	if err != nil {
		t.Fatalf("codec.New() failed: %v", err)
	}
	box, err := outbox.New()
	if err != nil {
		t.Fatalf("outbox.New() failed: %v", err)
	}
	ft := newFakeTransport(t)
	ft.setConnected(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(ctx, c, ft, box, "merklekv/replication/events")

	for i := uint64(1); i <= 2; i++ {
		entry := merklekv.StorageEntry{Key: []byte("k"), Value: []byte("v"), NodeID: "n1", Seq: i, TimestampMs: i}
		if err := p.PublishStorageEvent(ctx, entry); err != nil {
			t.Fatalf("PublishStorageEvent() failed: %v", err)
		}
	}

	ft.setConnected(true)
	ft.setFail(true)
	p.Drain(ctx)

	if box.PendingCount() != 2 {
		t.Errorf("PendingCount() after failed drain = %d, want 2 (nothing committed)", box.PendingCount())
	}
}
