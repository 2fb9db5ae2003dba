package codec

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/merklekv/merklekv"
	"github.com/merklekv/merklekv/errs"
	"github.com/merklekv/merklekv/internal/config"
)

func mustCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func TestRoundTrip(t *testing.T) {
	c := mustCodec(t)

	tests := []merklekv.ReplicationEvent{
		{Key: []byte("k1"), NodeID: "n1", Seq: 1, TimestampMs: 1000, Value: []byte("v1")},
		{Key: []byte("k2"), NodeID: "n2", Seq: 2, TimestampMs: 2000, Tombstone: true},
		{Key: []byte{}, NodeID: "", Seq: 0, TimestampMs: 0, Value: []byte{}},
	}

	for _, ev := range tests {
		b, err := c.Encode(ev)
		if err != nil {
			t.Fatalf("Encode(%+v) failed: %v", ev, err)
		}
		got, err := c.Decode(b)
		if err != nil {
			t.Fatalf("Decode() failed: %v", err)
		}
		if diff := cmp.Diff(ev, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestEncodeIsByteStable(t *testing.T) {
	c1 := mustCodec(t)
	c2 := mustCodec(t)

	ev := merklekv.ReplicationEvent{Key: []byte("k"), NodeID: "n1", Seq: 7, TimestampMs: 42, Value: []byte("hello")}

	b1, err := c1.Encode(ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b2, err := c2.Encode(ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Errorf("two encoders produced different bytes for the same event:\n%x\n%x", b1, b2)
	}
}

func TestEncodeOversizeFails(t *testing.T) {
	c := mustCodec(t)
	big := make([]byte, config.MaxEventBytes+1)
	ev := merklekv.ReplicationEvent{Key: []byte("k"), NodeID: "n1", Seq: 1, TimestampMs: 1, Value: big}

	_, err := c.Encode(ev)
	if errs.CodeOf(err) != errs.PayloadTooLarge {
		t.Errorf("Encode() with oversize value: got code %v, want PayloadTooLarge", errs.CodeOf(err))
	}
}

func TestDecodeTruncatedFails(t *testing.T) {
	c := mustCodec(t)
	ev := merklekv.ReplicationEvent{Key: []byte("k"), NodeID: "n1", Seq: 1, TimestampMs: 1, Value: []byte("v")}
	b, err := c.Encode(ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, err = c.Decode(b[:len(b)-2])
	if errs.CodeOf(err) != errs.InvalidRequest {
		t.Errorf("Decode(truncated): got code %v, want InvalidRequest", errs.CodeOf(err))
	}
}

func TestTombstoneOmitsValue(t *testing.T) {
	c := mustCodec(t)
	ev := merklekv.StorageEntry{Key: []byte("k"), NodeID: "n1", Seq: 1, TimestampMs: 1, Tombstone: true}.ToEvent()
	if ev.Value != nil {
		t.Fatalf("ToEvent() on tombstone: Value = %v, want nil", ev.Value)
	}
	b, err := c.Encode(ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := c.Decode(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Value != nil {
		t.Errorf("decoded tombstone Value = %v, want nil", got.Value)
	}
}
