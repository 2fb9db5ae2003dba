package correlator

import (
	"context"
	"testing"
	"time"

	"github.com/merklekv/merklekv/errs"
)

func TestAwaitResolvedReturnsPayload(t *testing.T) {
	c := New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(5 * time.Millisecond)
		c.Resolve("req-1", []byte("pong"))
	}()

	got, err := c.Await(context.Background(), "req-1", SingleKey)
	<-done
	if err != nil {
		t.Fatalf("Await() failed: %v", err)
	}
	if string(got) != "pong" {
		t.Errorf("Await() = %q, want %q", got, "pong")
	}
}

func TestAwaitTimesOutWithoutResolve(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Await(ctx, "req-2", SingleKey)
	if errs.CodeOf(err) != errs.Timeout {
		t.Fatalf("Await() error = %v, want Timeout code", err)
	}
}

func TestResolveWithoutWaiterIsNoOp(t *testing.T) {
	c := New()
	c.Resolve("req-3", []byte("late"))
	if !c.IsDuplicateResponse("req-3") {
		t.Errorf("IsDuplicateResponse(req-3) = false after Resolve, want true")
	}
}

func TestDuplicateResponseDetectedAfterDelivery(t *testing.T) {
	c := New()
	go c.Resolve("req-4", []byte("v"))
	if _, err := c.Await(context.Background(), "req-4", SingleKey); err != nil {
		t.Fatalf("Await() failed: %v", err)
	}
	if !c.IsDuplicateResponse("req-4") {
		t.Errorf("IsDuplicateResponse(req-4) = false, want true after first delivery")
	}
}

func TestGuardOutgoingSizeRejectsOversizePayload(t *testing.T) {
	big := make([]byte, 512*1024+1)
	if err := GuardOutgoingSize(big); errs.CodeOf(err) != errs.PayloadTooLarge {
		t.Fatalf("GuardOutgoingSize() error = %v, want PayloadTooLarge", err)
	}
	small := make([]byte, 16)
	if err := GuardOutgoingSize(small); err != nil {
		t.Errorf("GuardOutgoingSize() on small payload failed: %v", err)
	}
}

func TestClassTimeoutOrdering(t *testing.T) {
	if SingleKey.timeout() >= MultiKey.timeout() {
		t.Errorf("SingleKey timeout %v should be shorter than MultiKey timeout %v", SingleKey.timeout(), MultiKey.timeout())
	}
	if MultiKey.timeout() >= Sync.timeout() {
		t.Errorf("MultiKey timeout %v should be shorter than Sync timeout %v", MultiKey.timeout(), Sync.timeout())
	}
}
