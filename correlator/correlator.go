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

// Package correlator implements spec.md §4.11: matching request
// identifiers with their responses over an asynchronous, connectionless
// transport (MQTT pub/sub has no built-in request/response notion), with
// per-operation-class timeouts and a dedup cache for late, duplicate
// arrivals.
package correlator

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/merklekv/merklekv/errs"
	"github.com/merklekv/merklekv/internal/config"
)

// Class identifies the operation class a pending request belongs to, for
// timeout selection.
type Class int

const (
	// SingleKey covers GET/SET/DEL/INCR/DECR/APPEND/PREPEND.
	SingleKey Class = iota
	// MultiKey covers MGET/MSET.
	MultiKey
	// Sync covers anti-entropy SYNC/SYNC_KEYS exchanges.
	Sync
)

func (c Class) timeout() time.Duration {
	switch c {
	case MultiKey:
		return config.MultiKeyTimeout
	case Sync:
		return config.SyncTimeout
	default:
		return config.SingleKeyTimeout
	}
}

// pending is one in-flight request awaiting its response.
type pending struct {
	resultCh chan result
}

type result struct {
	payload []byte
	err     error
}

// Correlator matches outgoing request IDs with their eventual response,
// grounded on the teacher's deduper.go (github.com/globocom/go-buffer
// coalescing writes, a bounded completed-response cache) but adapted from
// a write-dedup index into a request/response waiter.
type Correlator struct {
	mu       sync.Mutex
	inflight map[string]*pending

	// completed remembers request IDs whose response has already been
	// delivered, for the 10-minute window spec.md §4.11 requires so a
	// late-arriving duplicate response does not panic on a closed
	// channel or get misdelivered to a newer request reusing the ID.
	completed *lru.LRU[string, struct{}]
}

// New creates a Correlator with the default completed-response window
// and cache size.
func New() *Correlator {
	return &Correlator{
		inflight:  make(map[string]*pending),
		completed: lru.NewLRU[string, struct{}](config.DefaultIdempotencyCacheSize, nil, config.DefaultIdempotencyTTL),
	}
}

// Await registers requestID as in-flight and blocks until either a
// matching Resolve call arrives, ctx is canceled, or the operation
// class's timeout elapses (whichever first class's timeout is shorter
// between the caller-supplied ctx deadline and the class's own limit).
func (c *Correlator) Await(ctx context.Context, requestID string, class Class) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, class.timeout())
	defer cancel()

	p := &pending{resultCh: make(chan result, 1)}
	c.mu.Lock()
	c.inflight[requestID] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, requestID)
		c.mu.Unlock()
	}()

	select {
	case r := <-p.resultCh:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, errs.New(errs.Timeout, "correlator: no response for request "+requestID)
	}
}

// Resolve delivers a response payload for requestID to whichever Await
// call is waiting on it. If no waiter is registered, which happens for a
// duplicate response arriving after the first one already completed the
// wait, nothing is delivered and no error is reported. In both cases
// requestID is recorded as completed for IsDuplicateResponse.
func (c *Correlator) Resolve(requestID string, payload []byte) {
	c.mu.Lock()
	p, ok := c.inflight[requestID]
	if ok {
		delete(c.inflight, requestID)
	}
	c.completed.Add(requestID, struct{}{})
	c.mu.Unlock()

	if ok {
		p.resultCh <- result{payload: payload}
	}
}

// IsDuplicateResponse reports whether requestID's response has already
// been delivered within the completed-response window, so a caller
// receiving a late duplicate can discard it instead of misapplying it.
func (c *Correlator) IsDuplicateResponse(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.completed.Get(requestID)
	return ok
}

// GuardOutgoingSize rejects an outgoing command payload larger than
// spec.md §4.11's 512 KiB limit before it reaches the transport.
func GuardOutgoingSize(payload []byte) error {
	if len(payload) > config.MaxCommandPayloadBytes {
		return errs.New(errs.PayloadTooLarge, "correlator: outgoing payload exceeds size limit")
	}
	return nil
}
