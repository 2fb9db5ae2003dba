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

// Package command implements the Command Processor: the
// GET/SET/DEL/INCR/DECR/APPEND/PREPEND/MGET/MSET surface, fail-closed
// validation, idempotent replay of cached responses, and exactly-once
// sequence allocation per successful mutation.
package command

import (
	"context"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/merklekv/merklekv"
	"github.com/merklekv/merklekv/errs"
	"github.com/merklekv/merklekv/internal/config"
)

// Storage is the narrow slice of storage.Engine the processor reads and
// mutates.
type Storage interface {
	Get(key []byte) (merklekv.StorageEntry, bool)
	Put(entry merklekv.StorageEntry) error
}

// Sequencer hands out monotonic sequence numbers, one per successful
// mutation.
type Sequencer interface {
	Allocate() (uint64, error)
}

// Publisher is notified of every successful mutation so it can fan the
// event out over the transport.
type Publisher interface {
	PublishStorageEvent(ctx context.Context, entry merklekv.StorageEntry) error
}

// Clock supplies the current time in epoch milliseconds for stamping new
// StorageEntry values.
type Clock = config.Clock

// Result is the outcome of a single Command Processor operation, shaped
// to carry both success and error information without a second return
// value, so it can be cached verbatim by the idempotency cache.
type Result struct {
	OK      bool
	Value   []byte
	Code    errs.Code
	Message string
}

func errResult(err error) Result {
	code := errs.CodeOf(err)
	msg := err.Error()
	return Result{Code: code, Message: msg}
}

func okResult(value []byte) Result {
	return Result{OK: true, Value: value}
}

// Processor implements the Command Processor.
type Processor struct {
	storage   Storage
	sequencer Sequencer
	publisher Publisher
	nodeID    string
	clock     Clock
	metrics   merklekv.Metrics

	idempotency *lru.LRU[string, Result]
}

// Option configures a Processor.
type Option func(*Processor)

// WithMetrics attaches a metrics sink.
func WithMetrics(m merklekv.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithIdempotencyCacheSize overrides the default cache size.
func WithIdempotencyCacheSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.idempotency = lru.NewLRU[string, Result](n, nil, config.DefaultIdempotencyTTL)
		}
	}
}

// New creates a Processor. publisher may be nil, in which case mutations
// are still applied to storage but no event is emitted (useful for
// anti-entropy-only or read-replica deployments).
func New(storage Storage, sequencer Sequencer, publisher Publisher, nodeID string, clock Clock, opts ...Option) *Processor {
	p := &Processor{
		storage:     storage,
		sequencer:   sequencer,
		publisher:   publisher,
		nodeID:      nodeID,
		clock:       clock,
		metrics:     merklekv.NopMetrics{},
		idempotency: lru.NewLRU[string, Result](config.DefaultIdempotencyCacheSize, nil, config.DefaultIdempotencyTTL),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) now() uint64 {
	if p.clock != nil {
		return p.clock.NowMillis()
	}
	return 0
}

// cached checks the idempotency cache for requestID, returning the
// cached Result and true if found. An empty requestID always misses.
func (p *Processor) cached(requestID string) (Result, bool) {
	if requestID == "" {
		return Result{}, false
	}
	res, ok := p.idempotency.Get(requestID)
	if ok {
		p.metrics.Inc("command_idempotent_replay_total", 1)
	}
	return res, ok
}

// remember stores a successful result under requestID, a no-op for an
// empty id or an error result (errors are never cached, so a transient
// failure can be retried without replaying a stale error).
func (p *Processor) remember(requestID string, res Result) {
	if requestID == "" || !res.OK {
		return
	}
	p.idempotency.Add(requestID, res)
}

// mutate allocates a sequence number, writes entry to storage, and
// publishes the resulting event if a Publisher was configured. The number
// is allocated before the write, so a write that fails leaves that
// number allocated but unused.
func (p *Processor) mutate(ctx context.Context, entry merklekv.StorageEntry) error {
	entry.NodeID = p.nodeID
	seq, err := p.sequencer.Allocate()
	if err != nil {
		return err
	}
	entry.Seq = seq
	if err := p.storage.Put(entry); err != nil {
		return err
	}
	p.metrics.Inc("command_mutations_total", 1)
	if p.publisher != nil {
		if err := p.publisher.PublishStorageEvent(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// Get implements GET.
func (p *Processor) Get(key []byte) Result {
	if err := validateKey(key); err != nil {
		return errResult(err)
	}
	e, ok := p.storage.Get(key)
	if !ok {
		return Result{Code: errs.NotFound, Message: "key not found"}
	}
	return okResult(e.Value)
}

// Set implements SET, returning the cached response on requestID replay.
func (p *Processor) Set(ctx context.Context, key, value []byte, requestID string) Result {
	if res, ok := p.cached(requestID); ok {
		return res
	}
	if err := validateKeyValue(key, value); err != nil {
		return errResult(err)
	}
	if err := p.mutate(ctx, merklekv.StorageEntry{Key: key, Value: value, TimestampMs: p.now()}); err != nil {
		return errResult(err)
	}
	res := okResult(nil)
	p.remember(requestID, res)
	return res
}

// Del implements DEL. It is idempotent: deleting an already-tombstoned
// or never-existing key still succeeds and still allocates a sequence
// number and emits an event, since the tombstone's own timestamp may
// still need to win a later LWW comparison against a stale remote SET.
func (p *Processor) Del(ctx context.Context, key []byte, requestID string) Result {
	if res, ok := p.cached(requestID); ok {
		return res
	}
	if err := validateKey(key); err != nil {
		return errResult(err)
	}
	if err := p.mutate(ctx, merklekv.StorageEntry{Key: key, TimestampMs: p.now(), Tombstone: true}); err != nil {
		return errResult(err)
	}
	res := okResult(nil)
	p.remember(requestID, res)
	return res
}

// Incr implements INCR/DECR (delta may be negative for DECR).
func (p *Processor) Incr(ctx context.Context, key []byte, delta int64, requestID string) Result {
	if res, ok := p.cached(requestID); ok {
		return res
	}
	if err := validateKey(key); err != nil {
		return errResult(err)
	}

	current := int64(0)
	if e, ok := p.storage.Get(key); ok {
		n, err := parseInt(e.Value)
		if err != nil {
			return errResult(err)
		}
		current = n
	}

	sum, overflow := addOverflows(current, delta)
	if overflow {
		return errResult(errs.New(errs.InvalidType, "command: integer overflow"))
	}

	newValue := []byte(strconv.FormatInt(sum, 10))
	if err := validateValue(newValue); err != nil {
		return errResult(err)
	}
	if err := p.mutate(ctx, merklekv.StorageEntry{Key: key, Value: newValue, TimestampMs: p.now()}); err != nil {
		return errResult(err)
	}
	res := okResult(newValue)
	p.remember(requestID, res)
	return res
}

// concat implements the shared APPEND/PREPEND logic.
func (p *Processor) concat(ctx context.Context, key, s []byte, requestID string, prepend bool) Result {
	if res, ok := p.cached(requestID); ok {
		return res
	}
	if err := validateKey(key); err != nil {
		return errResult(err)
	}

	var current []byte
	if e, ok := p.storage.Get(key); ok {
		current = e.Value
	}

	var newValue []byte
	if prepend {
		newValue = append(append([]byte(nil), s...), current...)
	} else {
		newValue = append(append([]byte(nil), current...), s...)
	}
	if err := validateValue(newValue); err != nil {
		return errResult(err)
	}
	if err := p.mutate(ctx, merklekv.StorageEntry{Key: key, Value: newValue, TimestampMs: p.now()}); err != nil {
		return errResult(err)
	}
	res := okResult(newValue)
	p.remember(requestID, res)
	return res
}

// Append implements APPEND.
func (p *Processor) Append(ctx context.Context, key, s []byte, requestID string) Result {
	return p.concat(ctx, key, s, requestID, false)
}

// Prepend implements PREPEND.
func (p *Processor) Prepend(ctx context.Context, key, s []byte, requestID string) Result {
	return p.concat(ctx, key, s, requestID, true)
}

// MGet implements MGET: keys ≤ config.MaxMGetKeys, one Result per key in
// request order.
func (p *Processor) MGet(keys [][]byte) ([]Result, error) {
	if len(keys) > config.MaxMGetKeys {
		return nil, errs.New(errs.InvalidRequest, "command: MGET exceeds key limit")
	}
	out := make([]Result, len(keys))
	for i, k := range keys {
		out[i] = p.Get(k)
	}
	return out, nil
}

// Pair is one key/value input to MSET.
type Pair struct {
	Key   []byte
	Value []byte
}

// MSet implements MSET: pairs ≤ config.MaxMSetPairs, one Result per pair
// in request order, each pair mutated (and sequenced) independently so a
// single bad pair does not block the others.
func (p *Processor) MSet(ctx context.Context, pairs []Pair) ([]Result, error) {
	if len(pairs) > config.MaxMSetPairs {
		return nil, errs.New(errs.InvalidRequest, "command: MSET exceeds pair limit")
	}
	out := make([]Result, len(pairs))
	for i, pr := range pairs {
		out[i] = p.Set(ctx, pr.Key, pr.Value, "")
	}
	return out, nil
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return errs.New(errs.InvalidRequest, "command: key must not be empty")
	}
	if len(key) > config.MaxKeyBytes {
		return errs.New(errs.PayloadTooLarge, "command: key exceeds size limit")
	}
	return nil
}

func validateValue(value []byte) error {
	if len(value) > config.MaxValueBytes {
		return errs.New(errs.PayloadTooLarge, "command: value exceeds size limit")
	}
	return nil
}

func validateKeyValue(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return validateValue(value)
}

// parseInt implements the numeric parsing rule for INCR/DECR: decimal,
// optional leading sign, no whitespace, leading zeros accepted.
func parseInt(value []byte) (int64, error) {
	s := string(value)
	if s == "" {
		return 0, errs.New(errs.InvalidType, "command: empty value is not an integer")
	}
	for i, r := range s {
		if r == '+' || r == '-' {
			if i != 0 {
				return 0, errs.New(errs.InvalidType, "command: malformed integer")
			}
			continue
		}
		if r < '0' || r > '9' {
			return 0, errs.New(errs.InvalidType, "command: value is not an integer")
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errs.New(errs.InvalidType, "command: integer overflow or malformed value")
	}
	return n, nil
}

// addOverflows reports whether a+b overflows an int64.
func addOverflows(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, true
	}
	return sum, false
}
