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

// Package replication implements the Event Publisher and Event
// Applicator: the two halves of the
// "local mutation -> wire event -> remote storage" pipeline.
package replication

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	gobuffer "github.com/globocom/go-buffer"
	"k8s.io/klog/v2"

	"github.com/merklekv/merklekv"
	"github.com/merklekv/merklekv/codec"
	"github.com/merklekv/merklekv/lifecycle"
	"github.com/merklekv/merklekv/outbox"
	"github.com/merklekv/merklekv/transport"
)

// Publisher fans a successful local mutation out to the wire.
// PublishStorageEvent is called exactly once per successful mutation;
// it never drops a successfully generated event except via the
// Outbox's counted overflow policy.
type Publisher struct {
	codec   *codec.Codec
	xport   transport.Publisher
	box     *outbox.Outbox
	topic   transport.Topic
	metrics merklekv.Metrics

	// drainSignal coalesces bursts of "try to drain now" triggers (a
	// reconnect, a periodic tick) the same way a durable queue decouples
	// enqueue from its flush callback: multiple signals arriving within
	// the buffer's window collapse into a single drain attempt instead
	// of a drain-storm.
	drainSignal *gobuffer.Buffer
	drainWork   chan struct{}

	// paused is set while the host app is backgrounded, so the drain
	// loop skips work until the app returns to the foreground (see
	// HandleAppState).
	paused atomic.Bool
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithMetrics attaches a metrics sink.
func WithMetrics(m merklekv.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// New creates a Publisher. ctx bounds the lifetime of the internal drain
// coalescing loop.
func New(ctx context.Context, c *codec.Codec, xport transport.Publisher, box *outbox.Outbox, topic transport.Topic, opts ...Option) *Publisher {
	p := &Publisher{
		codec:     c,
		xport:     xport,
		box:       box,
		topic:     topic,
		metrics:   merklekv.NopMetrics{},
		drainWork: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}

	toWork := func(_ []interface{}) {
		select {
		case p.drainWork <- struct{}{}:
		default:
		}
	}
	p.drainSignal = gobuffer.New(
		gobuffer.WithSize(8),
		gobuffer.WithFlushInterval(50*time.Millisecond),
		gobuffer.WithFlusher(gobuffer.FlusherFunc(toWork)),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.drainWork:
				p.Drain(ctx)
			}
		}
	}()
	return p
}

// PublishStorageEvent implements the four-step contract for a single
// successful mutation: encode, try direct publish, fall back to the
// outbox, and count the outcome.
func (p *Publisher) PublishStorageEvent(ctx context.Context, entry merklekv.StorageEntry) error {
	ev := entry.ToEvent()
	payload, err := p.codec.Encode(ev)
	if err != nil {
		return err
	}

	if p.xport.Connected() {
		if err := p.xport.Publish(ctx, p.topic, payload); err == nil {
			p.metrics.Inc("publisher_sent_total", 1)
			return nil
		}
		klog.V(1).Infof("replication: direct publish failed for (%s,%d), falling back to outbox", ev.NodeID, ev.Seq)
	}

	if err := p.box.Enqueue(ev); err != nil {
		return err
	}
	p.metrics.Inc("publisher_enqueued_total", 1)
	return nil
}

// HandleAppState implements lifecycle.Aware: background work pauses
// while the app is backgrounded and resumes (with an immediate drain
// attempt) on return to the foreground.
func (p *Publisher) HandleAppState(state lifecycle.AppState) {
	switch state {
	case lifecycle.Foreground:
		if p.paused.CompareAndSwap(true, false) {
			p.RequestDrain()
		}
	case lifecycle.Background, lifecycle.Terminating:
		p.paused.Store(true)
	}
}

// RequestDrain schedules an attempt to flush the outbox, coalescing
// bursts of calls (e.g. a flapping connection) into a single attempt.
func (p *Publisher) RequestDrain() {
	_ = p.drainSignal.Push(struct{}{})
}

// Drain attempts to flush the outbox in FIFO order, stopping at the
// first record that fails to publish. A small
// bounded retry (github.com/avast/retry-go/v4) smooths over a single
// transient send failure before the drain gives up for this pass.
func (p *Publisher) Drain(ctx context.Context) {
	if p.paused.Load() || !p.xport.Connected() {
		return
	}
	const batchSize = 64
	for {
		batch := p.box.PeekBatch(batchSize)
		if len(batch) == 0 {
			return
		}
		sent := 0
		for _, rec := range batch {
			payload, err := p.codec.Encode(rec.Event)
			if err != nil {
				// A record that can no longer be encoded (e.g. it predates
				// a size-limit tightening) can never succeed; drop it by
				// committing past it so the drain is not stuck forever.
				klog.Errorf("replication: dropping unencodable outbox record (%s,%d): %v", rec.Event.NodeID, rec.Event.Seq, err)
				sent++
				continue
			}
			err = retry.Do(
				func() error { return p.xport.Publish(ctx, p.topic, payload) },
				retry.Attempts(3),
				retry.Delay(20*time.Millisecond),
				retry.Context(ctx),
			)
			if err != nil {
				klog.V(1).Infof("replication: drain stopped at (%s,%d): %v", rec.Event.NodeID, rec.Event.Seq, err)
				if sent > 0 {
					_ = p.box.Commit(sent)
				}
				return
			}
			sent++
		}
		if sent > 0 {
			if err := p.box.Commit(sent); err != nil {
				klog.Errorf("replication: committing drained batch: %v", err)
				return
			}
			p.metrics.Inc("publisher_drained_total", int64(sent))
		}
		if len(batch) < batchSize {
			return
		}
	}
}
