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

// Package transport declares the narrow interface the replication engine
// consumes from the MQTT pub/sub substrate. Connect/subscribe/publish
// with QoS and LWT, TLS, and credential handling are all out of scope for
// this module (spec.md §1) and live behind this interface; the engine
// only ever calls Publisher/Subscriber.
package transport

import "context"

// Topic identifies one of the three topic roles from spec.md §6:
// command ingress, response egress, or the shared replication broadcast.
type Topic string

// Publisher is the narrow publish-side contract the Event Publisher and
// Correlator depend on. Implementations provide at-least-once QoS and no
// retained messages, per spec.md §6.
type Publisher interface {
	// Publish sends payload to topic. It returns an error if the
	// transport is currently disconnected or the send otherwise fails;
	// callers (the Event Publisher) are responsible for the outbox
	// fallback described in spec.md §4.6.
	Publish(ctx context.Context, topic Topic, payload []byte) error
	// Connected reports the transport's current connectivity state.
	Connected() bool
}

// Handler processes one inbound message.
type Handler func(ctx context.Context, topic Topic, payload []byte)

// Subscriber is the narrow subscribe-side contract the Applicator and
// Correlator depend on.
type Subscriber interface {
	Subscribe(ctx context.Context, topic Topic, h Handler) error
}

// Transport is the full contract a concrete MQTT client adapter
// implements; this module never constructs one, only accepts it at
// construction of the components that need it.
type Transport interface {
	Publisher
	Subscriber
}
