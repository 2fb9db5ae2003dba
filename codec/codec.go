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

// Package codec implements the deterministic CBOR wire encoding of a
// ReplicationEvent: fixed field order, canonical integer widths, a
// 300 KiB size guard, and byte-identical output for equal events across
// devices.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/merklekv/merklekv"
	"github.com/merklekv/merklekv/errs"
	"github.com/merklekv/merklekv/internal/config"
)

// Codec encodes and decodes ReplicationEvents using canonical CBOR. A
// single Codec is safe for concurrent use; fxamacker/cbor's EncMode and
// DecMode are immutable once built.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// New builds a Codec with canonical encoding options and strict decoding
// (duplicate map keys rejected, unknown-but-required fields cause a
// MalformedPayload rather than being silently ignored).
func New() (*Codec, error) {
	encOpts := cbor.CanonicalEncOptions()
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("codec: building encoder: %w", err)
	}

	decOpts := cbor.DecOptions{
		DupMapKey:  cbor.DupMapKeyEnforcedAPF,
		IntDec:     cbor.IntDecConvertSigned,
		MaxMapPairs: 16,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}
	dec, err := decOpts.DecMode()
	if err != nil {
		return nil, fmt.Errorf("codec: building decoder: %w", err)
	}

	return &Codec{enc: enc, dec: dec}, nil
}

// Encode serializes ev to canonical CBOR. Fails with PayloadTooLarge if
// the resulting payload exceeds config.MaxEventBytes.
func (c *Codec) Encode(ev merklekv.ReplicationEvent) ([]byte, error) {
	b, err := c.enc.Marshal(ev)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "codec: marshal replication event failed", err)
	}
	if len(b) > config.MaxEventBytes {
		return nil, errs.New(errs.PayloadTooLarge, fmt.Sprintf("encoded event is %d bytes, exceeds limit of %d", len(b), config.MaxEventBytes))
	}
	return b, nil
}

// Decode parses b into a ReplicationEvent. Fails with MalformedPayload
// (which has no code of its own and is surfaced as errs.InvalidRequest)
// on truncation, duplicate keys, an unknown field, or a type mismatch in
// a known field.
func (c *Codec) Decode(b []byte) (merklekv.ReplicationEvent, error) {
	var ev merklekv.ReplicationEvent
	if len(b) > config.MaxEventBytes {
		return ev, errs.New(errs.PayloadTooLarge, fmt.Sprintf("payload is %d bytes, exceeds limit of %d", len(b), config.MaxEventBytes))
	}
	if err := c.dec.Unmarshal(b, &ev); err != nil {
		return merklekv.ReplicationEvent{}, errs.Wrap(errs.InvalidRequest, "codec: malformed replication event payload", err)
	}
	return ev, nil
}
