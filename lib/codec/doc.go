// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Parley's standard CBOR encoding configuration.
//
// Parley uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the generation provider's event
//     stream, client tool schemas, and CLI output.
//   - CBOR for internal protocols: the client↔service socket frames and
//     the persisted message/chunk bodies in the actor's store.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every Parley package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes — which is what lets the persistence layer detect "nothing
// changed" by comparing serialized forms.
//
// For buffer-oriented operations (stored bodies):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON or interact with CLI tooling.
//     Examples: socket frame envelopes, persisted store bodies.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats. Examples: protocol events (JSON
//     from the provider, CBOR in stored chunks' decoded form), message
//     parts (CBOR in the store, JSON in CLI --json output).
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract — doubling up is noise that obscures
// whether a type participates in JSON serialization.
package codec
