// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat implements Parley's conversation core: a durable,
// resumable streaming-response engine for a single long-lived
// conversation.
//
// The [Engine] is the entry point. It accepts conversation snapshots
// from clients, opens response streams against a model provider
// through the [Streamer] interface, and fans the provider's events out
// to attached connections through the [Broadcaster] interface. Every
// event is handled three ways at once: the verbatim bytes go to the
// chunk log for replay, the decoded [Event] is folded into the
// in-flight [Message] by a [Builder], and the bytes are broadcast live.
// Because the chunk log keeps the exact bytes, a client that
// reconnects — or a service process that restarts — replays the stream
// byte-for-byte identical to the live delivery.
//
// Persistence is SQLite through [Store], with messages serialized as
// deterministic CBOR and chunk bodies transparently compressed. The
// [Persister] sits above the store and skips writes whose content
// digest has not changed, which matters because the engine re-persists
// the whole snapshot on every request. Messages that outgrow the
// configured size cap are shrunk by [CompactMessage]: oversized tool
// outputs are replaced with summaries first, text parts truncated only
// if that was not enough.
//
// Tool calls stream through a small state machine on [ToolPart]:
// input-streaming through input-available to a terminal
// output-available or output-error, with an approval detour for gated
// calls. Results and approval decisions arrive asynchronously from
// clients — often minutes after the owning stream finished — so the
// [Merger] routes each update to the in-flight message when it owns
// the call, or rewrites the persisted copy when it does not. A merged
// update is pushed to every connection as a message_updated frame, and
// can trigger an automatic continuation: a fresh provider stream that
// extends the same assistant message once the current stream settles.
//
// Resumption is a three-step handshake. A connection that attaches
// while a stream is live gets the conversation snapshot plus a
// stream_resuming offer, and no chunks; when it acks, the engine
// replays the chunk log from the start under its lock, so live chunks
// queue behind the replay and the connection sees every chunk exactly
// once, in order. A connection that never acks never receives chunks.
//
// The wire surface is [Frame], a CBOR union exchanged over an attached
// socket connection; [Frame.Validate] enforces that exactly the
// payload named by the kind is present.
package chat
