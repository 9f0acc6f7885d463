// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Parley-chat-service is the persistent half of a Parley deployment: a
// long-lived daemon that owns the conversation, talks to the generation
// provider, and serves clients over a Unix socket. Clients are
// ephemeral — they attach, render, and disconnect — while the service
// survives them all, persisting every response chunk so an interrupted
// stream can be replayed verbatim after a reconnect or a restart.
//
// # Startup
//
// Configuration comes from the file named by --config or the
// PARLEY_CONFIG environment variable; with neither set the built-in
// development defaults apply. The service creates its state directories,
// opens the SQLite chat store, and adopts any stream that was in flight
// when the previous process died: recent interruptions are finalized
// from the persisted chunk log, stale ones are marked failed. Only then
// does the socket start accepting clients.
//
// # Socket API
//
// Clients connect to the Unix socket and send CBOR requests. The
// "action" field selects the operation. One-shot actions (ping,
// chat.stats, chat.messages) receive a single response envelope and the
// connection closes. The chat.attach action instead upgrades the
// connection to a duplex frame stream: the service replays the
// conversation snapshot and any resumable stream, then both sides
// exchange frames until the client disconnects. Heartbeat frames flow
// every 30 seconds so clients can detect a wedged connection.
package main
