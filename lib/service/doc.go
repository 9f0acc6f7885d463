// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the Unix socket protocol shared by the
// Parley chat service and its clients.
//
// The protocol is CBOR over a Unix socket. Every connection begins
// with a single request value carrying an "action" field. For
// request-response actions the server processes the request, writes a
// Response envelope, and closes the connection. Stream actions
// instead upgrade the connection: after routing, the registered
// handler takes ownership of the connection for a long-lived duplex
// exchange (the chat frame stream uses this for "chat.attach").
//
//   - SocketServer: accept loop, action dispatch, request timeouts,
//     graceful shutdown. Register request-response handlers with
//     Handle and upgrade handlers with HandleStream.
//   - Client: one-shot Call for request-response actions, Attach for
//     stream upgrades.
//
// Socket-level caller authentication is not implemented: filesystem
// permissions on the socket path determine who can reach the service.
package service
