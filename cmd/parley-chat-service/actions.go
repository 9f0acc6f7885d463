// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/parley-foundation/parley/lib/chat"
	"github.com/parley-foundation/parley/lib/service"
	"github.com/parley-foundation/parley/lib/version"
)

// registerActions wires the socket API onto the server. The one-shot
// actions serve monitoring and debugging; the chat protocol itself
// runs over the chat.attach stream upgrade.
func (s *ChatService) registerActions(server *service.SocketServer) {
	server.Handle("ping", s.handlePing)
	server.Handle("chat.stats", s.handleStats)
	server.Handle("chat.messages", s.handleMessages)
	server.HandleStream("chat.attach", s.handleAttach)
}

// pingResponse is the response to the "ping" action.
type pingResponse struct {
	// UptimeSeconds is how long the service has been running.
	UptimeSeconds float64 `cbor:"uptime_seconds"`

	// Version identifies the running build.
	Version string `cbor:"version"`
}

// handlePing returns a minimal liveness response.
func (s *ChatService) handlePing(ctx context.Context, raw []byte) (any, error) {
	uptime := s.clock.Now().Sub(s.startedAt)
	return pingResponse{
		UptimeSeconds: uptime.Seconds(),
		Version:       version.Info(),
	}, nil
}

// statsResponse is the response to the "chat.stats" action.
type statsResponse struct {
	// MessageCount, ChunkCount, and StreamCount are row counts in the
	// chat store; DatabaseSizeBytes is the database file size.
	MessageCount      int64 `cbor:"message_count"`
	ChunkCount        int64 `cbor:"chunk_count"`
	StreamCount       int64 `cbor:"stream_count"`
	DatabaseSizeBytes int64 `cbor:"database_size_bytes"`

	// Connections is the number of currently attached clients.
	Connections int `cbor:"connections"`
}

// handleStats reports store row counts and the live connection count.
func (s *ChatService) handleStats(ctx context.Context, raw []byte) (any, error) {
	stats, err := s.engine.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return statsResponse{
		MessageCount:      stats.MessageCount,
		ChunkCount:        stats.ChunkCount,
		StreamCount:       stats.StreamCount,
		DatabaseSizeBytes: stats.DatabaseSizeBytes,
		Connections:       s.attachedCount(),
	}, nil
}

// messagesResponse is the response to the "chat.messages" action.
type messagesResponse struct {
	Messages []*chat.Message `cbor:"messages"`
}

// handleMessages dumps the persisted conversation. Debugging surface:
// clients normally receive messages through the attach snapshot, not
// through this action.
func (s *ChatService) handleMessages(ctx context.Context, raw []byte) (any, error) {
	messages, err := s.engine.PersistedMessages(ctx)
	if err != nil {
		return nil, err
	}
	return messagesResponse{Messages: messages}, nil
}
