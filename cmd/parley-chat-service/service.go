// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parley-foundation/parley/lib/chat"
	"github.com/parley-foundation/parley/lib/clock"
	"github.com/parley-foundation/parley/lib/codec"
)

// outgoingBufferCap is the per-connection outgoing frame buffer. Must
// be large enough to absorb a conversation snapshot plus a burst of
// chunk replay without blocking the engine. A connection that
// overflows it is disconnected and recovers by re-attaching.
const outgoingBufferCap = 256

// heartbeatInterval is the time between heartbeat frames on an
// attached connection. The client should consider the connection dead
// if no frame (of any kind) arrives within 2x this interval.
const heartbeatInterval = 30 * time.Second

// ChatService bridges attached connections to the chat engine.
// Incoming frames dispatch to engine handlers; outgoing frames fan out
// through the engine's Broadcaster calls. The one-shot debug actions
// (ping, stats, message dump) are served directly.
type ChatService struct {
	// engine is assigned right after construction: the engine takes
	// the service as its Broadcaster, so the two are built in
	// sequence and no frame flows before both exist.
	engine *chat.Engine

	clock     clock.Clock
	logger    *slog.Logger
	startedAt time.Time

	mu          sync.Mutex
	connections map[string]*connection
}

// connection is one attached client. Frames queue on outgoing; a
// dedicated writer goroutine drains the queue so a stalled client
// never blocks the engine. The stale flag latches when the queue
// overflows — from then on the connection is condemned and its socket
// closed.
type connection struct {
	id       string
	conn     net.Conn
	outgoing chan *chat.Frame
	stale    atomic.Bool
}

// Broadcast sends a frame to every attached connection except those in
// exclude. Called by the engine with its lock held, so delivery is
// non-blocking: a connection whose queue is full is disconnected and
// left to re-attach and resume.
func (s *ChatService) Broadcast(frame *chat.Frame, exclude map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.connections {
		if exclude[id] {
			continue
		}
		s.enqueueLocked(c, frame)
	}
}

// Send queues a frame for a single connection. Reports whether the
// connection is still attached and accepted the frame. Called by the
// engine with its lock held.
func (s *ChatService) Send(connectionID string, frame *chat.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, exists := s.connections[connectionID]
	if !exists {
		return false
	}
	return s.enqueueLocked(c, frame)
}

// enqueueLocked queues a frame without blocking. On overflow the
// connection's socket is closed: the read loop sees the closure and
// detaches, and the client recovers through the resume protocol on its
// next attach. Must be called with s.mu held.
func (s *ChatService) enqueueLocked(c *connection, frame *chat.Frame) bool {
	if c.stale.Load() {
		return false
	}
	select {
	case c.outgoing <- frame:
		return true
	default:
		c.stale.Store(true)
		s.logger.Warn("connection cannot keep up, disconnecting",
			"connection_id", c.id,
			"queued", len(c.outgoing),
		)
		c.conn.Close()
		return false
	}
}

// attachedCount returns the number of currently attached connections.
func (s *ChatService) attachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// handleAttach is the stream handler for the "chat.attach" action. It
// registers the connection, lets the engine replay current state (the
// message snapshot and any resumable stream), and pumps frames both
// ways until the client disconnects or the service shuts down.
func (s *ChatService) handleAttach(ctx context.Context, raw []byte, conn net.Conn) {
	c := &connection{
		id:       uuid.NewString(),
		conn:     conn,
		outgoing: make(chan *chat.Frame, outgoingBufferCap),
	}

	s.mu.Lock()
	s.connections[c.id] = c
	s.mu.Unlock()

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		s.writeLoop(ctx, c)
	}()

	// Registration must precede Connect: the engine delivers the
	// snapshot through Send, which only reaches connections already
	// in the registry.
	s.engine.Connect(c.id)
	s.logger.Info("client attached", "connection_id", c.id)

	s.readLoop(ctx, c)

	// Remove from the registry before closing the queue so no
	// broadcast can enqueue onto a closed channel.
	s.mu.Lock()
	delete(s.connections, c.id)
	s.mu.Unlock()
	close(c.outgoing)
	writer.Wait()
	conn.Close()
	s.engine.Disconnect(c.id)
	s.logger.Info("client detached", "connection_id", c.id)
}

// readLoop decodes frames from the client and routes them to the
// engine until the connection fails or is closed. A frame the engine
// rejects is logged and skipped; the connection stays up.
func (s *ChatService) readLoop(ctx context.Context, c *connection) {
	decoder := codec.NewDecoder(c.conn)
	for {
		var frame chat.Frame
		if err := decoder.Decode(&frame); err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read failed",
					"connection_id", c.id, "error", err)
			}
			return
		}
		if err := s.dispatch(ctx, c, &frame); err != nil {
			s.logger.Warn("frame rejected",
				"connection_id", c.id,
				"kind", frame.Kind,
				"error", err,
			)
		}
	}
}

// writeLoop drains the outgoing queue onto the socket and interleaves
// heartbeats. On shutdown it closes the socket, which unblocks the
// read loop; the read loop's exit path owns detach.
func (s *ChatService) writeLoop(ctx context.Context, c *connection) {
	encoder := codec.NewEncoder(c.conn)
	heartbeat := s.clock.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.Close()
			return

		case frame, open := <-c.outgoing:
			if !open {
				return
			}
			if err := encoder.Encode(frame); err != nil {
				s.logger.Debug("write failed",
					"connection_id", c.id, "error", err)
				c.conn.Close()
				return
			}

		case <-heartbeat.C:
			if err := encoder.Encode(&chat.Frame{Kind: chat.FrameHeartbeat}); err != nil {
				s.logger.Debug("heartbeat write failed",
					"connection_id", c.id, "error", err)
				c.conn.Close()
				return
			}
		}
	}
}

// dispatch routes one client frame to the engine. Kinds the service
// only ever sends (chunks, snapshots it authored, resume offers) are
// rejected when they arrive from a client.
func (s *ChatService) dispatch(ctx context.Context, c *connection, frame *chat.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	switch frame.Kind {
	case chat.FrameChatRequest:
		return s.engine.HandleChatRequest(ctx, frame.ChatRequest)
	case chat.FrameMessagesSync:
		return s.engine.HandleMessagesSync(ctx, c.id, frame.MessagesSync)
	case chat.FrameChatClear:
		return s.engine.HandleClear(ctx)
	case chat.FrameRequestCancel:
		s.engine.HandleCancel(frame.RequestCancel.ID)
		return nil
	case chat.FrameResumeRequest:
		s.engine.HandleResumeRequest(c.id)
		return nil
	case chat.FrameResumeAck:
		return s.engine.HandleResumeAck(ctx, c.id, frame.ResumeAck)
	case chat.FrameToolResult:
		return s.engine.HandleToolResult(ctx, frame.ToolResult)
	case chat.FrameToolApproval:
		return s.engine.HandleToolApproval(ctx, frame.ToolApproval)
	case chat.FrameHeartbeat:
		return nil
	default:
		return fmt.Errorf("frame kind %q is not a client request", frame.Kind)
	}
}
