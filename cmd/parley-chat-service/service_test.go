// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parley-foundation/parley/lib/chat"
	"github.com/parley-foundation/parley/lib/clock"
	"github.com/parley-foundation/parley/lib/codec"
	"github.com/parley-foundation/parley/lib/service"
	"github.com/parley-foundation/parley/lib/testutil"
	"github.com/parley-foundation/parley/lib/version"
)

var _ chat.Broadcaster = (*ChatService)(nil)

var serviceTestEpoch = time.Date(2026, time.May, 12, 9, 30, 0, 0, time.UTC)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// streamItem is one scripted outcome of fakeStream.Next.
type streamItem struct {
	event chat.StreamedEvent
	err   error
}

// fakeStream yields events fed by the test. Next blocks until the test
// feeds the next item or the stream context is canceled.
type fakeStream struct {
	items chan streamItem
}

func (s *fakeStream) Next(ctx context.Context) (chat.StreamedEvent, error) {
	select {
	case <-ctx.Done():
		return chat.StreamedEvent{}, ctx.Err()
	case item := <-s.items:
		return item.event, item.err
	}
}

func (s *fakeStream) Close() error { return nil }

// emit feeds one provider event, parsed from its wire form so Raw and
// Event stay consistent the way the real provider path produces them.
func (s *fakeStream) emit(t *testing.T, raw string) {
	t.Helper()
	event, err := chat.ParseEvent([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEvent(%s): %v", raw, err)
	}
	testutil.RequireSend(t, s.items, streamItem{
		event: chat.StreamedEvent{Raw: []byte(raw), Event: event},
	}, 5*time.Second, "feeding stream event")
}

func (s *fakeStream) end(t *testing.T) {
	t.Helper()
	testutil.RequireSend(t, s.items, streamItem{err: io.EOF},
		5*time.Second, "ending stream")
}

// fakeStreamer hands each request a scripted stream and delivers it to
// the test through the streams channel.
type fakeStreamer struct {
	streams chan *fakeStream
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{streams: make(chan *fakeStream, 4)}
}

func (f *fakeStreamer) Stream(ctx context.Context, request chat.StreamRequest) (chat.EventStream, error) {
	stream := &fakeStream{items: make(chan streamItem, 32)}
	f.streams <- stream
	return stream, nil
}

type serviceFixture struct {
	socketPath string
	clock      *clock.FakeClock
	streamer   *fakeStreamer
	service    *ChatService
	engine     *chat.Engine
	stop       context.CancelFunc
}

// startTestService stands up the full stack: SQLite store, engine,
// connection registry, and a socket server on a temp path. Everything
// is torn down through t.Cleanup in reverse order.
func startTestService(t *testing.T) *serviceFixture {
	t.Helper()

	fakeClock := clock.Fake(serviceTestEpoch)
	store, err := chat.OpenStore(chat.StoreConfig{
		Path:     filepath.Join(t.TempDir(), "chat_test.db"),
		PoolSize: 2,
		Clock:    fakeClock,
		Logger:   testLogger(t),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})

	streamer := newFakeStreamer()
	chatService := &ChatService{
		clock:       fakeClock,
		logger:      testLogger(t),
		startedAt:   fakeClock.Now(),
		connections: make(map[string]*connection),
	}
	engine, err := chat.NewEngine(context.Background(), chat.EngineConfig{
		Store:       store,
		Streamer:    streamer,
		Broadcaster: chatService,
		Clock:       fakeClock,
		Logger:      testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(engine.Close)
	chatService.engine = engine

	socketPath := filepath.Join(testutil.SocketDir(t), "chat.sock")
	socketServer := service.NewSocketServer(socketPath, testLogger(t))
	chatService.registerActions(socketServer)

	serveCtx, stop := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- socketServer.Serve(serveCtx)
	}()
	t.Cleanup(func() {
		stop()
		select {
		case err := <-serveDone:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("socket server did not stop")
		}
	})
	waitForSocket(t, socketPath)

	return &serviceFixture{
		socketPath: socketPath,
		clock:      fakeClock,
		streamer:   streamer,
		service:    chatService,
		engine:     engine,
		stop:       stop,
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("socket %s did not appear", path)
}

// attach upgrades a fresh connection to the frame stream and returns
// it with a decoder and encoder bound to it.
func (fx *serviceFixture) attach(t *testing.T) (net.Conn, *codec.Decoder, *codec.Encoder) {
	t.Helper()
	conn, err := service.NewClient(fx.socketPath).Attach(context.Background(), "chat.attach", nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, codec.NewDecoder(conn), codec.NewEncoder(conn)
}

// attachAndSync attaches and consumes the snapshot frame every new
// connection receives first.
func (fx *serviceFixture) attachAndSync(t *testing.T) (net.Conn, *codec.Decoder, *codec.Encoder, *chat.MessagesSync) {
	t.Helper()
	conn, decoder, encoder := fx.attach(t)
	frame := readFrame(t, conn, decoder)
	if frame.Kind != chat.FrameMessagesSync || frame.MessagesSync == nil {
		t.Fatalf("first frame = %q, want messages_sync", frame.Kind)
	}
	return conn, decoder, encoder, frame.MessagesSync
}

// onlyConnectionID returns the id of the single attached connection.
func (fx *serviceFixture) onlyConnectionID(t *testing.T) string {
	t.Helper()
	fx.service.mu.Lock()
	defer fx.service.mu.Unlock()
	if len(fx.service.connections) != 1 {
		t.Fatalf("attached connections = %d, want 1", len(fx.service.connections))
	}
	for id := range fx.service.connections {
		return id
	}
	return ""
}

func readFrame(t *testing.T, conn net.Conn, decoder *codec.Decoder) *chat.Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	var frame chat.Frame
	if err := decoder.Decode(&frame); err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	return &frame
}

func writeFrame(t *testing.T, encoder *codec.Encoder, frame *chat.Frame) {
	t.Helper()
	if err := encoder.Encode(frame); err != nil {
		t.Fatalf("encoding frame: %v", err)
	}
}

func userMessage(id, text string) *chat.Message {
	return &chat.Message{
		ID:   id,
		Role: chat.RoleUser,
		Parts: []chat.Part{
			{Type: chat.PartText, Text: &chat.TextPart{Text: text, State: chat.TextDone}},
		},
	}
}

// sendChatRequest writes a chat_request frame carrying the given
// conversation snapshot and returns the provider stream the engine
// opened for it.
func (fx *serviceFixture) sendChatRequest(t *testing.T, encoder *codec.Encoder, id string, messages ...*chat.Message) *fakeStream {
	t.Helper()
	body, err := codec.Marshal(&chat.ChatRequestBody{Messages: messages})
	if err != nil {
		t.Fatalf("codec.Marshal: %v", err)
	}
	writeFrame(t, encoder, &chat.Frame{
		Kind:        chat.FrameChatRequest,
		ChatRequest: &chat.ChatRequest{ID: id, Body: body},
	})
	return testutil.RequireReceive(t, fx.streamer.streams,
		5*time.Second, "waiting for provider stream")
}

func TestServiceAttachDeliversSnapshot(t *testing.T) {
	fx := startTestService(t)

	_, _, _, sync := fx.attachAndSync(t)
	if len(sync.Messages) != 0 {
		t.Errorf("fresh snapshot carries %d messages, want 0", len(sync.Messages))
	}
}

func TestServiceChatRoundTrip(t *testing.T) {
	fx := startTestService(t)

	conn, decoder, encoder, _ := fx.attachAndSync(t)
	stream := fx.sendChatRequest(t, encoder, "req-1", userMessage("u-1", "say hello"))

	raws := []string{
		`{"type":"start","messageId":"prov-1"}`,
		`{"type":"text-start","id":"t1"}`,
		`{"type":"text-delta","id":"t1","delta":"He"}`,
		`{"type":"text-delta","id":"t1","delta":"llo"}`,
		`{"type":"text-end","id":"t1"}`,
		`{"type":"finish"}`,
	}
	for _, raw := range raws {
		stream.emit(t, raw)
	}
	stream.end(t)

	// Every event arrives verbatim, in order, then the done chunk.
	for i, raw := range raws {
		frame := readFrame(t, conn, decoder)
		if frame.Kind != chat.FrameChunk || frame.Chunk == nil {
			t.Fatalf("frame %d kind = %q, want chunk", i, frame.Kind)
		}
		if frame.Chunk.ID != "req-1" || string(frame.Chunk.Body) != raw {
			t.Errorf("chunk %d = %q id %q, want %q id req-1",
				i, frame.Chunk.Body, frame.Chunk.ID, raw)
		}
	}
	done := readFrame(t, conn, decoder)
	if done.Kind != chat.FrameChunk || done.Chunk == nil || !done.Chunk.Done {
		t.Fatalf("trailing frame = %+v, want done chunk", done)
	}

	// The one-shot debug dump sees the persisted conversation.
	var dump struct {
		Messages []*chat.Message `cbor:"messages"`
	}
	client := service.NewClient(fx.socketPath)
	if err := client.Call(context.Background(), "chat.messages", nil, &dump); err != nil {
		t.Fatalf("chat.messages: %v", err)
	}
	if len(dump.Messages) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(dump.Messages))
	}
	assistant := dump.Messages[1]
	if assistant.Role != chat.RoleAssistant {
		t.Errorf("trailing role = %q, want assistant", assistant.Role)
	}
	if got := assistant.Parts[0].Text.Text; got != "Hello" {
		t.Errorf("assistant text = %q, want Hello", got)
	}
}

func TestServiceSecondClientSeesConversation(t *testing.T) {
	fx := startTestService(t)

	conn, decoder, encoder, _ := fx.attachAndSync(t)
	stream := fx.sendChatRequest(t, encoder, "req-1", userMessage("u-1", "hi"))
	stream.emit(t, `{"type":"start","messageId":"prov-1"}`)
	stream.emit(t, `{"type":"text-start","id":"t1"}`)
	stream.emit(t, `{"type":"text-delta","id":"t1","delta":"hey"}`)
	stream.emit(t, `{"type":"text-end","id":"t1"}`)
	stream.emit(t, `{"type":"finish"}`)
	stream.end(t)
	for {
		frame := readFrame(t, conn, decoder)
		if frame.Kind == chat.FrameChunk && frame.Chunk != nil && frame.Chunk.Done {
			break
		}
	}

	_, _, _, sync := fx.attachAndSync(t)
	if len(sync.Messages) != 2 {
		t.Fatalf("second client snapshot carries %d messages, want 2", len(sync.Messages))
	}
	if sync.Messages[0].ID != "u-1" {
		t.Errorf("snapshot starts with %q, want the user message", sync.Messages[0].ID)
	}
	if sync.Messages[1].Role != chat.RoleAssistant {
		t.Errorf("snapshot trailing role = %q, want assistant", sync.Messages[1].Role)
	}
}

func TestServiceResumeMidStream(t *testing.T) {
	fx := startTestService(t)

	// First client starts a stream and receives the opening chunks.
	conn1, decoder1, encoder1, _ := fx.attachAndSync(t)
	stream := fx.sendChatRequest(t, encoder1, "req-1", userMessage("u-1", "tell me more"))

	early := []string{
		`{"type":"start","messageId":"prov-1"}`,
		`{"type":"text-start","id":"t1"}`,
		`{"type":"text-delta","id":"t1","delta":"chapter one"}`,
	}
	for _, raw := range early {
		stream.emit(t, raw)
	}
	for range early {
		frame := readFrame(t, conn1, decoder1)
		if frame.Kind != chat.FrameChunk {
			t.Fatalf("frame kind = %q, want chunk", frame.Kind)
		}
	}

	// The client drops mid-stream. The stream keeps running.
	conn1.Close()

	// A new client attaches: it gets the snapshot (the user message
	// persisted at request time), then the resume offer.
	conn2, decoder2, encoder2, sync := fx.attachAndSync(t)
	if len(sync.Messages) != 1 || sync.Messages[0].ID != "u-1" {
		t.Fatalf("snapshot = %+v, want just the user message", sync.Messages)
	}
	offer := readFrame(t, conn2, decoder2)
	if offer.Kind != chat.FrameStreamResuming || offer.StreamResuming == nil {
		t.Fatalf("frame kind = %q, want stream_resuming", offer.Kind)
	}
	if offer.StreamResuming.ID != "req-1" {
		t.Errorf("resume offer id = %q, want req-1", offer.StreamResuming.ID)
	}

	// Acknowledging the offer replays every logged chunk in order.
	writeFrame(t, encoder2, &chat.Frame{
		Kind:      chat.FrameResumeAck,
		ResumeAck: &chat.ResumeAck{ID: "req-1"},
	})
	for i, raw := range early {
		frame := readFrame(t, conn2, decoder2)
		if frame.Kind != chat.FrameChunk || frame.Chunk == nil {
			t.Fatalf("replay frame %d kind = %q, want chunk", i, frame.Kind)
		}
		if frame.Chunk.ID != "req-1" || string(frame.Chunk.Body) != raw {
			t.Errorf("replay chunk %d = %q, want %q", i, frame.Chunk.Body, raw)
		}
		if frame.Chunk.Done {
			t.Errorf("replay chunk %d marked done while the stream is live", i)
		}
	}

	// Live chunks follow the replay seamlessly.
	late := []string{
		`{"type":"text-delta","id":"t1","delta":" and two"}`,
		`{"type":"text-end","id":"t1"}`,
		`{"type":"finish"}`,
	}
	for _, raw := range late {
		stream.emit(t, raw)
		frame := readFrame(t, conn2, decoder2)
		if frame.Kind != chat.FrameChunk || string(frame.Chunk.Body) != raw {
			t.Fatalf("live chunk = %+v, want body %q", frame.Chunk, raw)
		}
	}
	stream.end(t)
	done := readFrame(t, conn2, decoder2)
	if done.Kind != chat.FrameChunk || !done.Chunk.Done {
		t.Fatalf("trailing frame = %+v, want done chunk", done)
	}

	var dump struct {
		Messages []*chat.Message `cbor:"messages"`
	}
	if err := service.NewClient(fx.socketPath).Call(context.Background(), "chat.messages", nil, &dump); err != nil {
		t.Fatalf("chat.messages: %v", err)
	}
	if len(dump.Messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(dump.Messages))
	}
	if got := dump.Messages[1].Parts[0].Text.Text; got != "chapter one and two" {
		t.Errorf("assistant text = %q, want the full streamed text", got)
	}
}

func TestServiceHeartbeat(t *testing.T) {
	fx := startTestService(t)

	conn, decoder, _, _ := fx.attachAndSync(t)

	// The writer's ticker is the only pending timer once attached.
	fx.clock.WaitForTimers(1)
	fx.clock.Advance(heartbeatInterval)

	frame := readFrame(t, conn, decoder)
	if frame.Kind != chat.FrameHeartbeat {
		t.Fatalf("frame kind = %q, want heartbeat", frame.Kind)
	}
}

func TestServiceSlowClientDisconnected(t *testing.T) {
	fx := startTestService(t)

	fx.attachAndSync(t)
	id := fx.onlyConnectionID(t)

	// Flood the connection without reading from it. Once the socket
	// and the outgoing queue are both full, delivery fails and the
	// connection is condemned.
	frame := &chat.Frame{Kind: chat.FrameHeartbeat}
	delivered := true
	for i := 0; i < 200000 && delivered; i++ {
		delivered = fx.service.Send(id, frame)
	}
	if delivered {
		t.Fatal("connection never went stale under backpressure")
	}

	// The read loop notices the closed socket and detaches.
	deadline := time.Now().Add(5 * time.Second)
	for fx.service.attachedCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := fx.service.attachedCount(); got != 0 {
		t.Fatalf("attached connections = %d, want 0 after disconnect", got)
	}
}

func TestServiceSkipsRejectedFrames(t *testing.T) {
	fx := startTestService(t)

	conn, decoder, encoder, _ := fx.attachAndSync(t)

	// An unknown kind and a server-only kind are both logged and
	// skipped without tearing down the connection.
	writeFrame(t, encoder, &chat.Frame{Kind: chat.FrameKind("bogus")})
	writeFrame(t, encoder, &chat.Frame{
		Kind:  chat.FrameChunk,
		Chunk: &chat.ResponseChunk{ID: "x", Done: true},
	})

	writeFrame(t, encoder, &chat.Frame{Kind: chat.FrameChatClear})
	frame := readFrame(t, conn, decoder)
	if frame.Kind != chat.FrameCleared {
		t.Fatalf("frame kind = %q, want cleared", frame.Kind)
	}
}

func TestServicePingAction(t *testing.T) {
	fx := startTestService(t)

	fx.clock.Advance(90 * time.Second)

	var pong struct {
		UptimeSeconds float64 `cbor:"uptime_seconds"`
		Version       string  `cbor:"version"`
	}
	if err := service.NewClient(fx.socketPath).Call(context.Background(), "ping", nil, &pong); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if pong.UptimeSeconds != 90 {
		t.Errorf("uptime = %v, want 90", pong.UptimeSeconds)
	}
	if pong.Version != version.Info() {
		t.Errorf("version = %q, want %q", pong.Version, version.Info())
	}
}

func TestServiceStatsAction(t *testing.T) {
	fx := startTestService(t)
	client := service.NewClient(fx.socketPath)

	var stats struct {
		MessageCount int64 `cbor:"message_count"`
		StreamCount  int64 `cbor:"stream_count"`
		Connections  int   `cbor:"connections"`
	}
	if err := client.Call(context.Background(), "chat.stats", nil, &stats); err != nil {
		t.Fatalf("chat.stats: %v", err)
	}
	if stats.MessageCount != 0 || stats.StreamCount != 0 || stats.Connections != 0 {
		t.Errorf("fresh stats = %+v, want all zero", stats)
	}

	fx.attachAndSync(t)
	if err := client.Call(context.Background(), "chat.stats", nil, &stats); err != nil {
		t.Fatalf("chat.stats: %v", err)
	}
	if stats.Connections != 1 {
		t.Errorf("connections = %d, want 1", stats.Connections)
	}
}

func TestServiceShutdownClosesAttachedClients(t *testing.T) {
	fx := startTestService(t)

	conn, decoder, _, _ := fx.attachAndSync(t)

	fx.stop()

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	var frame chat.Frame
	err := decoder.Decode(&frame)
	if err == nil {
		t.Fatal("read succeeded after shutdown, want closed connection")
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatal("connection still open after shutdown")
	}
}
