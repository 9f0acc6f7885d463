// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parley-foundation/parley/lib/clock"
	"github.com/parley-foundation/parley/lib/codec"
	"github.com/parley-foundation/parley/lib/testutil"
)

// streamItem is one scripted outcome of fakeStream.Next.
type streamItem struct {
	event StreamedEvent
	err   error
}

// fakeStream yields events fed by the test. Next blocks until the test
// feeds the next item or the stream context is canceled, which is how
// cancel and shutdown paths are exercised.
type fakeStream struct {
	items chan streamItem
}

func (s *fakeStream) Next(ctx context.Context) (StreamedEvent, error) {
	select {
	case <-ctx.Done():
		return StreamedEvent{}, ctx.Err()
	case item := <-s.items:
		return item.event, item.err
	}
}

func (s *fakeStream) Close() error { return nil }

// emit feeds one provider event, parsed from its wire form so Raw and
// Event stay consistent the way the real provider path produces them.
func (s *fakeStream) emit(t *testing.T, raw string) {
	t.Helper()
	event, err := ParseEvent([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEvent(%s): %v", raw, err)
	}
	testutil.RequireSend(t, s.items, streamItem{
		event: StreamedEvent{Raw: []byte(raw), Event: event},
	}, 5*time.Second, "feeding stream event")
}

func (s *fakeStream) end(t *testing.T) {
	t.Helper()
	testutil.RequireSend(t, s.items, streamItem{err: io.EOF},
		5*time.Second, "ending stream")
}

func (s *fakeStream) fail(t *testing.T, err error) {
	t.Helper()
	testutil.RequireSend(t, s.items, streamItem{err: err},
		5*time.Second, "failing stream")
}

type fakeStreamer struct {
	mu       sync.Mutex
	err      error
	requests []StreamRequest
	streams  chan *fakeStream
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{streams: make(chan *fakeStream, 4)}
}

func (f *fakeStreamer) Stream(ctx context.Context, request StreamRequest) (EventStream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	stream := &fakeStream{items: make(chan streamItem, 32)}
	f.streams <- stream
	return stream, nil
}

func (f *fakeStreamer) failNext(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeStreamer) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeStreamer) request(i int) StreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

// sentFrame is one delivery observed by the fake broadcaster. target is
// the connection id for Send, empty for Broadcast.
type sentFrame struct {
	target  string
	exclude map[string]bool
	frame   *Frame
}

// fakeBroadcaster records every delivery. Per the Broadcaster contract
// it never blocks and never calls back into the engine.
type fakeBroadcaster struct {
	mu     sync.Mutex
	gone   map[string]bool
	frames []sentFrame
	notify chan sentFrame
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{
		gone:   make(map[string]bool),
		notify: make(chan sentFrame, 256),
	}
}

func (b *fakeBroadcaster) Broadcast(frame *Frame, exclude map[string]bool) {
	b.record(sentFrame{exclude: exclude, frame: frame})
}

func (b *fakeBroadcaster) Send(connectionID string, frame *Frame) bool {
	b.mu.Lock()
	gone := b.gone[connectionID]
	b.mu.Unlock()
	if gone {
		return false
	}
	b.record(sentFrame{target: connectionID, frame: frame})
	return true
}

func (b *fakeBroadcaster) dropConnection(connectionID string) {
	b.mu.Lock()
	b.gone[connectionID] = true
	b.mu.Unlock()
}

func (b *fakeBroadcaster) record(f sentFrame) {
	b.mu.Lock()
	b.frames = append(b.frames, f)
	b.mu.Unlock()
	select {
	case b.notify <- f:
	default:
	}
}

// await consumes delivery notifications until one matches. The full
// history stays available through history() regardless of what await
// consumed.
func (b *fakeBroadcaster) await(t *testing.T, desc string, match func(sentFrame) bool) sentFrame {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f := <-b.notify:
			if match(f) {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", desc)
		}
	}
}

func (b *fakeBroadcaster) history() []sentFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.frames)
}

func isDoneChunk(requestID string) func(sentFrame) bool {
	return func(f sentFrame) bool {
		return f.frame.Kind == FrameChunk && f.frame.Chunk != nil &&
			f.frame.Chunk.ID == requestID && f.frame.Chunk.Done
	}
}

func isChunkBody(raw string) func(sentFrame) bool {
	return func(f sentFrame) bool {
		return f.frame.Kind == FrameChunk && f.frame.Chunk != nil &&
			string(f.frame.Chunk.Body) == raw
	}
}

type engineFixture struct {
	t           *testing.T
	engine      *Engine
	store       *Store
	clock       *clock.FakeClock
	streamer    *fakeStreamer
	broadcaster *fakeBroadcaster
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, fakeClock := openTestStore(t)
	return newEngineFixtureWithStore(t, store, fakeClock, EngineLimits{})
}

func newEngineFixtureWithStore(t *testing.T, store *Store, fakeClock *clock.FakeClock, limits EngineLimits) *engineFixture {
	t.Helper()
	streamer := newFakeStreamer()
	broadcaster := newFakeBroadcaster()
	engine, err := NewEngine(context.Background(), EngineConfig{
		Store:       store,
		Streamer:    streamer,
		Broadcaster: broadcaster,
		Clock:       fakeClock,
		Logger:      testLogger(t),
		Limits:      limits,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(engine.Close)
	return &engineFixture{
		t:           t,
		engine:      engine,
		store:       store,
		clock:       fakeClock,
		streamer:    streamer,
		broadcaster: broadcaster,
	}
}

// sendRequest submits a chat request carrying the given conversation
// snapshot and returns the provider stream the engine opened for it.
func (fx *engineFixture) sendRequest(id string, messages ...*Message) *fakeStream {
	fx.t.Helper()
	body, err := codec.Marshal(&ChatRequestBody{Messages: messages})
	if err != nil {
		fx.t.Fatalf("codec.Marshal: %v", err)
	}
	if err := fx.engine.HandleChatRequest(context.Background(), &ChatRequest{
		ID: id, Body: body,
	}); err != nil {
		fx.t.Fatalf("HandleChatRequest: %v", err)
	}
	return testutil.RequireReceive(fx.t, fx.streamer.streams,
		5*time.Second, "waiting for provider stream")
}

func TestEngineStreamsResponse(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	user := testMessage("u-1", "say hello")
	stream := fx.sendRequest("req-1", user)

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
	fx.broadcaster.await(t, "done chunk", isDoneChunk("req-1"))

	// Every event was broadcast verbatim, in order, before done.
	var bodies []string
	for _, f := range fx.broadcaster.history() {
		if f.target == "" && f.frame.Kind == FrameChunk && !f.frame.Chunk.Done {
			bodies = append(bodies, string(f.frame.Chunk.Body))
		}
	}
	if !slices.Equal(bodies, raws) {
		t.Errorf("broadcast bodies = %v, want the events in order", bodies)
	}

	messages, err := fx.engine.PersistedMessages(ctx)
	if err != nil {
		t.Fatalf("PersistedMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(messages))
	}
	assistant := messages[1]
	if assistant.Role != RoleAssistant {
		t.Errorf("trailing role = %q, want assistant", assistant.Role)
	}
	if got := assistant.Parts[0].Text.Text; got != "Hello" {
		t.Errorf("assistant text = %q, want Hello", got)
	}
	// The provider's message id was not adopted.
	if assistant.ID == "prov-1" {
		t.Error("provider message id leaked into the stored message")
	}

	meta, found, err := fx.store.StreamForRequest(ctx, "req-1")
	if err != nil || !found {
		t.Fatalf("StreamForRequest: found=%v err=%v", found, err)
	}
	if meta.Status != StreamStatusCompleted {
		t.Errorf("stream status = %q, want completed", meta.Status)
	}
	if meta.MessageID != assistant.ID {
		t.Errorf("stream message binding = %q, want %q", meta.MessageID, assistant.ID)
	}

	// The provider saw the conversation snapshot.
	if req := fx.streamer.request(0); len(req.Messages) != 1 || req.Messages[0].ID != "u-1" {
		t.Errorf("provider request messages = %+v, want the user message", req.Messages)
	}
}

func TestEngineRejectsBadRequests(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	if err := fx.engine.HandleChatRequest(ctx, &ChatRequest{}); err == nil {
		t.Error("request without id accepted")
	}

	if err := fx.engine.HandleChatRequest(ctx, &ChatRequest{
		ID: "req-bad", Body: []byte("definitely not cbor"),
	}); err == nil {
		t.Error("undecodable body accepted")
	}
	f := fx.broadcaster.await(t, "error chunk", isDoneChunk("req-bad"))
	if f.frame.Chunk.Error == "" {
		t.Error("error chunk carries no error text")
	}

	empty, err := codec.Marshal(&ChatRequestBody{})
	if err != nil {
		t.Fatalf("codec.Marshal: %v", err)
	}
	if err := fx.engine.HandleChatRequest(ctx, &ChatRequest{ID: "req-2", Body: empty}); err == nil {
		t.Error("request without messages accepted")
	}

	invalid, err := codec.Marshal(&ChatRequestBody{
		Messages: []*Message{{ID: "m-1", Role: RoleUser}},
	})
	if err != nil {
		t.Fatalf("codec.Marshal: %v", err)
	}
	if err := fx.engine.HandleChatRequest(ctx, &ChatRequest{ID: "req-3", Body: invalid}); err == nil {
		t.Error("request with invalid message accepted")
	}

	if got := fx.streamer.requestCount(); got != 0 {
		t.Errorf("provider contacted %d times for rejected requests", got)
	}
}

func TestEngineResumeReplay(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.engine.Connect("conn-A")
	stream := fx.sendRequest("req-1", testMessage("u-1", "hi"))

	raws := []string{
		`{"type":"start"}`,
		`{"type":"text-start","id":"t1"}`,
		`{"type":"text-delta","id":"t1","delta":"strea"}`,
		`{"type":"text-delta","id":"t1","delta":"ming"}`,
		`{"type":"finish"}`,
	}
	stream.emit(t, raws[0])
	stream.emit(t, raws[1])
	fx.broadcaster.await(t, "second chunk", isChunkBody(raws[1]))

	// conn-B attaches mid-stream: snapshot plus a resume offer, and
	// no chunks until it acks. Broadcasts before this point never
	// reached conn-B.
	joined := len(fx.broadcaster.history())
	fx.engine.Connect("conn-B")
	offer := fx.broadcaster.await(t, "resume offer", func(f sentFrame) bool {
		return f.target == "conn-B" && f.frame.Kind == FrameStreamResuming
	})
	if offer.frame.StreamResuming.ID != "req-1" {
		t.Errorf("offer names request %q, want req-1", offer.frame.StreamResuming.ID)
	}

	stream.emit(t, raws[2])
	third := fx.broadcaster.await(t, "third chunk", isChunkBody(raws[2]))
	if third.target != "" || !third.exclude["conn-B"] {
		t.Errorf("mid-resume chunk delivery = %+v, want broadcast excluding conn-B", third)
	}

	if err := fx.engine.HandleResumeAck(ctx, "conn-B", &ResumeAck{ID: "req-1"}); err != nil {
		t.Fatalf("HandleResumeAck: %v", err)
	}

	stream.emit(t, raws[3])
	stream.emit(t, raws[4])
	stream.end(t)
	fx.broadcaster.await(t, "done chunk", isDoneChunk("req-1"))

	// conn-B saw every chunk exactly once and in order: the first
	// three replayed, the rest live after the ack.
	var seen []string
	done := 0
	for i, f := range fx.broadcaster.history() {
		if i < joined || f.frame.Kind != FrameChunk {
			continue
		}
		replayed := f.target == "conn-B"
		live := f.target == "" && !f.exclude["conn-B"]
		if !replayed && !live {
			continue
		}
		if f.frame.Chunk.Done {
			done++
			continue
		}
		seen = append(seen, string(f.frame.Chunk.Body))
	}
	if !slices.Equal(seen, raws) {
		t.Errorf("conn-B chunk sequence = %v, want %v", seen, raws)
	}
	if done != 1 {
		t.Errorf("conn-B saw %d done chunks, want 1", done)
	}
}

func TestEngineResumeAckUnknownRequest(t *testing.T) {
	fx := newEngineFixture(t)

	fx.engine.Connect("conn-A")
	if err := fx.engine.HandleResumeAck(context.Background(), "conn-A",
		&ResumeAck{ID: "ghost"}); err != nil {
		t.Fatalf("HandleResumeAck: %v", err)
	}

	f := fx.broadcaster.await(t, "terminal done", func(f sentFrame) bool {
		return f.target == "conn-A" && isDoneChunk("ghost")(f)
	})
	if f.frame.Chunk.Error != "" || len(f.frame.Chunk.Body) != 0 {
		t.Errorf("terminal chunk = %+v, want bare done", f.frame.Chunk)
	}
}

func TestEngineResumeAckFinishedStream(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	stream := fx.sendRequest("req-1", testMessage("u-1", "hi"))
	raws := []string{
		`{"type":"text-start","id":"t1"}`,
		`{"type":"text-delta","id":"t1","delta":"done already"}`,
		`{"type":"text-end","id":"t1"}`,
		`{"type":"finish"}`,
	}
	for _, raw := range raws {
		stream.emit(t, raw)
	}
	stream.end(t)
	fx.broadcaster.await(t, "done chunk", isDoneChunk("req-1"))

	// A client reconnecting after the stream finished gets the whole
	// log plus a final done, entirely as targeted sends.
	fx.engine.Connect("conn-late")
	if err := fx.engine.HandleResumeAck(ctx, "conn-late", &ResumeAck{ID: "req-1"}); err != nil {
		t.Fatalf("HandleResumeAck: %v", err)
	}
	fx.broadcaster.await(t, "replay done", func(f sentFrame) bool {
		return f.target == "conn-late" && isDoneChunk("req-1")(f)
	})

	var seen []string
	for _, f := range fx.broadcaster.history() {
		if f.target == "conn-late" && f.frame.Kind == FrameChunk && !f.frame.Chunk.Done {
			seen = append(seen, string(f.frame.Chunk.Body))
		}
	}
	if !slices.Equal(seen, raws) {
		t.Errorf("replayed sequence = %v, want %v", seen, raws)
	}
}

func TestEngineToolResultInflight(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	stream := fx.sendRequest("req-1", testMessage("u-1", "look this up"))
	input := `{"type":"tool-input-available","toolCallId":"c-1","toolName":"search","input":{"q":"go"}}`
	stream.emit(t, input)
	fx.broadcaster.await(t, "tool chunk", isChunkBody(input))

	if err := fx.engine.HandleToolResult(ctx, &ToolResult{
		ToolCallID: "c-1",
		Output:     []byte(`{"hits":3}`),
	}); err != nil {
		t.Fatalf("HandleToolResult: %v", err)
	}

	updated := fx.broadcaster.await(t, "message update", func(f sentFrame) bool {
		return f.frame.Kind == FrameMessageUpdated
	})
	tool := updated.frame.MessageUpdated.Message.FindToolPart("c-1")
	if tool == nil || tool.State != ToolOutputAvailable {
		t.Fatalf("updated tool = %+v, want output-available", tool)
	}
	if string(tool.Output) != `{"hits":3}` {
		t.Errorf("updated output = %s, want {\"hits\":3}", tool.Output)
	}

	stream.emit(t, `{"type":"finish"}`)
	stream.end(t)
	fx.broadcaster.await(t, "done chunk", isDoneChunk("req-1"))

	messages, err := fx.engine.PersistedMessages(ctx)
	if err != nil || len(messages) != 2 {
		t.Fatalf("PersistedMessages: %d, err %v", len(messages), err)
	}
	if tool := messages[1].FindToolPart("c-1"); tool.State != ToolOutputAvailable {
		t.Errorf("persisted tool state = %q, want output-available", tool.State)
	}
}

func TestEngineToolResultPersisted(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	stream := fx.sendRequest("req-1", testMessage("u-1", "look this up"))
	stream.emit(t, `{"type":"tool-input-available","toolCallId":"c-1","toolName":"search","input":{}}`)
	stream.emit(t, `{"type":"finish"}`)
	stream.end(t)
	fx.broadcaster.await(t, "done chunk", isDoneChunk("req-1"))

	// The owning message is persisted by now; the result lands there.
	if err := fx.engine.HandleToolResult(ctx, &ToolResult{
		ToolCallID: "c-1",
		Output:     []byte(`{"hits":7}`),
	}); err != nil {
		t.Fatalf("HandleToolResult: %v", err)
	}
	fx.broadcaster.await(t, "message update", func(f sentFrame) bool {
		return f.frame.Kind == FrameMessageUpdated
	})

	messages, err := fx.engine.PersistedMessages(ctx)
	if err != nil || len(messages) != 2 {
		t.Fatalf("PersistedMessages: %d, err %v", len(messages), err)
	}
	tool := messages[1].FindToolPart("c-1")
	if tool.State != ToolOutputAvailable || string(tool.Output) != `{"hits":7}` {
		t.Errorf("persisted tool = %+v, want merged output", tool)
	}
}

func TestEngineDeniedApprovalContinues(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	stream := fx.sendRequest("req-1", testMessage("u-1", "delete it"))
	for _, raw := range []string{
		`{"type":"tool-input-available","toolCallId":"c-1","toolName":"delete_file","input":{"path":"/tmp/x"}}`,
		`{"type":"tool-approval-request","toolCallId":"c-1","approvalId":"ap-1"}`,
		`{"type":"finish"}`,
	} {
		stream.emit(t, raw)
	}
	stream.end(t)
	fx.broadcaster.await(t, "done chunk", isDoneChunk("req-1"))

	if err := fx.engine.HandleToolApproval(ctx, &ToolApproval{
		ToolCallID:   "c-1",
		ApprovalID:   "ap-1",
		Approved:     false,
		AutoContinue: true,
	}); err != nil {
		t.Fatalf("HandleToolApproval: %v", err)
	}

	// The denial is terminal, so a continuation starts immediately and
	// carries the denied call back to the provider.
	continuation := testutil.RequireReceive(t, fx.streamer.streams,
		5*time.Second, "waiting for continuation stream")
	req := fx.streamer.request(1)
	if len(req.Messages) != 2 {
		t.Fatalf("continuation carries %d messages, want 2", len(req.Messages))
	}
	tool := req.Messages[1].FindToolPart("c-1")
	if tool == nil || tool.State != ToolOutputError {
		t.Fatalf("continuation tool = %+v, want output-error", tool)
	}
	if tool.ErrorText != deniedToolErrorText {
		t.Errorf("denial text = %q, want %q", tool.ErrorText, deniedToolErrorText)
	}
	if tool.Approval == nil || tool.Approval.Approved {
		t.Errorf("approval record = %+v, want denied", tool.Approval)
	}

	assistantID := req.Messages[1].ID
	for _, raw := range []string{
		`{"type":"text-start","id":"t1"}`,
		`{"type":"text-delta","id":"t1","delta":"Understood, leaving it alone."}`,
		`{"type":"text-end","id":"t1"}`,
		`{"type":"finish"}`,
	} {
		continuation.emit(t, raw)
	}
	continuation.end(t)
	done := fx.broadcaster.await(t, "continuation done", func(f sentFrame) bool {
		return f.frame.Kind == FrameChunk && f.frame.Chunk.Done && f.frame.Chunk.Continuation
	})
	if done.frame.Chunk.Error != "" {
		t.Errorf("continuation finished with error %q", done.frame.Chunk.Error)
	}

	// The continuation extended the same assistant message.
	messages, err := fx.engine.PersistedMessages(ctx)
	if err != nil || len(messages) != 2 {
		t.Fatalf("PersistedMessages: %d, err %v", len(messages), err)
	}
	assistant := messages[1]
	if assistant.ID != assistantID {
		t.Errorf("assistant id changed across continuation: %q vs %q", assistant.ID, assistantID)
	}
	var text string
	for _, part := range assistant.Parts {
		if part.Text != nil {
			text = part.Text.Text
		}
	}
	if text != "Understood, leaving it alone." {
		t.Errorf("continuation text = %q", text)
	}
}

func TestEngineApprovalWaitsForResult(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	stream := fx.sendRequest("req-1", testMessage("u-1", "fetch it"))
	for _, raw := range []string{
		`{"type":"tool-input-available","toolCallId":"c-1","toolName":"fetch","input":{}}`,
		`{"type":"tool-approval-request","toolCallId":"c-1","approvalId":"ap-1"}`,
		`{"type":"finish"}`,
	} {
		stream.emit(t, raw)
	}
	stream.end(t)
	fx.broadcaster.await(t, "done chunk", isDoneChunk("req-1"))

	// Approving does not continue: the call now waits for its result.
	if err := fx.engine.HandleToolApproval(ctx, &ToolApproval{
		ToolCallID:   "c-1",
		ApprovalID:   "ap-1",
		Approved:     true,
		AutoContinue: true,
	}); err != nil {
		t.Fatalf("HandleToolApproval: %v", err)
	}
	messages, err := fx.engine.PersistedMessages(ctx)
	if err != nil {
		t.Fatalf("PersistedMessages: %v", err)
	}
	if tool := messages[1].FindToolPart("c-1"); tool.State != ToolApprovalResponded {
		t.Fatalf("tool state = %q, want approval-responded", tool.State)
	}
	if got := fx.streamer.requestCount(); got != 1 {
		t.Fatalf("approval alone started a continuation: %d requests", got)
	}

	// The result arrives and triggers the continuation.
	if err := fx.engine.HandleToolResult(ctx, &ToolResult{
		ToolCallID:   "c-1",
		Output:       []byte(`{"bytes":512}`),
		AutoContinue: true,
	}); err != nil {
		t.Fatalf("HandleToolResult: %v", err)
	}
	continuation := testutil.RequireReceive(t, fx.streamer.streams,
		5*time.Second, "waiting for continuation stream")
	if tool := fx.streamer.request(1).Messages[1].FindToolPart("c-1"); tool.State != ToolOutputAvailable {
		t.Errorf("continuation tool state = %q, want output-available", tool.State)
	}

	continuation.emit(t, `{"type":"finish"}`)
	continuation.end(t)
	fx.broadcaster.await(t, "continuation done", func(f sentFrame) bool {
		return f.frame.Kind == FrameChunk && f.frame.Chunk.Done && f.frame.Chunk.Continuation
	})
}

func TestEngineAutoContinueWaitsForActiveStream(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	stream := fx.sendRequest("req-1", testMessage("u-1", "search while talking"))
	input := `{"type":"tool-input-available","toolCallId":"c-1","toolName":"search","input":{}}`
	stream.emit(t, input)
	fx.broadcaster.await(t, "tool chunk", isChunkBody(input))

	// The result lands mid-stream; the continuation must hold until
	// the provider finishes this response.
	if err := fx.engine.HandleToolResult(ctx, &ToolResult{
		ToolCallID:   "c-1",
		Output:       []byte(`{"hits":1}`),
		AutoContinue: true,
	}); err != nil {
		t.Fatalf("HandleToolResult: %v", err)
	}

	for _, raw := range []string{
		`{"type":"text-start","id":"t1"}`,
		`{"type":"text-delta","id":"t1","delta":"Found it."}`,
		`{"type":"text-end","id":"t1"}`,
		`{"type":"finish"}`,
	} {
		stream.emit(t, raw)
	}
	stream.end(t)

	continuation := testutil.RequireReceive(t, fx.streamer.streams,
		5*time.Second, "waiting for continuation stream")

	// The continuation saw the full first response: merged tool output
	// and the text the provider streamed after the result arrived.
	assistant := fx.streamer.request(1).Messages[1]
	if tool := assistant.FindToolPart("c-1"); tool == nil || tool.State != ToolOutputAvailable {
		t.Errorf("continuation tool = %+v, want merged output", tool)
	}
	foundText := false
	for _, part := range assistant.Parts {
		if part.Text != nil && part.Text.Text == "Found it." {
			foundText = true
		}
	}
	if !foundText {
		t.Error("continuation request missing the first response's text")
	}

	continuation.emit(t, `{"type":"finish"}`)
	continuation.end(t)
	fx.broadcaster.await(t, "continuation done", func(f sentFrame) bool {
		return f.frame.Kind == FrameChunk && f.frame.Chunk.Done && f.frame.Chunk.Continuation
	})
}

func TestEngineCancelRequest(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	stream := fx.sendRequest("req-1", testMessage("u-1", "long answer please"))
	raws := []string{
		`{"type":"text-start","id":"t1"}`,
		`{"type":"text-delta","id":"t1","delta":"par"}`,
	}
	for _, raw := range raws {
		stream.emit(t, raw)
	}
	fx.broadcaster.await(t, "partial chunk", isChunkBody(raws[1]))

	fx.engine.HandleCancel("req-1")

	done := fx.broadcaster.await(t, "done chunk", isDoneChunk("req-1"))
	if done.frame.Chunk.Error == "" {
		t.Error("canceled stream finished without error text")
	}

	// The partial survives: persisted message and replayable chunks.
	messages, err := fx.engine.PersistedMessages(ctx)
	if err != nil || len(messages) != 2 {
		t.Fatalf("PersistedMessages: %d, err %v", len(messages), err)
	}
	if got := messages[1].Parts[0].Text.Text; got != "par" {
		t.Errorf("partial text = %q, want par", got)
	}
	meta, found, err := fx.store.StreamForRequest(ctx, "req-1")
	if err != nil || !found {
		t.Fatalf("StreamForRequest: found=%v err=%v", found, err)
	}
	if meta.Status != StreamStatusError {
		t.Errorf("stream status = %q, want error", meta.Status)
	}
	chunks, err := fx.store.ChunksForStream(ctx, meta.ID)
	if err != nil || len(chunks) != 2 {
		t.Errorf("replayable chunks = %d, err %v; want 2", len(chunks), err)
	}

	// Cancel for an unknown request is a no-op.
	fx.engine.HandleCancel("req-unknown")
}

func TestEngineClear(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	stream := fx.sendRequest("req-1", testMessage("u-1", "hi"))
	stream.emit(t, `{"type":"text-start","id":"t1"}`)
	stream.emit(t, `{"type":"text-delta","id":"t1","delta":"partial"}`)
	fx.broadcaster.await(t, "chunk", isChunkBody(`{"type":"text-delta","id":"t1","delta":"partial"}`))

	if err := fx.engine.HandleClear(ctx); err != nil {
		t.Fatalf("HandleClear: %v", err)
	}
	fx.broadcaster.await(t, "cleared frame", func(f sentFrame) bool {
		return f.frame.Kind == FrameCleared
	})

	messages, err := fx.engine.PersistedMessages(ctx)
	if err != nil {
		t.Fatalf("PersistedMessages: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("%d messages survive clear", len(messages))
	}
	stats, err := fx.engine.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.MessageCount != 0 || stats.ChunkCount != 0 || stats.StreamCount != 0 {
		t.Errorf("stats after clear = %+v, want all zero", stats)
	}
}

func TestEngineMessagesSync(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	stream := fx.sendRequest("req-1", testMessage("u-1", "hi"))
	stream.emit(t, `{"type":"text-start","id":"t1"}`)
	stream.emit(t, `{"type":"text-delta","id":"t1","delta":"reply"}`)
	stream.emit(t, `{"type":"text-end","id":"t1"}`)
	stream.emit(t, `{"type":"finish"}`)
	stream.end(t)
	fx.broadcaster.await(t, "done chunk", isDoneChunk("req-1"))

	// The client edited locally: the assistant reply is gone and the
	// user message changed.
	edited := testMessage("u-1", "hi (edited)")
	if err := fx.engine.HandleMessagesSync(ctx, "conn-editor", &MessagesSync{
		Messages: []*Message{edited},
	}); err != nil {
		t.Fatalf("HandleMessagesSync: %v", err)
	}

	fanout := fx.broadcaster.await(t, "sync fanout", func(f sentFrame) bool {
		return f.target == "" && f.frame.Kind == FrameMessagesSync
	})
	if !fanout.exclude["conn-editor"] {
		t.Error("sync fanout went back to the editing connection")
	}
	if got := len(fanout.frame.MessagesSync.Messages); got != 1 {
		t.Errorf("fanout carries %d messages, want 1", got)
	}

	ids, err := fx.store.MessageIDs(ctx)
	if err != nil {
		t.Fatalf("MessageIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "u-1" {
		t.Errorf("stored ids = %v, want [u-1]", ids)
	}
	messages, err := fx.engine.PersistedMessages(ctx)
	if err != nil || len(messages) != 1 {
		t.Fatalf("PersistedMessages: %d, err %v", len(messages), err)
	}
	if got := messages[0].Parts[0].Text.Text; got != "hi (edited)" {
		t.Errorf("stored text = %q, want the edit", got)
	}
}

func TestEngineOversizedDataPassthrough(t *testing.T) {
	store, fakeClock := openTestStore(t)
	fx := newEngineFixtureWithStore(t, store, fakeClock, EngineLimits{DataPartBytes: 64})
	ctx := context.Background()

	stream := fx.sendRequest("req-1", testMessage("u-1", "chart it"))
	small := `{"type":"data-point","id":"d1","data":{"v":1}}`
	big := `{"type":"data-point","id":"d2","data":"` + strings.Repeat("x", 100) + `"}`
	stream.emit(t, small)
	stream.emit(t, big)
	fx.broadcaster.await(t, "big data chunk", isChunkBody(big))
	stream.emit(t, `{"type":"finish"}`)
	stream.end(t)
	fx.broadcaster.await(t, "done chunk", isDoneChunk("req-1"))

	// Live listeners saw both; the log and the message keep only the
	// small one.
	var sawSmall, sawBig bool
	for _, f := range fx.broadcaster.history() {
		if f.frame.Kind != FrameChunk || f.frame.Chunk.Done {
			continue
		}
		switch string(f.frame.Chunk.Body) {
		case small:
			sawSmall = true
		case big:
			sawBig = true
		}
	}
	if !sawSmall || !sawBig {
		t.Fatalf("live delivery: small=%v big=%v, want both", sawSmall, sawBig)
	}

	meta, _, err := fx.store.StreamForRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("StreamForRequest: %v", err)
	}
	chunks, err := fx.store.ChunksForStream(ctx, meta.ID)
	if err != nil {
		t.Fatalf("ChunksForStream: %v", err)
	}
	for _, body := range chunks {
		if bytes.Equal(body, []byte(big)) {
			t.Error("oversized data event reached the chunk log")
		}
	}

	messages, err := fx.engine.PersistedMessages(ctx)
	if err != nil || len(messages) != 2 {
		t.Fatalf("PersistedMessages: %d, err %v", len(messages), err)
	}
	var dataParts int
	for _, part := range messages[1].Parts {
		if part.Data != nil {
			dataParts++
			if part.Data.ID != "d1" {
				t.Errorf("retained data part = %q, want d1", part.Data.ID)
			}
		}
	}
	if dataParts != 1 {
		t.Errorf("retained %d data parts, want 1", dataParts)
	}
}

func TestEngineSupersedesActiveStream(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	first := fx.sendRequest("req-1", testMessage("u-1", "first question"))
	first.emit(t, `{"type":"text-start","id":"t1"}`)
	first.emit(t, `{"type":"text-delta","id":"t1","delta":"half an ans"}`)
	fx.broadcaster.await(t, "first chunk", isChunkBody(`{"type":"text-delta","id":"t1","delta":"half an ans"}`))

	// A new request supersedes the running one. The client's snapshot
	// is the whole conversation; the superseded partial is not in it.
	second := fx.sendRequest("req-2",
		testMessage("u-1", "first question"),
		testMessage("u-2", "never mind, new question"))

	failed := fx.broadcaster.await(t, "superseded done", isDoneChunk("req-1"))
	if failed.frame.Chunk.Error == "" {
		t.Error("superseded stream finished without error text")
	}
	meta, found, err := fx.store.StreamForRequest(ctx, "req-1")
	if err != nil || !found {
		t.Fatalf("StreamForRequest: found=%v err=%v", found, err)
	}
	if meta.Status != StreamStatusError {
		t.Errorf("superseded status = %q, want error", meta.Status)
	}

	if req := fx.streamer.request(1); len(req.Messages) != 2 || req.Messages[1].ID != "u-2" {
		t.Errorf("second request messages = %+v, want the new snapshot", req.Messages)
	}

	second.emit(t, `{"type":"text-start","id":"t1"}`)
	second.emit(t, `{"type":"text-delta","id":"t1","delta":"answering the new one"}`)
	second.emit(t, `{"type":"text-end","id":"t1"}`)
	second.emit(t, `{"type":"finish"}`)
	second.end(t)
	fx.broadcaster.await(t, "second done", isDoneChunk("req-2"))

	messages, err := fx.engine.PersistedMessages(ctx)
	if err != nil {
		t.Fatalf("PersistedMessages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("persisted %d messages, want u-1, u-2, assistant", len(messages))
	}
	if got := messages[2].Parts[0].Text.Text; got != "answering the new one" {
		t.Errorf("final text = %q", got)
	}
}

func TestEngineProviderFailure(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.streamer.failNext(errors.New("upstream said no"))
	body, err := codec.Marshal(&ChatRequestBody{
		Messages: []*Message{testMessage("u-1", "hi")},
	})
	if err != nil {
		t.Fatalf("codec.Marshal: %v", err)
	}
	if err := fx.engine.HandleChatRequest(ctx, &ChatRequest{ID: "req-1", Body: body}); err != nil {
		t.Fatalf("HandleChatRequest: %v", err)
	}

	done := fx.broadcaster.await(t, "failure done", isDoneChunk("req-1"))
	if !strings.Contains(done.frame.Chunk.Error, "upstream said no") {
		t.Errorf("error text = %q, want the provider failure", done.frame.Chunk.Error)
	}

	// Nothing streamed, so only the user message is stored.
	messages, err := fx.engine.PersistedMessages(ctx)
	if err != nil || len(messages) != 1 {
		t.Errorf("PersistedMessages: %d, err %v; want just the user message", len(messages), err)
	}
}

func TestEngineMidStreamFailure(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	stream := fx.sendRequest("req-1", testMessage("u-1", "hi"))
	stream.emit(t, `{"type":"text-start","id":"t1"}`)
	stream.emit(t, `{"type":"text-delta","id":"t1","delta":"half"}`)
	stream.fail(t, errors.New("connection reset"))

	done := fx.broadcaster.await(t, "failure done", isDoneChunk("req-1"))
	if !strings.Contains(done.frame.Chunk.Error, "connection reset") {
		t.Errorf("error text = %q", done.frame.Chunk.Error)
	}

	// The partial is persisted and the stream is replayable.
	messages, err := fx.engine.PersistedMessages(ctx)
	if err != nil || len(messages) != 2 {
		t.Fatalf("PersistedMessages: %d, err %v", len(messages), err)
	}
	if got := messages[1].Parts[0].Text.Text; got != "half" {
		t.Errorf("partial text = %q, want half", got)
	}
}

func TestEngineRestartRebuildsInterruptedStream(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	fx1 := newEngineFixtureWithStore(t, store, fakeClock, EngineLimits{})
	stream := fx1.sendRequest("req-1", testMessage("u-1", "tell me a story"))
	raws := []string{
		`{"type":"start"}`,
		`{"type":"text-start","id":"t1"}`,
		`{"type":"text-delta","id":"t1","delta":"Once upon"}`,
		`{"type":"text-delta","id":"t1","delta":" a time"}`,
	}
	for _, raw := range raws {
		stream.emit(t, raw)
	}
	fx1.broadcaster.await(t, "last chunk", isChunkBody(raws[3]))

	meta, found, err := store.StreamForRequest(ctx, "req-1")
	if err != nil || !found {
		t.Fatalf("StreamForRequest: found=%v err=%v", found, err)
	}

	// Graceful shutdown mid-stream: the chunk log is flushed, the
	// stream keeps its streaming status, and the partial message is
	// NOT persisted — the restart rebuilds it from the log.
	fx1.engine.Close()

	meta, found, err = store.StreamMetadata(ctx, meta.ID)
	if err != nil || !found {
		t.Fatalf("StreamMetadata after close: found=%v err=%v", found, err)
	}
	if meta.Status != StreamStatusStreaming {
		t.Fatalf("status after shutdown = %q, want streaming", meta.Status)
	}
	if chunks, _ := store.ChunksForStream(ctx, meta.ID); len(chunks) != len(raws) {
		t.Fatalf("flushed %d chunks, want %d", len(chunks), len(raws))
	}
	if messages, _ := store.ListMessages(ctx); len(messages) != 1 {
		t.Fatalf("shutdown persisted the in-flight message: %d stored", len(messages))
	}

	// The next process adopts the stream and rebuilds the partial.
	fx2 := newEngineFixtureWithStore(t, store, fakeClock, EngineLimits{})

	messages, err := fx2.engine.PersistedMessages(ctx)
	if err != nil {
		t.Fatalf("PersistedMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("rebuilt conversation has %d messages, want 2", len(messages))
	}
	assistant := messages[1]
	if assistant.ID != meta.MessageID {
		t.Errorf("rebuilt id = %q, want the recorded binding %q", assistant.ID, meta.MessageID)
	}
	if got := assistant.Parts[0].Text.Text; got != "Once upon a time" {
		t.Errorf("rebuilt text = %q, want \"Once upon a time\"", got)
	}

	// The provider died with the old process, so the stream is now
	// finished: no resume offer for new connections, but the log
	// replays on request.
	meta, _, err = store.StreamMetadata(ctx, meta.ID)
	if err != nil {
		t.Fatalf("StreamMetadata: %v", err)
	}
	if meta.Status != StreamStatusError {
		t.Errorf("adopted stream status = %q, want error", meta.Status)
	}

	fx2.engine.Connect("conn-R")
	if err := fx2.engine.HandleResumeAck(ctx, "conn-R", &ResumeAck{ID: "req-1"}); err != nil {
		t.Fatalf("HandleResumeAck: %v", err)
	}
	fx2.broadcaster.await(t, "replay done", func(f sentFrame) bool {
		return f.target == "conn-R" && isDoneChunk("req-1")(f)
	})
	var seen []string
	for _, f := range fx2.broadcaster.history() {
		if f.target == "conn-R" && f.frame.Kind == FrameChunk && !f.frame.Chunk.Done {
			seen = append(seen, string(f.frame.Chunk.Body))
		}
	}
	if !slices.Equal(seen, raws) {
		t.Errorf("replay after restart = %v, want %v", seen, raws)
	}

	for _, f := range fx2.broadcaster.history() {
		if f.frame.Kind == FrameStreamResuming {
			t.Error("restart offered resumption of a dead stream")
		}
	}
}

func TestEngineDroppedConnectionAbortsReplay(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	stream := fx.sendRequest("req-1", testMessage("u-1", "hi"))
	stream.emit(t, `{"type":"text-start","id":"t1"}`)
	stream.emit(t, `{"type":"finish"}`)
	stream.end(t)
	fx.broadcaster.await(t, "done chunk", isDoneChunk("req-1"))

	fx.broadcaster.dropConnection("conn-gone")
	if err := fx.engine.HandleResumeAck(ctx, "conn-gone", &ResumeAck{ID: "req-1"}); err != nil {
		t.Fatalf("HandleResumeAck: %v", err)
	}
	for _, f := range fx.broadcaster.history() {
		if f.target == "conn-gone" {
			t.Fatalf("frame delivered to a dead connection: %+v", f)
		}
	}
}
