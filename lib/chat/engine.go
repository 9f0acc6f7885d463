// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-foundation/parley/lib/clock"
	"github.com/parley-foundation/parley/lib/codec"
)

const (
	// defaultDataPartBytes is the data-event payload ceiling. Larger
	// payloads are delivered to live listeners but excluded from the
	// chunk log and the message, so one oversized event cannot bloat
	// either.
	defaultDataPartBytes = 8 << 10

	// deniedToolErrorText is recorded on a tool part whose approval
	// was denied.
	deniedToolErrorText = "tool execution denied"

	// Request-context keys under which the engine persists what a
	// continuation needs after a restart.
	contextKeyLastBody  = "last_request_body"
	contextKeyLastTools = "last_client_tools"
)

// outputReadyStates are the tool states from which an output may land.
var outputReadyStates = []ToolState{ToolInputAvailable, ToolApprovalResponded}

// StreamRequest is what the engine asks a Streamer to stream: the
// conversation so far, the client's tool schemas, and provider options
// passed through opaquely.
type StreamRequest struct {
	Messages []*Message
	Tools    []ToolSchema
	Options  map[string]any
}

// StreamedEvent is one provider event in both forms: the verbatim
// bytes that get persisted and broadcast, and the decoded event the
// builder folds into the message.
type StreamedEvent struct {
	Raw   []byte
	Event Event
}

// EventStream yields provider events one at a time. Next returns
// io.EOF when the provider finished the response normally.
type EventStream interface {
	Next(ctx context.Context) (StreamedEvent, error)
	Close() error
}

// Streamer opens a response stream against the model provider.
type Streamer interface {
	Stream(ctx context.Context, request StreamRequest) (EventStream, error)
}

// Broadcaster delivers frames to attached connections. Implementations
// must not block and must not call back into the engine: both methods
// are invoked with the engine lock held. Send reports whether the
// connection still exists.
type Broadcaster interface {
	Broadcast(frame *Frame, exclude map[string]bool)
	Send(connectionID string, frame *Frame) bool
}

// EngineLimits bounds the engine's storage and streaming behavior.
// Zero values pick the defaults.
type EngineLimits struct {
	// MaxMessageBytes caps a persisted message's serialized size;
	// compaction shrinks anything larger. Defaults to 1 MiB.
	MaxMessageBytes int

	// MaxMessages caps the stored conversation length, evicting
	// oldest first. Zero means unlimited.
	MaxMessages int

	// DataPartBytes caps the data-event payload size retained in
	// messages and the chunk log. Larger payloads still reach live
	// listeners. Defaults to 8 KiB.
	DataPartBytes int

	// ChunkFlushCount is the buffered chunk count that triggers a
	// chunk log flush; ChunkBufferCap forces one regardless.
	ChunkFlushCount int
	ChunkBufferCap  int

	// StreamStaleAfter bounds how old an interrupted stream may be
	// and still be adopted on restart. StreamRetention bounds how
	// long finished streams stay replayable.
	StreamStaleAfter time.Duration
	StreamRetention  time.Duration
}

func (l EngineLimits) normalized() EngineLimits {
	if l.MaxMessageBytes <= 0 {
		l.MaxMessageBytes = defaultMaxMessageBytes
	}
	if l.DataPartBytes <= 0 {
		l.DataPartBytes = defaultDataPartBytes
	}
	return l
}

// EngineConfig holds the parameters for creating an engine.
type EngineConfig struct {
	// Store is the durable backing for messages and streams.
	// Required.
	Store *Store

	// Streamer opens provider response streams. Required.
	Streamer Streamer

	// Broadcaster delivers frames to attached connections. Required.
	Broadcaster Broadcaster

	// Clock provides time for stream bookkeeping and merge backoff.
	// Required.
	Clock clock.Clock

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger

	// Limits bounds storage and streaming. Zero fields pick defaults.
	Limits EngineLimits
}

// Engine is the chat core: it drives provider streams, folds events
// into messages, persists both, and serves resumption. One engine owns
// one conversation.
type Engine struct {
	store       *Store
	streamLog   *StreamLog
	persister   *Persister
	merger      *Merger
	streamer    Streamer
	broadcaster Broadcaster
	logger      *slog.Logger
	limits      EngineLimits

	lifecycle context.Context
	stop      context.CancelFunc
	streams   sync.WaitGroup

	mu            sync.Mutex
	closing       bool
	messages      []*Message
	inflight      *Message
	builder       *Builder
	aborts        map[string]context.CancelFunc
	pendingResume map[string]bool
}

// NewEngine wires the chat core together and restores whatever the
// previous process left behind: the persisted conversation, the
// persister's digest cache, and any stream that was mid-flight when
// the process died.
func NewEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("chat engine: store is required")
	}
	if cfg.Streamer == nil {
		return nil, fmt.Errorf("chat engine: streamer is required")
	}
	if cfg.Broadcaster == nil {
		return nil, fmt.Errorf("chat engine: broadcaster is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("chat engine: clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	limits := cfg.Limits.normalized()

	persister, err := NewPersister(PersisterConfig{
		Store:       cfg.Store,
		Logger:      logger,
		MaxMessages: limits.MaxMessages,
		Compaction: CompactionConfig{
			MaxMessageBytes: limits.MaxMessageBytes,
			Logger:          logger,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat engine: %w", err)
	}
	merger, err := NewMerger(MergerConfig{
		Store:     cfg.Store,
		Persister: persister,
		Clock:     cfg.Clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("chat engine: %w", err)
	}
	streamLog, err := NewStreamLog(ctx, StreamLogConfig{
		Store:          cfg.Store,
		Clock:          cfg.Clock,
		Logger:         logger,
		FlushThreshold: limits.ChunkFlushCount,
		BufferCap:      limits.ChunkBufferCap,
		StaleAfter:     limits.StreamStaleAfter,
		Retention:      limits.StreamRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("chat engine: %w", err)
	}

	lifecycle, stop := context.WithCancel(ctx)
	e := &Engine{
		store:         cfg.Store,
		streamLog:     streamLog,
		persister:     persister,
		merger:        merger,
		streamer:      cfg.Streamer,
		broadcaster:   cfg.Broadcaster,
		logger:        logger,
		limits:        limits,
		lifecycle:     lifecycle,
		stop:          stop,
		aborts:        make(map[string]context.CancelFunc),
		pendingResume: make(map[string]bool),
	}

	if err := persister.Restore(ctx); err != nil {
		stop()
		return nil, fmt.Errorf("chat engine: %w", err)
	}
	messages, err := cfg.Store.ListMessages(ctx)
	if err != nil {
		stop()
		return nil, fmt.Errorf("chat engine: %w", err)
	}
	e.messages = messages

	if streamID, _, ok := streamLog.Active(); ok {
		if err := e.adoptInterruptedStream(ctx, streamID); err != nil {
			stop()
			return nil, fmt.Errorf("chat engine: %w", err)
		}
	}
	return e, nil
}

// adoptInterruptedStream rebuilds the message a mid-flight stream was
// producing when the previous process died. The chunk log holds every
// event the provider sent, so replaying it through a fresh builder
// reconstructs the partial message exactly. The provider connection
// died with the old process, so the stream is then finished: completed
// when its log ends in a finish event, errored otherwise. Its chunks
// stay replayable either way.
func (e *Engine) adoptInterruptedStream(ctx context.Context, streamID string) error {
	meta, found, err := e.store.StreamMetadata(ctx, streamID)
	if err != nil {
		return err
	}
	bodies, err := e.store.ChunksForStream(ctx, streamID)
	if err != nil {
		return err
	}
	if !found || len(bodies) == 0 {
		return e.streamLog.MarkError(ctx, streamID)
	}

	messageID := meta.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	index := messageIndex(e.messages, messageID)
	var target *Message
	if meta.Continuation && index >= 0 {
		// A continuation's log extends the persisted message; replay
		// lands on top of a copy of it.
		target = e.messages[index].Clone()
	} else {
		target = &Message{ID: messageID, Role: RoleAssistant}
	}

	builder := NewBuilder(target, e.logger)
	finished := false
	for _, body := range bodies {
		event, err := ParseEvent(body)
		if err != nil {
			e.logger.Warn("skipping unreadable chunk during rebuild",
				"stream_id", streamID, "error", err)
			continue
		}
		finished = event.Type == EventFinish
		if err := builder.Apply(event); err != nil && !errors.Is(err, ErrUnknownToolCall) {
			// Unknown tool calls were already merged into their owning
			// message during the original run.
			e.logger.Warn("skipping unappliable chunk during rebuild",
				"stream_id", streamID, "error", err)
		}
	}

	if len(target.Parts) > 0 {
		if _, err := e.persister.Persist(ctx, target); err != nil {
			return err
		}
		if index >= 0 {
			e.messages[index] = target
		} else {
			e.messages = append(e.messages, target)
		}
		e.logger.Info("rebuilt message from interrupted stream",
			"stream_id", streamID, "message_id", target.ID, "chunks", len(bodies))
	}

	if finished {
		return e.streamLog.Complete(ctx, streamID)
	}
	return e.streamLog.MarkError(ctx, streamID)
}

// Connect registers a newly attached connection. It receives the
// conversation snapshot immediately and, when a stream is live, a
// stream_resuming offer; chunks are withheld until the client acks.
func (e *Engine) Connect(connectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.broadcaster.Send(connectionID, &Frame{
		Kind:         FrameMessagesSync,
		MessagesSync: &MessagesSync{Messages: cloneMessages(e.messages)},
	})
	if _, requestID, ok := e.streamLog.Active(); ok {
		e.pendingResume[connectionID] = true
		e.broadcaster.Send(connectionID, &Frame{
			Kind:           FrameStreamResuming,
			StreamResuming: &StreamResuming{ID: requestID},
		})
	}
	e.logger.Debug("connection attached", "connection_id", connectionID)
}

// Disconnect forgets a connection.
func (e *Engine) Disconnect(connectionID string) {
	e.mu.Lock()
	delete(e.pendingResume, connectionID)
	e.mu.Unlock()
	e.logger.Debug("connection detached", "connection_id", connectionID)
}

// HandleChatRequest starts a response stream for a conversation
// snapshot. The snapshot replaces the stored conversation, any stream
// already running is superseded, and chunks begin broadcasting to
// every attached connection that is not waiting to resume.
func (e *Engine) HandleChatRequest(ctx context.Context, request *ChatRequest) error {
	if request.ID == "" {
		return fmt.Errorf("chat: chat request missing id")
	}
	var body ChatRequestBody
	if err := codec.Unmarshal(request.Body, &body); err != nil {
		e.broadcastRequestError(request.ID, fmt.Sprintf("invalid request body: %v", err))
		return fmt.Errorf("chat: decode request %s body: %w", request.ID, err)
	}
	if len(body.Messages) == 0 {
		e.broadcastRequestError(request.ID, "request carries no messages")
		return fmt.Errorf("chat: request %s carries no messages", request.ID)
	}
	for _, message := range body.Messages {
		if err := message.Validate(); err != nil {
			e.broadcastRequestError(request.ID, fmt.Sprintf("invalid message: %v", err))
			return fmt.Errorf("chat: request %s: %w", request.ID, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelStreamsLocked()
	e.persistInflightLocked(ctx)
	e.inflight = nil
	e.builder = nil

	if err := e.syncConversationLocked(ctx, body.Messages); err != nil {
		e.broadcastRequestError(request.ID, "persisting conversation failed")
		return fmt.Errorf("chat: request %s: %w", request.ID, err)
	}
	e.saveContinuationContextLocked(ctx, request.Body, body.ClientTools)

	assistant := &Message{ID: uuid.NewString(), Role: RoleAssistant}
	streamID, err := e.streamLog.Start(ctx, request.ID, assistant.ID, false)
	if err != nil {
		e.broadcastRequestError(request.ID, "starting stream failed")
		return fmt.Errorf("chat: request %s: %w", request.ID, err)
	}
	e.inflight = assistant
	e.builder = NewBuilder(assistant, e.logger)
	clear(e.pendingResume)

	streamCtx, cancel := context.WithCancel(e.lifecycle)
	e.aborts[request.ID] = cancel
	provider := StreamRequest{
		Messages: cloneMessages(e.messages),
		Tools:    body.ClientTools,
		Options:  body.Options,
	}
	e.streams.Add(1)
	go e.runStream(streamCtx, streamID, request.ID, provider, false)

	e.logger.Info("chat request accepted", "request_id", request.ID,
		"messages", len(body.Messages), "client_tools", len(body.ClientTools))
	return nil
}

// runStream consumes one provider stream to completion. It owns no
// engine state directly; every mutation goes through applyEvent or a
// finish path, each of which takes the engine lock.
func (e *Engine) runStream(ctx context.Context, streamID, requestID string, request StreamRequest, continuation bool) {
	defer e.streams.Done()

	stream, err := e.streamer.Stream(ctx, request)
	if err != nil {
		e.finishStreamError(streamID, requestID, continuation,
			fmt.Errorf("chat: provider request: %w", err))
		return
	}
	defer stream.Close()

	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.finishStream(streamID, requestID, continuation)
			} else {
				e.finishStreamError(streamID, requestID, continuation, err)
			}
			return
		}
		merge, active := e.applyEvent(ctx, streamID, requestID, continuation, event)
		if !active {
			return
		}
		if merge != nil {
			e.mergeStreamEvent(*merge)
		}
	}
}

// applyEvent persists, folds, and broadcasts one provider event. The
// returned event, when non-nil, is a tool output whose owning call is
// not in the in-flight message; the caller merges it into a persisted
// message outside the lock. active is false once the stream has been
// superseded and the caller should stop consuming.
func (e *Engine) applyEvent(ctx context.Context, streamID, requestID string, continuation bool, streamed StreamedEvent) (merge *Event, active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	activeID, _, ok := e.streamLog.Active()
	if !ok || activeID != streamID || e.builder == nil {
		return nil, false
	}

	event := streamed.Event
	if event.IsData() && len(event.Data) > e.limits.DataPartBytes {
		// Oversized data events reach live listeners but are excluded
		// from both the chunk log and the message.
		e.logger.Debug("passing through oversized data event",
			"type", string(event.Type), "bytes", len(event.Data))
		e.broadcastChunkLocked(requestID, streamed.Raw, continuation)
		return nil, true
	}

	if err := e.streamLog.StoreChunk(ctx, streamID, streamed.Raw); err != nil {
		e.logger.Warn("recording stream chunk failed, live delivery continues",
			"stream_id", streamID, "error", err)
	}

	if err := e.builder.Apply(event); err != nil {
		if errors.Is(err, ErrUnknownToolCall) {
			merge = &event
		} else {
			e.logger.Warn("applying event failed",
				"type", string(event.Type), "error", err)
		}
	}

	e.broadcastChunkLocked(requestID, streamed.Raw, continuation)
	return merge, true
}

// mergeStreamEvent lands a provider tool output whose owning call has
// already been persisted by an earlier stream. Runs outside the engine
// lock: the merger retries with backoff while the stream keeps going.
func (e *Engine) mergeStreamEvent(event Event) {
	result := e.merger.UpdatePersisted(e.lifecycle, event.ToolCallID, outputReadyStates,
		func(tool *ToolPart) {
			switch event.Type {
			case EventToolOutputAvailable:
				tool.Output = event.Output
				tool.ErrorText = ""
				tool.State = ToolOutputAvailable
			case EventToolOutputError:
				tool.ErrorText = event.ErrorText
				tool.State = ToolOutputError
			}
		})
	if !result.Applied {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.reloadMessagesLocked(e.lifecycle)
	e.broadcaster.Broadcast(&Frame{
		Kind:           FrameMessageUpdated,
		MessageUpdated: &MessageUpdated{Message: result.Message},
	}, nil)
}

// finishStream completes a stream that ended normally: the built
// message is persisted, the chunk log is finalized, and the done chunk
// goes out. Completion clears the pending-resume set — there is
// nothing left to resume.
func (e *Engine) finishStream(streamID, requestID string, continuation bool) {
	ctx := context.WithoutCancel(e.lifecycle)

	e.mu.Lock()
	defer e.mu.Unlock()

	activeID, _, ok := e.streamLog.Active()
	if ok && activeID == streamID {
		e.persistInflightLocked(ctx)
		e.inflight = nil
		e.builder = nil
		if err := e.streamLog.Complete(ctx, streamID); err != nil {
			e.logger.Warn("completing stream failed",
				"stream_id", streamID, "error", err)
		}
		clear(e.pendingResume)
	}
	delete(e.aborts, requestID)

	e.broadcaster.Broadcast(&Frame{
		Kind:  FrameChunk,
		Chunk: &ResponseChunk{ID: requestID, Done: true, Continuation: continuation},
	}, nil)
	e.logger.Info("stream completed", "request_id", requestID, "stream_id", streamID)
}

// finishStreamError winds down a stream that failed or was canceled.
// During shutdown the chunk log is flushed but the stream keeps its
// streaming status so the next process adopts it; otherwise the stream
// is marked errored and clients get a done chunk carrying the error.
func (e *Engine) finishStreamError(streamID, requestID string, continuation bool, cause error) {
	ctx := context.WithoutCancel(e.lifecycle)

	e.mu.Lock()
	defer e.mu.Unlock()

	activeID, _, ok := e.streamLog.Active()
	owned := ok && activeID == streamID

	if e.closing {
		// The in-flight message stays unpersisted: the restart
		// rebuilds it from the chunk log, which is the one source
		// that cannot have drifted.
		if owned {
			if err := e.streamLog.Flush(ctx); err != nil {
				e.logger.Warn("flushing stream at shutdown failed", "error", err)
			}
		}
		delete(e.aborts, requestID)
		e.logger.Info("stream interrupted by shutdown",
			"request_id", requestID, "stream_id", streamID)
		return
	}

	if owned {
		e.persistInflightLocked(ctx)
		e.inflight = nil
		e.builder = nil
		if err := e.streamLog.MarkError(ctx, streamID); err != nil {
			e.logger.Warn("marking stream errored failed",
				"stream_id", streamID, "error", err)
		}
		clear(e.pendingResume)
	}
	delete(e.aborts, requestID)

	e.broadcaster.Broadcast(&Frame{
		Kind: FrameChunk,
		Chunk: &ResponseChunk{
			ID: requestID, Done: true,
			Error: cause.Error(), Continuation: continuation,
		},
	}, nil)
	e.logger.Warn("stream failed",
		"request_id", requestID, "stream_id", streamID, "error", cause)
}

// HandleToolResult merges the output of a client-executed tool call
// into whichever message owns the call, in flight or persisted, and
// optionally continues the response once the current stream settles.
func (e *Engine) HandleToolResult(ctx context.Context, result *ToolResult) error {
	if result.ToolCallID == "" {
		return fmt.Errorf("chat: tool result missing tool call id")
	}

	if len(result.ClientTools) > 0 {
		raw, err := codec.Marshal(result.ClientTools)
		if err == nil {
			err = e.store.SetRequestContext(ctx, contextKeyLastTools, raw)
		}
		if err != nil {
			e.logger.Warn("recording client tools failed", "error", err)
		}
	}

	applied := e.applyToolUpdate(result.ToolCallID, outputReadyStates, func(tool *ToolPart) {
		if tool.ToolName == "" {
			tool.ToolName = result.ToolName
		}
		tool.Output = result.Output
		tool.ErrorText = ""
		tool.State = ToolOutputAvailable
	})
	if applied && result.AutoContinue {
		e.autoContinue()
	}
	return nil
}

// HandleToolApproval records a human decision on a gated tool call. An
// approval leaves the call waiting for its result, so only a denial —
// which is terminal — can continue the stream here.
func (e *Engine) HandleToolApproval(ctx context.Context, approval *ToolApproval) error {
	if approval.ToolCallID == "" {
		return fmt.Errorf("chat: tool approval missing tool call id")
	}

	applied := e.applyToolUpdate(approval.ToolCallID,
		[]ToolState{ToolApprovalRequested}, func(tool *ToolPart) {
			if tool.Approval == nil {
				tool.Approval = &Approval{ID: approval.ApprovalID}
			}
			tool.Approval.Approved = approval.Approved
			if approval.Approved {
				tool.State = ToolApprovalResponded
			} else {
				tool.State = ToolOutputError
				tool.ErrorText = deniedToolErrorText
			}
		})
	if applied && approval.AutoContinue && !approval.Approved {
		e.autoContinue()
	}
	return nil
}

// applyToolUpdate routes a tool update to the in-flight message when
// it owns the call, or to the persisted conversation otherwise, and
// broadcasts the changed message. The in-flight broadcast happens
// inside the lock so it cannot interleave out of order with chunk
// broadcasts.
func (e *Engine) applyToolUpdate(toolCallID string, allowed []ToolState, update func(*ToolPart)) bool {
	e.mu.Lock()
	found, applied := e.merger.UpdateInflight(e.inflight, toolCallID, allowed, update)
	if applied {
		e.broadcaster.Broadcast(&Frame{
			Kind:           FrameMessageUpdated,
			MessageUpdated: &MessageUpdated{Message: e.inflight.Clone()},
		}, nil)
	}
	e.mu.Unlock()
	if found {
		return applied
	}

	result := e.merger.UpdatePersisted(e.lifecycle, toolCallID, allowed, update)
	if !result.Applied {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.reloadMessagesLocked(e.lifecycle)
	e.broadcaster.Broadcast(&Frame{
		Kind:           FrameMessageUpdated,
		MessageUpdated: &MessageUpdated{Message: result.Message},
	}, nil)
	return true
}

// autoContinue schedules a continuation for when the active stream, if
// any, finishes. Tool results routinely arrive mid-stream; continuing
// before the provider is done would cut the response off.
func (e *Engine) autoContinue() {
	signal := e.streamLog.CompletionSignal()
	e.streams.Add(1)
	go func() {
		defer e.streams.Done()
		select {
		case <-e.lifecycle.Done():
			return
		case <-signal:
		}
		e.startContinuation()
	}()
}

// startContinuation opens a follow-up stream so the provider can act
// on a tool outcome. The continuation reuses the last request's body
// and client tools with the message list swapped for the current
// conversation, and streams into the trailing assistant message so the
// response reads as one message.
func (e *Engine) startContinuation() {
	ctx := context.WithoutCancel(e.lifecycle)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing {
		return
	}
	if e.inflight != nil {
		e.logger.Debug("skipping continuation, a stream is already active")
		return
	}

	raw, found, err := e.store.RequestContext(ctx, contextKeyLastBody)
	if err != nil || !found {
		e.logger.Warn("continuation aborted, no stored request body", "error", err)
		return
	}
	var body ChatRequestBody
	if err := codec.Unmarshal(raw, &body); err != nil {
		e.logger.Warn("continuation aborted, stored request body undecodable",
			"error", err)
		return
	}
	var tools []ToolSchema
	if raw, found, err := e.store.RequestContext(ctx, contextKeyLastTools); err == nil && found {
		if err := codec.Unmarshal(raw, &tools); err != nil {
			e.logger.Warn("stored client tools undecodable, continuing without",
				"error", err)
			tools = nil
		}
	}

	var target *Message
	if n := len(e.messages); n > 0 && e.messages[n-1].Role == RoleAssistant {
		target = e.messages[n-1]
	} else {
		target = &Message{ID: uuid.NewString(), Role: RoleAssistant}
	}

	requestID := uuid.NewString()
	streamID, err := e.streamLog.Start(ctx, requestID, target.ID, true)
	if err != nil {
		e.logger.Warn("continuation aborted, stream start failed", "error", err)
		return
	}
	e.inflight = target
	e.builder = NewBuilder(target, e.logger)

	streamCtx, cancel := context.WithCancel(e.lifecycle)
	e.aborts[requestID] = cancel
	provider := StreamRequest{
		Messages: cloneMessages(e.messages),
		Tools:    tools,
		Options:  body.Options,
	}
	e.streams.Add(1)
	go e.runStream(streamCtx, streamID, requestID, provider, true)

	e.logger.Info("continuation started", "request_id", requestID,
		"message_id", target.ID, "stream_id", streamID)
}

// HandleCancel aborts one in-flight request. The canceled stream keeps
// its persisted prefix and winds down through the normal failure path.
func (e *Engine) HandleCancel(requestID string) {
	e.mu.Lock()
	cancel, ok := e.aborts[requestID]
	e.mu.Unlock()
	if !ok {
		e.logger.Debug("cancel for unknown request", "request_id", requestID)
		return
	}
	cancel()
	e.logger.Info("request canceled", "request_id", requestID)
}

// HandleClear deletes the conversation and every stream record,
// aborting anything in flight first.
func (e *Engine) HandleClear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelStreamsLocked()
	if err := e.store.Clear(ctx); err != nil {
		return err
	}
	e.persister.Reset()
	e.streamLog.Reset()
	e.messages = nil
	e.inflight = nil
	e.builder = nil
	clear(e.pendingResume)

	e.broadcaster.Broadcast(&Frame{Kind: FrameCleared}, nil)
	e.logger.Info("conversation cleared")
	return nil
}

// HandleMessagesSync replaces the conversation with the client's
// snapshot and fans the result out to every other connection.
func (e *Engine) HandleMessagesSync(ctx context.Context, connectionID string, sync *MessagesSync) error {
	for _, message := range sync.Messages {
		if err := message.Validate(); err != nil {
			return fmt.Errorf("chat: messages sync: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.syncConversationLocked(ctx, sync.Messages); err != nil {
		return fmt.Errorf("chat: messages sync: %w", err)
	}
	e.broadcaster.Broadcast(&Frame{
		Kind:         FrameMessagesSync,
		MessagesSync: &MessagesSync{Messages: cloneMessages(e.messages)},
	}, map[string]bool{connectionID: true})
	e.logger.Debug("conversation synced",
		"connection_id", connectionID, "messages", len(sync.Messages))
	return nil
}

// HandleResumeRequest answers a client's explicit probe for an active
// stream. Same offer a connection gets at attach time; a client that
// missed or discarded the offer can ask again.
func (e *Engine) HandleResumeRequest(connectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, requestID, ok := e.streamLog.Active()
	if !ok {
		return
	}
	e.pendingResume[connectionID] = true
	e.broadcaster.Send(connectionID, &Frame{
		Kind:           FrameStreamResuming,
		StreamResuming: &StreamResuming{ID: requestID},
	})
}

// HandleResumeAck replays a stream's chunk log to one connection. The
// whole replay happens under the engine lock: chunks arriving during
// the replay wait on the lock and deliver live afterwards, so the
// client sees every chunk exactly once and in order. A finished or
// unknown stream gets a final done chunk so the client stops waiting.
func (e *Engine) HandleResumeAck(ctx context.Context, connectionID string, ack *ResumeAck) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer delete(e.pendingResume, connectionID)

	activeStreamID, activeRequestID, active := e.streamLog.Active()
	live := active && activeRequestID == ack.ID

	var streamID string
	continuation := false
	if live {
		streamID = activeStreamID
		if meta, found, err := e.store.StreamMetadata(ctx, streamID); err == nil && found {
			continuation = meta.Continuation
		}
	} else {
		meta, found, err := e.store.StreamForRequest(ctx, ack.ID)
		if err != nil {
			return err
		}
		if !found {
			e.broadcaster.Send(connectionID, &Frame{
				Kind:  FrameChunk,
				Chunk: &ResponseChunk{ID: ack.ID, Done: true},
			})
			return nil
		}
		streamID = meta.ID
		continuation = meta.Continuation
	}

	if err := e.streamLog.Flush(ctx); err != nil {
		e.logger.Warn("flushing before replay failed", "error", err)
	}
	bodies, err := e.store.ChunksForStream(ctx, streamID)
	if err != nil {
		return err
	}
	for _, body := range bodies {
		delivered := e.broadcaster.Send(connectionID, &Frame{
			Kind: FrameChunk,
			Chunk: &ResponseChunk{
				ID:           ack.ID,
				Body:         body,
				Continuation: continuation,
			},
		})
		if !delivered {
			e.logger.Warn("replay aborted, connection gone",
				"connection_id", connectionID, "stream_id", streamID)
			return nil
		}
	}
	if !live {
		e.broadcaster.Send(connectionID, &Frame{
			Kind:  FrameChunk,
			Chunk: &ResponseChunk{ID: ack.ID, Done: true, Continuation: continuation},
		})
	}

	e.logger.Info("replayed stream to connection", "connection_id", connectionID,
		"stream_id", streamID, "chunks", len(bodies), "live", live)
	return nil
}

// PersistedMessages returns the conversation as stored, decoded.
func (e *Engine) PersistedMessages(ctx context.Context) ([]*Message, error) {
	return e.store.ListMessages(ctx)
}

// Stats reports storage counters.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	return e.store.Stats(ctx)
}

// Close aborts all in-flight streams and waits for them to unwind.
// Interrupted streams keep their streaming status so the next process
// adopts them; their buffered chunks are flushed before returning. The
// store is closed by its owner, not here.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closing = true
	e.cancelStreamsLocked()
	e.mu.Unlock()
	e.stop()

	e.streams.Wait()

	if err := e.streamLog.Flush(context.WithoutCancel(e.lifecycle)); err != nil {
		e.logger.Warn("final chunk flush failed", "error", err)
	}
	e.logger.Info("chat engine closed")
}

// broadcastRequestError tells every attached connection that a request
// died before its stream produced anything.
func (e *Engine) broadcastRequestError(requestID, errText string) {
	e.broadcaster.Broadcast(&Frame{
		Kind:  FrameChunk,
		Chunk: &ResponseChunk{ID: requestID, Done: true, Error: errText},
	}, nil)
}

// broadcastChunkLocked fans one chunk out to every connection that is
// not waiting to resume. Caller must hold mu.
func (e *Engine) broadcastChunkLocked(requestID string, body []byte, continuation bool) {
	var exclude map[string]bool
	if len(e.pendingResume) > 0 {
		exclude = make(map[string]bool, len(e.pendingResume))
		for id := range e.pendingResume {
			exclude[id] = true
		}
	}
	e.broadcaster.Broadcast(&Frame{
		Kind: FrameChunk,
		Chunk: &ResponseChunk{
			ID:           requestID,
			Body:         body,
			Continuation: continuation,
		},
	}, exclude)
}

// cancelStreamsLocked aborts every in-flight stream. Caller must hold
// mu; the streams unwind asynchronously through their failure paths.
func (e *Engine) cancelStreamsLocked() {
	for _, cancel := range e.aborts {
		cancel()
	}
	clear(e.aborts)
}

// persistInflightLocked persists whatever the in-flight message holds
// so far and folds it into the conversation. Used when a stream ends
// or is superseded; a message with no parts is left unpersisted.
// Caller must hold mu.
func (e *Engine) persistInflightLocked(ctx context.Context) {
	if e.inflight == nil || len(e.inflight.Parts) == 0 {
		return
	}
	if _, err := e.persister.Persist(ctx, e.inflight); err != nil {
		e.logger.Warn("persisting in-flight message failed",
			"message_id", e.inflight.ID, "error", err)
		return
	}
	if i := messageIndex(e.messages, e.inflight.ID); i >= 0 {
		e.messages[i] = e.inflight
	} else {
		e.messages = append(e.messages, e.inflight)
	}
	e.enforceLimitLocked(ctx)
}

// syncConversationLocked makes the incoming snapshot the whole
// conversation: stored rows absent from it are deleted, every incoming
// message is persisted, and the in-memory view is replaced. Caller
// must hold mu.
func (e *Engine) syncConversationLocked(ctx context.Context, incoming []*Message) error {
	storedIDs, err := e.store.MessageIDs(ctx)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(incoming))
	for _, message := range incoming {
		keep[message.ID] = true
	}
	var stale []string
	for _, id := range storedIDs {
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := e.store.DeleteMessages(ctx, stale); err != nil {
			return err
		}
		for _, id := range stale {
			e.persister.Forget(id)
		}
		e.logger.Debug("dropped messages absent from snapshot", "count", len(stale))
	}
	for _, message := range incoming {
		if _, err := e.persister.Persist(ctx, message); err != nil {
			return fmt.Errorf("persist message %s: %w", message.ID, err)
		}
	}
	e.messages = incoming
	if e.inflight != nil {
		if i := messageIndex(e.messages, e.inflight.ID); i >= 0 {
			// The in-flight message is canonical while it streams; the
			// snapshot must not shadow it with a stored copy.
			e.messages[i] = e.inflight
		}
	}
	e.enforceLimitLocked(ctx)
	return nil
}

// saveContinuationContextLocked persists the request body and client
// tool schemas a continuation needs, surviving restarts. Failure
// degrades continuations, not the request itself. Caller must hold mu.
func (e *Engine) saveContinuationContextLocked(ctx context.Context, body codec.RawMessage, tools []ToolSchema) {
	if err := e.store.SetRequestContext(ctx, contextKeyLastBody, []byte(body)); err != nil {
		e.logger.Warn("saving request body for continuation failed", "error", err)
	}
	raw, err := codec.Marshal(tools)
	if err == nil {
		err = e.store.SetRequestContext(ctx, contextKeyLastTools, raw)
	}
	if err != nil {
		e.logger.Warn("saving client tools for continuation failed", "error", err)
	}
}

// enforceLimitLocked evicts the oldest stored messages beyond the
// configured cap and drops them from the in-memory view. Caller must
// hold mu.
func (e *Engine) enforceLimitLocked(ctx context.Context) {
	evicted, err := e.persister.EnforceLimit(ctx)
	if err != nil {
		e.logger.Warn("message limit enforcement failed", "error", err)
		return
	}
	if len(evicted) == 0 {
		return
	}
	gone := make(map[string]bool, len(evicted))
	for _, id := range evicted {
		gone[id] = true
	}
	kept := e.messages[:0]
	for _, message := range e.messages {
		if !gone[message.ID] {
			kept = append(kept, message)
		}
	}
	e.messages = kept
}

// reloadMessagesLocked refreshes the in-memory conversation from the
// store after a persisted-message merge. The in-flight message stays
// canonical: a stored copy of it never shadows the one the builder is
// still writing. Caller must hold mu.
func (e *Engine) reloadMessagesLocked(ctx context.Context) {
	messages, err := e.store.ListMessages(ctx)
	if err != nil {
		e.logger.Warn("reloading conversation failed", "error", err)
		return
	}
	if e.inflight != nil {
		if i := messageIndex(messages, e.inflight.ID); i >= 0 {
			messages[i] = e.inflight
		}
	}
	e.messages = messages
}

// messageIndex returns the position of the message with the given id,
// or -1.
func messageIndex(messages []*Message, id string) int {
	for i, message := range messages {
		if message.ID == id {
			return i
		}
	}
	return -1
}

// cloneMessages deep-copies a message list. Snapshots handed to the
// provider or to connection writers must not alias messages a live
// builder is still mutating.
func cloneMessages(messages []*Message) []*Message {
	if messages == nil {
		return nil
	}
	cloned := make([]*Message, len(messages))
	for i, message := range messages {
		cloned[i] = message.Clone()
	}
	return cloned
}
