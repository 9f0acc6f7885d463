// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-foundation/parley/lib/clock"
)

const (
	// defaultFlushThreshold is the buffered chunk count that triggers
	// a write to the store.
	defaultFlushThreshold = 8

	// defaultBufferCap is the buffered chunk count that forces a
	// write even when one recently happened.
	defaultBufferCap = 128

	// defaultStaleAfter is how old a streaming row may be before a
	// restarted service discards it instead of adopting it.
	defaultStaleAfter = 5 * time.Minute

	// defaultRetention is how long finished streams stay replayable.
	defaultRetention = 24 * time.Hour

	// cleanupInterval rate-limits retention sweeps. A sweep runs at
	// most this often, piggybacked on stream completion.
	cleanupInterval = 10 * time.Minute
)

// closedChan is returned by CompletionSignal when there is nothing to
// wait for.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// StreamLog owns the lifecycle of the active stream: at most one
// stream is live at a time, every chunk it produces is assigned a
// position and eventually persisted, and completion is observable as a
// closed channel.
//
// Chunks are buffered and flushed in batches. The position of a chunk
// is fixed the moment StoreChunk accepts it — flushing later, or
// failing to flush a batch, never renumbers what follows.
//
// On construction the log looks for a stream left in the streaming
// state by a previous process. A fresh enough stream is adopted: its
// chunks stay replayable and its position counter continues where the
// dead process stopped. A stale one is deleted.
type StreamLog struct {
	store  *Store
	clock  clock.Clock
	logger *slog.Logger

	flushThreshold int
	bufferCap      int
	staleAfter     time.Duration
	retention      time.Duration

	mu        sync.Mutex
	activeID  string
	requestID string
	nextIndex int64
	buffer    []Chunk

	// flushing is set while a batch is being written with the mutex
	// released. A flush requested during that window is skipped, not
	// queued — the in-progress write already drained the buffer the
	// caller saw, and whatever arrived since will reach the store on
	// the next flush.
	flushing bool

	// completion is closed when the active stream reaches a terminal
	// state. nil for an adopted stream: the provider connection died
	// with the previous process, so there is nothing left to wait for.
	completion chan struct{}

	lastCleanup time.Time
}

// StreamLogConfig holds the parameters for creating a stream log.
type StreamLogConfig struct {
	// Store is the chat store backing the log. Required.
	Store *Store

	// Clock provides time for staleness and retention decisions.
	// Required.
	Clock clock.Clock

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger

	// FlushThreshold is the buffered chunk count that triggers a
	// flush. Defaults to 8.
	FlushThreshold int

	// BufferCap forces a flush regardless of recency when reached.
	// Defaults to 128.
	BufferCap int

	// StaleAfter bounds how old a crashed stream may be and still be
	// adopted on restart. Defaults to 5 minutes.
	StaleAfter time.Duration

	// Retention bounds how long finished streams stay replayable.
	// Defaults to 24 hours.
	Retention time.Duration
}

// NewStreamLog creates a stream log and restores any stream the
// previous process left mid-flight.
func NewStreamLog(ctx context.Context, cfg StreamLogConfig) (*StreamLog, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("stream log: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("stream log: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	log := &StreamLog{
		store:          cfg.Store,
		clock:          cfg.Clock,
		logger:         logger,
		flushThreshold: cfg.FlushThreshold,
		bufferCap:      cfg.BufferCap,
		staleAfter:     cfg.StaleAfter,
		retention:      cfg.Retention,
	}
	if log.flushThreshold <= 0 {
		log.flushThreshold = defaultFlushThreshold
	}
	if log.bufferCap <= 0 {
		log.bufferCap = defaultBufferCap
	}
	if log.bufferCap < log.flushThreshold {
		log.bufferCap = log.flushThreshold
	}
	if log.staleAfter <= 0 {
		log.staleAfter = defaultStaleAfter
	}
	if log.retention <= 0 {
		log.retention = defaultRetention
	}

	if err := log.restore(ctx); err != nil {
		return nil, err
	}
	return log, nil
}

// restore adopts or discards the stream a dead process left in the
// streaming state, and fails any older streaming rows so the
// single-active-stream invariant holds again.
func (sl *StreamLog) restore(ctx context.Context) error {
	meta, found, err := sl.store.LatestStreamingMetadata(ctx)
	if err != nil {
		return fmt.Errorf("stream log: restore: %w", err)
	}
	if !found {
		return nil
	}

	age := sl.clock.Now().Sub(time.Unix(0, meta.CreatedAt))
	if age > sl.staleAfter {
		sl.logger.Info("discarding stale stream",
			"stream_id", meta.ID, "request_id", meta.RequestID, "age", age)
		if err := sl.store.DeleteStream(ctx, meta.ID); err != nil {
			return fmt.Errorf("stream log: restore: %w", err)
		}
		if err := sl.store.FailStreamingExcept(ctx, ""); err != nil {
			return fmt.Errorf("stream log: restore: %w", err)
		}
		return nil
	}

	max, hasChunks, err := sl.store.MaxChunkIndex(ctx, meta.ID)
	if err != nil {
		return fmt.Errorf("stream log: restore: %w", err)
	}

	sl.activeID = meta.ID
	sl.requestID = meta.RequestID
	if hasChunks {
		sl.nextIndex = max + 1
	}
	sl.completion = nil

	if err := sl.store.FailStreamingExcept(ctx, meta.ID); err != nil {
		return fmt.Errorf("stream log: restore: %w", err)
	}

	sl.logger.Info("adopted stream from previous run",
		"stream_id", meta.ID, "request_id", meta.RequestID,
		"age", age, "next_index", sl.nextIndex)
	return nil
}

// Start opens a new stream for a request and returns its id. messageID
// names the message the stream builds, recorded so a restart can pair
// the chunk log back up with its message; continuation marks streams
// that extend an existing message. Any still-active stream is marked
// errored first, and whatever its buffer still holds is flushed so the
// superseded stream keeps its persisted prefix.
func (sl *StreamLog) Start(ctx context.Context, requestID, messageID string, continuation bool) (string, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := sl.flushLocked(ctx); err != nil {
		sl.logger.Warn("flushing superseded stream failed, buffered chunks lost",
			"stream_id", sl.activeID, "error", err)
	}

	if sl.activeID != "" {
		sl.logger.Info("superseding active stream",
			"stream_id", sl.activeID, "request_id", sl.requestID)
		if err := sl.store.SetStreamStatus(ctx, sl.activeID, StreamStatusError); err != nil {
			return "", fmt.Errorf("stream log: start: %w", err)
		}
		if sl.completion != nil {
			close(sl.completion)
		}
	}

	streamID := uuid.NewString()
	if err := sl.store.InsertStreamMetadata(ctx, streamID, requestID, messageID, continuation); err != nil {
		return "", fmt.Errorf("stream log: start: %w", err)
	}

	sl.activeID = streamID
	sl.requestID = requestID
	sl.nextIndex = 0
	sl.buffer = sl.buffer[:0]
	sl.completion = make(chan struct{})

	sl.logger.Debug("stream started", "stream_id", streamID, "request_id", requestID)
	return streamID, nil
}

// StoreChunk records one event body for the given stream. The chunk's
// position is assigned here, before any I/O, so concurrent flushing
// cannot reorder the log. Chunks for anything other than the active
// stream are dropped: the stream was superseded or aborted while this
// event was in flight.
func (sl *StreamLog) StoreChunk(ctx context.Context, streamID string, body []byte) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if streamID != sl.activeID {
		sl.logger.Warn("dropping chunk for inactive stream",
			"stream_id", streamID, "active_stream_id", sl.activeID)
		return nil
	}

	index := sl.nextIndex
	sl.nextIndex++
	sl.buffer = append(sl.buffer, Chunk{StreamID: streamID, Index: index, Body: body})

	if len(sl.buffer) >= sl.flushThreshold || len(sl.buffer) >= sl.bufferCap {
		if err := sl.flushLocked(ctx); err != nil {
			return fmt.Errorf("stream log: store chunk: %w", err)
		}
	}
	return nil
}

// Flush writes all buffered chunks now. Replay calls this before
// reading the chunk table so an acked client sees the full prefix.
func (sl *StreamLog) Flush(ctx context.Context) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.flushLocked(ctx)
}

// flushLocked writes the buffer to the store with the mutex released
// for the duration of the write. Caller must hold mu. On failure the
// batch is dropped — positions were assigned at enqueue, so the loss
// leaves a gap rather than renumbering later chunks.
func (sl *StreamLog) flushLocked(ctx context.Context) error {
	if sl.flushing || len(sl.buffer) == 0 {
		return nil
	}
	sl.flushing = true
	batch := sl.buffer
	sl.buffer = nil

	sl.mu.Unlock()
	err := sl.store.InsertChunks(ctx, batch)
	sl.mu.Lock()

	sl.flushing = false
	if err != nil {
		return fmt.Errorf("flush %d chunks: %w", len(batch), err)
	}
	return nil
}

// Complete marks the given stream finished, flushes its tail, wakes
// completion waiters, and opportunistically sweeps expired streams.
// A no-op when streamID is no longer the active stream — its fate was
// already decided by whatever superseded it.
func (sl *StreamLog) Complete(ctx context.Context, streamID string) error {
	return sl.finish(ctx, streamID, StreamStatusCompleted, true)
}

// MarkError marks the given stream failed. Persisted chunks are kept:
// the partial response stays replayable. A no-op when streamID is no
// longer active.
func (sl *StreamLog) MarkError(ctx context.Context, streamID string) error {
	return sl.finish(ctx, streamID, StreamStatusError, false)
}

func (sl *StreamLog) finish(ctx context.Context, streamID string, status StreamStatus, sweep bool) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.activeID == "" || sl.activeID != streamID {
		return nil
	}

	if err := sl.flushLocked(ctx); err != nil {
		sl.logger.Warn("flushing finishing stream failed, buffered chunks lost",
			"stream_id", streamID, "error", err)
	}
	// flushLocked releases the mutex mid-write; bail if the stream
	// changed under us.
	if sl.activeID != streamID {
		return nil
	}

	if err := sl.store.SetStreamStatus(ctx, streamID, status); err != nil {
		return fmt.Errorf("stream log: finish: %w", err)
	}

	if sl.completion != nil {
		close(sl.completion)
	}
	sl.activeID = ""
	sl.requestID = ""
	sl.nextIndex = 0
	sl.completion = nil

	sl.logger.Debug("stream finished", "stream_id", streamID, "status", string(status))

	if sweep {
		sl.maybeCleanupLocked(ctx)
	}
	return nil
}

// maybeCleanupLocked sweeps expired finished streams at most once per
// cleanupInterval. Caller must hold mu.
func (sl *StreamLog) maybeCleanupLocked(ctx context.Context) {
	now := sl.clock.Now()
	if !sl.lastCleanup.IsZero() && now.Sub(sl.lastCleanup) < cleanupInterval {
		return
	}
	sl.lastCleanup = now

	cutoff := now.Add(-sl.retention).UnixNano()
	removed, err := sl.store.CleanupFinishedStreams(ctx, cutoff)
	if err != nil {
		sl.logger.Warn("stream retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		sl.logger.Info("swept expired streams", "removed", removed)
	}
}

// Reset drops all in-memory stream state without touching the store.
// Used when the conversation is cleared: the stream rows are already
// gone, and any waiter should stop waiting.
func (sl *StreamLog) Reset() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.completion != nil {
		close(sl.completion)
	}
	sl.activeID = ""
	sl.requestID = ""
	sl.nextIndex = 0
	sl.buffer = nil
	sl.completion = nil
}

// Active returns the active stream and its request id, if any.
func (sl *StreamLog) Active() (streamID, requestID string, ok bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.activeID, sl.requestID, sl.activeID != ""
}

// CompletionSignal returns a channel that is closed when the active
// stream reaches a terminal state. With no active stream — or with an
// adopted one, which can never produce more chunks — the returned
// channel is already closed.
func (sl *StreamLog) CompletionSignal() <-chan struct{} {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.activeID != "" && sl.completion != nil {
		return sl.completion
	}
	return closedChan
}
