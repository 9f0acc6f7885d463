// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/parley-foundation/parley/lib/clock"
	"github.com/parley-foundation/parley/lib/codec"
	"github.com/parley-foundation/parley/lib/sqlitepool"
)

// StreamStatus is the lifecycle state of a stored stream.
type StreamStatus string

const (
	// StreamStatusStreaming marks the stream that is (or was, before a
	// crash) receiving chunks. At most one row holds this status.
	StreamStatusStreaming StreamStatus = "streaming"

	// StreamStatusCompleted marks a stream whose provider response
	// finished normally.
	StreamStatusCompleted StreamStatus = "completed"

	// StreamStatusError marks a stream that was aborted, superseded,
	// or failed mid-response. Its persisted chunks are kept so the
	// partial response stays replayable until retention removes it.
	StreamStatusError StreamStatus = "error"
)

// Store is the durable side of a conversation: the message list, the
// per-stream chunk log, stream metadata, and the request context
// needed to build continuation requests after a restart.
//
// Message bodies are deterministic CBOR and stored byte-for-byte as
// given — the persistence layer compares stored bytes to decide
// whether a write is needed, so the store must never rewrite them.
// Chunk bodies are compressed transparently; callers only ever see the
// raw event bytes.
//
// All methods are safe for concurrent use; writes are serialized by
// SQLite itself.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening a chat store.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Clock provides timestamps for created_at/completed_at columns
	// and retention decisions.
	Clock clock.Clock

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

const storeSchema = `
	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		body       BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stream_chunks (
		id          TEXT PRIMARY KEY,
		stream_id   TEXT NOT NULL,
		body        BLOB NOT NULL,
		chunk_index INTEGER NOT NULL,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stream_chunks_stream
		ON stream_chunks(stream_id, chunk_index);

	CREATE TABLE IF NOT EXISTS stream_metadata (
		id           TEXT PRIMARY KEY,
		request_id   TEXT NOT NULL,
		message_id   TEXT NOT NULL,
		continuation INTEGER NOT NULL DEFAULT 0,
		status       TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS request_context (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);
`

// OpenStore opens (creating if necessary) the chat database at
// cfg.Path and applies the schema.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("chat store: Path is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("chat store: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat store: %w", err)
	}

	return &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: logger,
	}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// UpsertMessage writes a message body under the given id. An existing
// row keeps its created_at so the conversation order is stable across
// updates.
func (s *Store) UpsertMessage(ctx context.Context, id string, body []byte) error {
	if id == "" {
		return fmt.Errorf("chat store: upsert message: empty id")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("chat store: upsert message: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO messages (id, body, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		&sqlitex.ExecOptions{
			Args: []any{id, body, s.clock.Now().UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("chat store: upsert message %s: %w", id, err)
	}
	return nil
}

// DeleteMessages removes the given message ids. Missing ids are not an
// error.
func (s *Store) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("chat store: delete messages: %w", err)
	}
	defer s.pool.Put(conn)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	err = sqlitex.Execute(conn,
		fmt.Sprintf("DELETE FROM messages WHERE id IN (%s)", placeholders),
		&sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fmt.Errorf("chat store: delete messages: %w", err)
	}
	return nil
}

// MessageRow is one stored message as raw bytes, for callers that need
// the exact stored encoding (digest restoration, debug dumps).
type MessageRow struct {
	ID        string
	Body      []byte
	CreatedAt int64
}

// ListMessageRows returns every stored message row in conversation
// order without decoding the bodies.
func (s *Store) ListMessageRows(ctx context.Context) ([]MessageRow, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat store: list message rows: %w", err)
	}
	defer s.pool.Put(conn)

	var rows []MessageRow
	err = sqlitex.Execute(conn,
		`SELECT id, body, created_at FROM messages ORDER BY created_at, rowid`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				body := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, body)
				rows = append(rows, MessageRow{
					ID:        stmt.ColumnText(0),
					Body:      body,
					CreatedAt: stmt.ColumnInt64(2),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("chat store: list message rows: %w", err)
	}
	return rows, nil
}

// ListMessages returns every stored message, decoded, in conversation
// order. Rows that fail to decode or validate are logged and skipped
// rather than poisoning the whole conversation.
func (s *Store) ListMessages(ctx context.Context) ([]*Message, error) {
	rows, err := s.ListMessageRows(ctx)
	if err != nil {
		return nil, err
	}

	messages := make([]*Message, 0, len(rows))
	for _, row := range rows {
		var message Message
		if err := codec.Unmarshal(row.Body, &message); err != nil {
			s.logger.Warn("skipping undecodable message row",
				"message_id", row.ID, "error", err)
			continue
		}
		if err := message.Validate(); err != nil {
			s.logger.Warn("skipping invalid message row",
				"message_id", row.ID, "error", err)
			continue
		}
		messages = append(messages, &message)
	}
	return messages, nil
}

// MessageIDs returns the ids of every stored message in conversation
// order. Sync reconciliation uses this to find rows absent from an
// incoming snapshot without decoding bodies.
func (s *Store) MessageIDs(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat store: message ids: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn,
		`SELECT id FROM messages ORDER BY created_at, rowid`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("chat store: message ids: %w", err)
	}
	return ids, nil
}

// MessageCount returns the number of stored messages.
func (s *Store) MessageCount(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("chat store: message count: %w", err)
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM messages`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("chat store: message count: %w", err)
	}
	return count, nil
}

// OldestMessageIDs returns the ids of the n oldest messages, oldest
// first. Used by eviction when the conversation exceeds its message
// limit.
func (s *Store) OldestMessageIDs(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat store: oldest message ids: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn,
		`SELECT id FROM messages ORDER BY created_at, rowid LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{n},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("chat store: oldest message ids: %w", err)
	}
	return ids, nil
}

// Chunk is one protocol event pending persistence, with the stream
// position it was assigned at enqueue time.
type Chunk struct {
	StreamID string
	Index    int64
	Body     []byte
}

// chunkRowID builds the primary key for a chunk row. Deterministic per
// (stream, index) so a rewrite of the same position replaces the row
// instead of duplicating it.
func chunkRowID(streamID string, index int64) string {
	return fmt.Sprintf("%s:%010d", streamID, index)
}

// InsertChunks writes a batch of chunks in a single IMMEDIATE
// transaction. Bodies are compressed on the way in. Writing the same
// (stream, index) twice replaces the earlier row.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("chat store: insert chunks: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("chat store: insert chunks: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	createdAt := s.clock.Now().UnixNano()
	for i := range chunks {
		chunk := &chunks[i]
		err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO stream_chunks
			(id, stream_id, body, chunk_index, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					chunkRowID(chunk.StreamID, chunk.Index),
					chunk.StreamID,
					compressBody(chunk.Body),
					chunk.Index,
					createdAt,
				},
			})
		if err != nil {
			return fmt.Errorf("chat store: insert chunk %s[%d]: %w",
				chunk.StreamID, chunk.Index, err)
		}
	}
	return nil
}

// ChunksForStream returns the decompressed bodies of a stream's
// chunks in index order. A chunk that fails to decompress is logged
// and skipped; replay then serves the surviving prefix and suffix
// rather than nothing.
func (s *Store) ChunksForStream(ctx context.Context, streamID string) ([][]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat store: chunks for stream: %w", err)
	}
	defer s.pool.Put(conn)

	var bodies [][]byte
	err = sqlitex.Execute(conn, `SELECT chunk_index, body FROM stream_chunks
		WHERE stream_id = ? ORDER BY chunk_index`,
		&sqlitex.ExecOptions{
			Args: []any{streamID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, blob)
				body, err := decompressBody(blob)
				if err != nil {
					s.logger.Warn("skipping corrupt stream chunk",
						"stream_id", streamID,
						"chunk_index", stmt.ColumnInt64(0),
						"error", err)
					return nil
				}
				bodies = append(bodies, body)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("chat store: chunks for stream %s: %w", streamID, err)
	}
	return bodies, nil
}

// MaxChunkIndex returns the highest persisted chunk index for a
// stream. The second return is false when the stream has no chunks.
func (s *Store) MaxChunkIndex(ctx context.Context, streamID string) (int64, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("chat store: max chunk index: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		max   int64
		found bool
	)
	err = sqlitex.Execute(conn,
		`SELECT MAX(chunk_index) FROM stream_chunks WHERE stream_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{streamID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if stmt.ColumnIsNull(0) {
					return nil
				}
				max = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, false, fmt.Errorf("chat store: max chunk index %s: %w", streamID, err)
	}
	return max, found, nil
}

// DeleteStream removes a stream's metadata row and all of its chunks
// in one transaction.
func (s *Store) DeleteStream(ctx context.Context, streamID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("chat store: delete stream: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("chat store: delete stream: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `DELETE FROM stream_chunks WHERE stream_id = ?`,
		&sqlitex.ExecOptions{Args: []any{streamID}})
	if err != nil {
		return fmt.Errorf("chat store: delete stream %s chunks: %w", streamID, err)
	}
	err = sqlitex.Execute(conn, `DELETE FROM stream_metadata WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{streamID}})
	if err != nil {
		return fmt.Errorf("chat store: delete stream %s metadata: %w", streamID, err)
	}
	return nil
}

// StreamMeta is one stream_metadata row. CompletedAt is zero while the
// stream is still streaming.
type StreamMeta struct {
	ID           string
	RequestID    string
	MessageID    string
	Continuation bool
	Status       StreamStatus
	CreatedAt    int64
	CompletedAt  int64
}

// InsertStreamMetadata records a new stream in the streaming state.
// messageID names the assistant message the stream builds, so a restart
// can rebuild that message from the persisted chunks. continuation
// marks streams that extend an existing message rather than starting a
// fresh one; replayed chunks carry the flag so clients append instead
// of restarting.
func (s *Store) InsertStreamMetadata(ctx context.Context, streamID, requestID, messageID string, continuation bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("chat store: insert stream metadata: %w", err)
	}
	defer s.pool.Put(conn)

	continuationFlag := 0
	if continuation {
		continuationFlag = 1
	}
	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO stream_metadata
		(id, request_id, message_id, continuation, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		&sqlitex.ExecOptions{
			Args: []any{streamID, requestID, messageID, continuationFlag,
				string(StreamStatusStreaming), s.clock.Now().UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("chat store: insert stream metadata %s: %w", streamID, err)
	}
	return nil
}

// SetStreamStatus moves a stream to a terminal status and stamps
// completed_at. Missing streams are not an error — a cleanup may have
// raced the transition.
func (s *Store) SetStreamStatus(ctx context.Context, streamID string, status StreamStatus) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("chat store: set stream status: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE stream_metadata SET status = ?, completed_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(status), s.clock.Now().UnixNano(), streamID},
		})
	if err != nil {
		return fmt.Errorf("chat store: set stream status %s: %w", streamID, err)
	}
	return nil
}

// FailStreamingExcept moves every streaming row except keepID to the
// error status. Restores the at-most-one-streaming invariant after a
// crash that left extra rows behind. An empty keepID fails them all.
func (s *Store) FailStreamingExcept(ctx context.Context, keepID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("chat store: fail streaming: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE stream_metadata
		SET status = ?, completed_at = ?
		WHERE status = ? AND id != ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(StreamStatusError), s.clock.Now().UnixNano(),
				string(StreamStatusStreaming), keepID},
		})
	if err != nil {
		return fmt.Errorf("chat store: fail streaming: %w", err)
	}
	return nil
}

// readStreamMeta decodes one stream_metadata row. Columns: id,
// request_id, message_id, continuation, status, created_at,
// completed_at.
func readStreamMeta(stmt *sqlite.Stmt) StreamMeta {
	meta := StreamMeta{
		ID:           stmt.ColumnText(0),
		RequestID:    stmt.ColumnText(1),
		MessageID:    stmt.ColumnText(2),
		Continuation: stmt.ColumnInt64(3) != 0,
		Status:       StreamStatus(stmt.ColumnText(4)),
		CreatedAt:    stmt.ColumnInt64(5),
	}
	if !stmt.ColumnIsNull(6) {
		meta.CompletedAt = stmt.ColumnInt64(6)
	}
	return meta
}

// LatestStreamingMetadata returns the most recent stream still marked
// streaming, if any. After a crash this is the stream a restarted
// service decides to adopt or discard.
func (s *Store) LatestStreamingMetadata(ctx context.Context) (StreamMeta, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return StreamMeta{}, false, fmt.Errorf("chat store: latest streaming metadata: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		meta  StreamMeta
		found bool
	)
	err = sqlitex.Execute(conn, `SELECT id, request_id, message_id, continuation, status, created_at, completed_at
		FROM stream_metadata WHERE status = ?
		ORDER BY created_at DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{string(StreamStatusStreaming)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				meta = readStreamMeta(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return StreamMeta{}, false, fmt.Errorf("chat store: latest streaming metadata: %w", err)
	}
	return meta, found, nil
}

// StreamMetadata returns the metadata row for one stream.
func (s *Store) StreamMetadata(ctx context.Context, streamID string) (StreamMeta, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return StreamMeta{}, false, fmt.Errorf("chat store: stream metadata: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		meta  StreamMeta
		found bool
	)
	err = sqlitex.Execute(conn, `SELECT id, request_id, message_id, continuation, status, created_at, completed_at
		FROM stream_metadata WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{streamID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				meta = readStreamMeta(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return StreamMeta{}, false, fmt.Errorf("chat store: stream metadata %s: %w", streamID, err)
	}
	return meta, found, nil
}

// StreamForRequest returns the newest stream created for a request
// id. Resume acks name the request, not the stream, so replay resolves
// the stream through this.
func (s *Store) StreamForRequest(ctx context.Context, requestID string) (StreamMeta, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return StreamMeta{}, false, fmt.Errorf("chat store: stream for request: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		meta  StreamMeta
		found bool
	)
	err = sqlitex.Execute(conn, `SELECT id, request_id, message_id, continuation, status, created_at, completed_at
		FROM stream_metadata WHERE request_id = ?
		ORDER BY created_at DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{requestID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				meta = readStreamMeta(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return StreamMeta{}, false, fmt.Errorf("chat store: stream for request %s: %w", requestID, err)
	}
	return meta, found, nil
}

// CleanupFinishedStreams deletes finished streams whose completed_at
// is before the cutoff, along with their chunks. Returns the number of
// streams removed. Streams still marked streaming are never touched.
func (s *Store) CleanupFinishedStreams(ctx context.Context, cutoff int64) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("chat store: cleanup finished streams: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("chat store: cleanup finished streams: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `DELETE FROM stream_chunks WHERE stream_id IN (
		SELECT id FROM stream_metadata
		WHERE status != ? AND completed_at IS NOT NULL AND completed_at < ?)`,
		&sqlitex.ExecOptions{
			Args: []any{string(StreamStatusStreaming), cutoff},
		})
	if err != nil {
		return 0, fmt.Errorf("chat store: cleanup finished streams: chunks: %w", err)
	}

	err = sqlitex.Execute(conn, `DELETE FROM stream_metadata
		WHERE status != ? AND completed_at IS NOT NULL AND completed_at < ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(StreamStatusStreaming), cutoff},
		})
	if err != nil {
		return 0, fmt.Errorf("chat store: cleanup finished streams: metadata: %w", err)
	}
	return int64(conn.Changes()), nil
}

// SetRequestContext stores one request-context value, replacing any
// previous value for the key.
func (s *Store) SetRequestContext(ctx context.Context, key string, value []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("chat store: set request context: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO request_context (key, value) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{key, value}})
	if err != nil {
		return fmt.Errorf("chat store: set request context %s: %w", key, err)
	}
	return nil
}

// RequestContext returns one request-context value. The second return
// is false when the key has never been stored.
func (s *Store) RequestContext(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("chat store: request context: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		value []byte
		found bool
	)
	err = sqlitex.Execute(conn,
		`SELECT value FROM request_context WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("chat store: request context %s: %w", key, err)
	}
	return value, found, nil
}

// Clear deletes the entire conversation: messages, chunks, stream
// metadata, and request context, in one transaction.
func (s *Store) Clear(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("chat store: clear: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("chat store: clear: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, table := range []string{"messages", "stream_chunks", "stream_metadata", "request_context"} {
		if err = sqlitex.Execute(conn, "DELETE FROM "+table, nil); err != nil {
			return fmt.Errorf("chat store: clear %s: %w", table, err)
		}
	}
	return nil
}

// Stats summarizes the store for the debug/stats surface.
type Stats struct {
	MessageCount      int64 `json:"message_count"`
	ChunkCount        int64 `json:"chunk_count"`
	StreamCount       int64 `json:"stream_count"`
	DatabaseSizeBytes int64 `json:"database_size_bytes"`
}

// Stats returns row counts and the database file size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("chat store: stats: %w", err)
	}
	defer s.pool.Put(conn)

	var stats Stats
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM messages`, &stats.MessageCount},
		{`SELECT COUNT(*) FROM stream_chunks`, &stats.ChunkCount},
		{`SELECT COUNT(*) FROM stream_metadata`, &stats.StreamCount},
	}
	for _, c := range counts {
		err = sqlitex.Execute(conn, c.query, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				*c.dest = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return Stats{}, fmt.Errorf("chat store: stats: %w", err)
		}
	}

	var pageCount, pageSize int64
	err = sqlitex.Execute(conn, `PRAGMA page_count`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			pageCount = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("chat store: stats: page count: %w", err)
	}
	err = sqlitex.Execute(conn, `PRAGMA page_size`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			pageSize = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("chat store: stats: page size: %w", err)
	}
	stats.DatabaseSizeBytes = pageCount * pageSize

	return stats, nil
}
