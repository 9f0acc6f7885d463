// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/parley-foundation/parley/cmd/parley/cli"
	"github.com/parley-foundation/parley/lib/chat"
	"github.com/parley-foundation/parley/lib/codec"
	"github.com/parley-foundation/parley/lib/service"
)

const (
	// readTimeout bounds one frame read. The service heartbeats every
	// 30 seconds, so twice that without any frame means the connection
	// is dead.
	readTimeout = 60 * time.Second

	// writeTimeout bounds one frame write.
	writeTimeout = 10 * time.Second

	// Reconnect pacing after a dropped connection. The delay grows
	// linearly with the attempt number.
	reconnectAttempts = 5
	reconnectDelay    = 200 * time.Millisecond
)

func chatCommand() *cli.Command {
	var socketFlag string
	var toolPaths []string
	return &cli.Command{
		Name:    "chat",
		Summary: "Send a prompt and stream the reply",
		Description: "Chat appends a prompt to the stored conversation and streams\n" +
			"the reply to stdout as the provider generates it. Tool approval\n" +
			"requests and calls to tools declared with --tools are answered\n" +
			"interactively when stdin is a terminal. If the connection drops\n" +
			"mid-reply, chat reconnects and resumes without losing output.",
		Usage: "parley chat [flags] <prompt>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("chat", pflag.ContinueOnError)
			flagSet.StringVar(&socketFlag, "socket", "", "service socket path (defaults to the configured path)")
			flagSet.StringSliceVar(&toolPaths, "tools", nil, "JSONC tool schema file to offer the model (repeatable)")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Stream a reply",
				Command:     `parley chat "summarize our discussion so far"`,
			},
			{
				Description: "Offer a client tool",
				Command:     `parley chat --tools weather.jsonc "what's the weather in Oslo?"`,
			},
		},
		Run: func(args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				return fmt.Errorf("chat needs a prompt: parley chat \"...\"")
			}
			socketPath, err := resolveSocket(socketFlag)
			if err != nil {
				return err
			}
			tools, err := loadToolSchemas(toolPaths)
			if err != nil {
				return err
			}
			return runChat(socketPath, prompt, tools)
		},
	}
}

func runChat(socketPath, prompt string, tools []chat.ToolSchema) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := &chatSession{
		client:      service.NewClient(socketPath),
		tools:       tools,
		renderer:    newRenderer(os.Stdout, os.Stderr),
		status:      os.Stderr,
		input:       bufio.NewReader(os.Stdin),
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}

	// On interrupt, ask the service to abort the request and drop the
	// connection so the read loop unblocks. stop() runs first so a
	// second interrupt falls through to default handling.
	unregister := context.AfterFunc(ctx, func() {
		stop()
		session.interrupt()
	})
	defer unregister()

	return session.run(ctx, prompt)
}

// chatSession is one chat request's connection state. All methods run
// on the command goroutine; connMu exists for the interrupt callback,
// which writes the cancel frame from the signal goroutine.
type chatSession struct {
	client      *service.Client
	tools       []chat.ToolSchema
	renderer    *renderer
	status      io.Writer
	input       *bufio.Reader
	interactive bool

	connMu  sync.Mutex
	conn    net.Conn
	encoder *codec.Encoder

	decoder *codec.Decoder
	history []*chat.Message

	// requestID names the stream currently being rendered; it changes
	// when a continuation is adopted. delivered counts the body chunks
	// whose content reached the terminal, and replaySkip is how many
	// replayed chunks to swallow after a resume before new content
	// starts.
	requestID            string
	delivered            int
	replaySkip           int
	awaitingContinuation bool
}

func (s *chatSession) run(ctx context.Context, prompt string) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	defer s.closeConn()

	s.history = append(s.history, &chat.Message{
		ID:   uuid.NewString(),
		Role: chat.RoleUser,
		Parts: []chat.Part{{
			Type: chat.PartText,
			Text: &chat.TextPart{Text: prompt, State: chat.TextDone},
		}},
	})
	body, err := codec.Marshal(chat.ChatRequestBody{
		Messages:    s.history,
		ClientTools: s.tools,
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	s.setRequestID(uuid.NewString())
	if err := s.sendFrame(&chat.Frame{
		Kind:        chat.FrameChatRequest,
		ChatRequest: &chat.ChatRequest{ID: s.requestID, Body: body},
	}); err != nil {
		return err
	}
	return s.streamLoop(ctx)
}

// frameConn is an attached frame-stream connection together with the
// conversation snapshot that leads it.
type frameConn struct {
	conn     net.Conn
	decoder  *codec.Decoder
	encoder  *codec.Encoder
	snapshot []*chat.Message
}

// attachFrames opens a frame-stream connection and consumes the
// snapshot. A rejected attach arrives as a service response envelope
// instead of a frame, so the first value off the wire is decoded in
// two steps.
func attachFrames(ctx context.Context, client *service.Client) (*frameConn, error) {
	conn, err := client.Attach(ctx, "chat.attach", nil)
	if err != nil {
		return nil, err
	}
	decoder := codec.NewDecoder(conn)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	var raw codec.RawMessage
	if err := decoder.Decode(&raw); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var frame chat.Frame
	if err := codec.Unmarshal(raw, &frame); err != nil || frame.Kind == "" {
		conn.Close()
		var response service.Response
		if err := codec.Unmarshal(raw, &response); err == nil && response.Error != "" {
			return nil, fmt.Errorf("attach rejected: %s", response.Error)
		}
		return nil, fmt.Errorf("attach: unexpected first value from service")
	}
	if frame.Kind != chat.FrameMessagesSync || frame.MessagesSync == nil {
		conn.Close()
		return nil, fmt.Errorf("attach: expected conversation snapshot, got %q", frame.Kind)
	}
	return &frameConn{
		conn:     conn,
		decoder:  decoder,
		encoder:  codec.NewEncoder(conn),
		snapshot: frame.MessagesSync.Messages,
	}, nil
}

func (s *chatSession) connect(ctx context.Context) error {
	fc, err := attachFrames(ctx, s.client)
	if err != nil {
		return err
	}
	s.connMu.Lock()
	s.conn = fc.conn
	s.encoder = fc.encoder
	s.connMu.Unlock()
	s.decoder = fc.decoder
	s.history = fc.snapshot
	return nil
}

func (s *chatSession) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

// interrupt asks the service to abort the in-flight request, then
// drops the connection so the blocked read returns.
func (s *chatSession) interrupt() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	if s.requestID != "" {
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		s.encoder.Encode(&chat.Frame{
			Kind:          chat.FrameRequestCancel,
			RequestCancel: &chat.RequestCancel{ID: s.requestID},
		})
	}
	s.conn.Close()
}

func (s *chatSession) setRequestID(id string) {
	s.connMu.Lock()
	s.requestID = id
	s.connMu.Unlock()
}

func (s *chatSession) sendFrame(frame *chat.Frame) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return net.ErrClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.encoder.Encode(frame); err != nil {
		return fmt.Errorf("sending %s: %w", frame.Kind, err)
	}
	return nil
}

// streamLoop renders frames until the request completes. Tool
// interactions collected during a stream are answered once its done
// chunk arrives, and the loop keeps going while a continuation is
// expected. A dropped connection triggers reconnect-and-resume.
func (s *chatSession) streamLoop(ctx context.Context) error {
	for {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		var frame chat.Frame
		if err := s.decoder.Decode(&frame); err != nil {
			if ctx.Err() != nil {
				s.renderer.ensureNewline()
				fmt.Fprintln(s.status, "[canceled]")
				return nil
			}
			if resumeErr := s.resume(ctx); resumeErr != nil {
				s.renderer.ensureNewline()
				return fmt.Errorf("connection lost: %v (resume failed: %v)", err, resumeErr)
			}
			continue
		}

		switch frame.Kind {
		case chat.FrameChunk:
			done, err := s.handleChunk(ctx, frame.Chunk)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case chat.FrameCleared:
			fmt.Fprintln(s.status, "[conversation cleared]")
		default:
			// Heartbeats, snapshots pushed for other clients'
			// requests, message update echoes, and late resume offers
			// need no action here.
		}
	}
}

func (s *chatSession) handleChunk(ctx context.Context, chunk *chat.ResponseChunk) (bool, error) {
	if chunk == nil {
		return false, nil
	}
	switch {
	case chunk.ID == s.requestID:
	case s.awaitingContinuation && chunk.Continuation:
		// The follow-up stream runs under its own request id; adopt it.
		s.setRequestID(chunk.ID)
		s.delivered = 0
		s.replaySkip = 0
		s.awaitingContinuation = false
	default:
		return false, nil
	}

	if len(chunk.Body) > 0 {
		if s.replaySkip > 0 {
			s.replaySkip--
		} else {
			s.renderBody(chunk.Body)
			s.delivered++
		}
	}

	if chunk.Error != "" {
		s.renderer.ensureNewline()
		fmt.Fprintf(s.status, "[request failed: %s]\n", chunk.Error)
		return false, &cli.ExitError{Code: 1}
	}
	if !chunk.Done {
		return false, nil
	}

	// The stream settled; answer whatever it left pending.
	s.renderer.ensureNewline()
	work := s.renderer.takePending()
	if work.empty() {
		return true, nil
	}
	frames, expectContinuation, err := s.answerPending(work)
	if err != nil {
		return false, err
	}
	for _, frame := range frames {
		if err := s.sendFrame(frame); err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(s.status, "[canceled]")
				return true, nil
			}
			return false, err
		}
	}
	if !expectContinuation {
		return true, nil
	}
	s.awaitingContinuation = true
	return false, nil
}

func (s *chatSession) renderBody(body []byte) {
	event, err := chat.ParseEvent(body)
	if err != nil {
		fmt.Fprintf(s.status, "[undecodable event: %v]\n", err)
		return
	}
	s.renderer.handleEvent(event)
}

// resume redials the service and asks it to replay the active
// request's chunk log. Replay preserves order and content, so the
// count of already-delivered chunks is an exact cursor: that many
// replayed chunks are swallowed and rendering picks up where the old
// connection stopped. Works equally when the stream finished while we
// were away — the replay then ends with a done chunk.
func (s *chatSession) resume(ctx context.Context) error {
	s.closeConn()
	if s.requestID == "" {
		return fmt.Errorf("no request in flight")
	}

	var err error
	for attempt := 0; attempt < reconnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * reconnectDelay):
			}
		}
		if err = s.connect(ctx); err == nil {
			break
		}
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(s.status, "[reconnected, resuming]")
	s.replaySkip = s.delivered
	return s.sendFrame(&chat.Frame{
		Kind:      chat.FrameResumeAck,
		ResumeAck: &chat.ResumeAck{ID: s.requestID},
	})
}

// answerPending walks the user through the tool interactions the
// stream left behind: yes/no prompts for approval requests, then
// result entry for calls to tools this client declared. Denials and
// results both restart the response; the continuation trigger rides
// the last such frame so the service has merged every answer before
// it opens the follow-up stream.
func (s *chatSession) answerPending(work pendingWork) ([]*chat.Frame, bool, error) {
	var frames []*chat.Frame
	denied := make(map[string]bool)

	for _, request := range work.approvals {
		name := s.renderer.toolName(request.ToolCallID)
		approved := false
		if s.interactive {
			answer, err := s.promptLine(fmt.Sprintf("allow tool %s? [y/N] ", name))
			if err != nil {
				return nil, false, err
			}
			answer = strings.ToLower(answer)
			approved = answer == "y" || answer == "yes"
		} else {
			fmt.Fprintf(s.status, "[denying tool %s: approvals need a terminal]\n", name)
		}
		if !approved {
			denied[request.ToolCallID] = true
		}
		frames = append(frames, &chat.Frame{
			Kind: chat.FrameToolApproval,
			ToolApproval: &chat.ToolApproval{
				ToolCallID: request.ToolCallID,
				ApprovalID: request.ApprovalID,
				Approved:   approved,
			},
		})
	}

	for _, call := range work.toolCalls {
		if denied[call.ToolCallID] || !s.declaredTool(call.ToolName) {
			continue
		}
		if !s.interactive {
			fmt.Fprintf(s.status, "[tool %s needs a terminal to answer]\n", call.ToolName)
			continue
		}
		output, err := s.promptToolOutput(call)
		if err != nil {
			return nil, false, err
		}
		if output == nil {
			continue
		}
		frames = append(frames, &chat.Frame{
			Kind: chat.FrameToolResult,
			ToolResult: &chat.ToolResult{
				ToolCallID:  call.ToolCallID,
				ToolName:    call.ToolName,
				Output:      output,
				ClientTools: s.tools,
			},
		})
	}

	// Only a denial or a result restarts the stream; a bare approval
	// leaves the provider waiting for the tool's result.
	continueAt := -1
	for i, frame := range frames {
		if frame.ToolResult != nil {
			continueAt = i
		}
		if frame.ToolApproval != nil && !frame.ToolApproval.Approved {
			continueAt = i
		}
	}
	if continueAt >= 0 {
		if result := frames[continueAt].ToolResult; result != nil {
			result.AutoContinue = true
		} else {
			frames[continueAt].ToolApproval.AutoContinue = true
		}
	}
	return frames, continueAt >= 0, nil
}

func (s *chatSession) declaredTool(name string) bool {
	for _, tool := range s.tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}

// promptLine writes prompt to stderr, so redirected stdout stays clean
// prose, and reads one line from stdin.
func (s *chatSession) promptLine(prompt string) (string, error) {
	fmt.Fprint(s.status, prompt)
	line, err := s.input.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// promptToolOutput asks the user to supply a declared tool's result.
// Input that parses as JSON is passed through untouched; bare text
// becomes a JSON string. An empty line skips the call, leaving the
// conversation parked on it.
func (s *chatSession) promptToolOutput(call chat.Event) (json.RawMessage, error) {
	line, err := s.promptLine(fmt.Sprintf("result for %s (JSON or text, empty to skip): ", call.ToolName))
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, nil
	}
	if json.Valid([]byte(line)) {
		return json.RawMessage(line), nil
	}
	quoted, err := json.Marshal(line)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(quoted), nil
}
