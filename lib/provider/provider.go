// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"

	"github.com/parley-foundation/parley/lib/chat"
	"github.com/parley-foundation/parley/lib/secret"
)

// doneSentinel terminates an event stream: a data payload of exactly
// "[DONE]" instead of an event object.
const doneSentinel = "[DONE]"

// Config holds the parameters for creating a Client.
type Config struct {
	// BaseURL is the provider's streaming chat endpoint, requested
	// as-is. Required.
	BaseURL string

	// Model is the default model identifier sent with every request.
	// A request option "model" overrides it. Required.
	Model string

	// APIKey, when set, is attached to every request as a bearer
	// token. The Client borrows the buffer; the owner closes it.
	APIKey *secret.Buffer

	// HTTPClient overrides the transport. The default client carries
	// no timeout — streamed responses are open-ended, so deadlines
	// belong on the request context.
	HTTPClient *http.Client
}

// Client streams responses from the generation provider. It
// implements [chat.Streamer].
type Client struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     *secret.Buffer
}

// New creates a provider client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider: base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider: model is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
	}, nil
}

// Stream opens a streaming response for the given conversation. The
// returned stream ends with io.EOF at the provider's [DONE] sentinel
// or when the connection closes after the last event.
func (c *Client) Stream(ctx context.Context, request chat.StreamRequest) (chat.EventStream, error) {
	payload, err := json.Marshal(c.buildRequest(request))
	if err != nil {
		return nil, fmt.Errorf("provider: marshaling request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provider: creating request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "text/event-stream")
	if c.apiKey != nil {
		httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey.String())
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("provider: sending request: %w", err)
	}
	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}

	return &eventStream{
		scanner: NewSSEScanner(httpResponse.Body),
		body:    httpResponse.Body,
	}, nil
}

// buildRequest assembles the wire request. Request options ride along
// untouched and may override the default model; the message list,
// tool list, and streaming flag always win over options so a client
// cannot desynchronize the conversation the engine persisted.
func (c *Client) buildRequest(request chat.StreamRequest) map[string]any {
	body := make(map[string]any, len(request.Options)+4)
	body["model"] = c.model
	maps.Copy(body, request.Options)
	body["messages"] = request.Messages
	if len(request.Tools) > 0 {
		body["tools"] = request.Tools
	} else {
		delete(body, "tools")
	}
	body["stream"] = true
	return body
}

// eventStream adapts an SSE response body to [chat.EventStream].
// Not safe for concurrent use; the engine reads it from one
// goroutine.
type eventStream struct {
	scanner *SSEScanner
	body    io.ReadCloser
	done    bool
}

func (s *eventStream) Next(ctx context.Context) (chat.StreamedEvent, error) {
	if s.done {
		return chat.StreamedEvent{}, io.EOF
	}

	for {
		if err := ctx.Err(); err != nil {
			s.done = true
			return chat.StreamedEvent{}, err
		}
		if !s.scanner.Next() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				// Cancellation closes the response body mid-read;
				// report it as the context error, not a transport one.
				if ctxErr := ctx.Err(); ctxErr != nil {
					return chat.StreamedEvent{}, ctxErr
				}
				return chat.StreamedEvent{}, fmt.Errorf("provider: reading stream: %w", err)
			}
			return chat.StreamedEvent{}, io.EOF
		}

		data := bytes.TrimSpace(s.scanner.Event().Data)
		if len(data) == 0 {
			continue
		}
		if string(data) == doneSentinel {
			s.done = true
			return chat.StreamedEvent{}, io.EOF
		}

		event, err := chat.ParseEvent(data)
		if err != nil {
			s.done = true
			return chat.StreamedEvent{}, fmt.Errorf("provider: %w", err)
		}
		return chat.StreamedEvent{Raw: data, Event: event}, nil
	}
}

func (s *eventStream) Close() error {
	return s.body.Close()
}
