// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ProviderError is a non-200 response from the provider.
type ProviderError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Type is the provider's error type string, such as
	// "invalid_request_error" or "rate_limit_error". May be empty.
	Type string

	// Message is the human-readable description.
	Message string
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("provider: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("provider: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsRateLimited reports whether the provider rejected the request for
// rate limiting (HTTP 429).
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == http.StatusTooManyRequests
}

// IsOverloaded reports whether the provider is shedding load
// (HTTP 529, the de facto overload status).
func (err *ProviderError) IsOverloaded() bool {
	return err.StatusCode == 529
}

// readProviderError decodes the common error envelope
// {"error":{"type":"...","message":"..."}} from an error response.
// Bodies that are not in that shape are carried verbatim in Message.
func readProviderError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Type:       envelope.Error.Type,
			Message:    envelope.Error.Message,
		}
	}

	return &ProviderError{
		StatusCode: httpResponse.StatusCode,
		Message:    string(body),
	}
}
