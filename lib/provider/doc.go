// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider is the HTTP client for the upstream generation
// provider. It implements [chat.Streamer]: a request is POSTed as
// JSON and the response arrives as Server-Sent Events, each data
// payload one protocol-event JSON object, terminated by a [DONE]
// sentinel.
//
// The package does not interpret events beyond parsing them — the
// chat engine owns all response semantics. It also does not retry:
// a failed stream surfaces as an error and the engine reports it to
// clients, who decide whether to resend.
//
// API keys come from an environment variable, a plaintext file, or an
// age-sealed file (see [LoadKey]); the key is held in a locked
// [secret.Buffer] and attached as a bearer token.
package provider
