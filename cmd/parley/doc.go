// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Parley is the command-line client for a Parley chat service. It
// talks to the service over its Unix socket: chat attaches to the
// frame stream and renders a reply as it is generated, messages and
// stats are one-shot queries, and clear wipes the stored conversation.
// keygen and seal-key manage the age-sealed provider API keys the
// service reads at startup.
//
// The socket path comes from --socket when given, otherwise from the
// configuration file named by PARLEY_CONFIG, otherwise from the
// built-in defaults.
package main
