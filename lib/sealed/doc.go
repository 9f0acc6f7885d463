// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption and decryption for provider
// API keys kept on disk. It wraps filippo.io/age for the specific
// operations Parley needs: generate x25519 keypairs, encrypt to one or
// more recipients, and decrypt with a private key.
//
// Ciphertext is base64-encoded so sealed key files stay line-oriented
// and safe to carry through configuration management. Callers pass
// plaintext []byte to [Encrypt] and receive a base64 string; [Decrypt]
// accepts a base64 string and returns plaintext. Private keys and
// decrypted plaintext are returned as [secret.Buffer] values backed by
// mmap memory outside the Go heap (locked against swap, excluded from
// core dumps, zeroed on Close).
//
// Key exports:
//
//   - [GenerateKeypair] -- new age x25519 keypair in a secret.Buffer
//   - [Encrypt] -- encrypt to age public key recipients
//   - [Decrypt] -- decrypt with a secret.Buffer key
//   - [ParsePublicKey] / [ParsePrivateKey] -- key validation
//
// Used by the chat service (unseal the provider API key at startup)
// and the parley CLI (keygen and seal-key subcommands).
//
// Depends on lib/secret for secure memory allocation.
package sealed
