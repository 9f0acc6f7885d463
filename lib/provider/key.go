// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"fmt"
	"os"

	"github.com/parley-foundation/parley/lib/sealed"
	"github.com/parley-foundation/parley/lib/secret"
)

// KeySource names where the provider API key comes from. At most one
// field may be set; all empty means no key, for endpoints that do not
// authenticate.
type KeySource struct {
	// Env names an environment variable holding the key.
	Env string

	// File is a plaintext file holding the key.
	File string

	// SealedFile is an age-encrypted file holding the key; Identity
	// is the age identity file that decrypts it. Identity is only
	// meaningful alongside SealedFile.
	SealedFile string
	Identity   string
}

// LoadKey loads the API key from the configured source into a locked
// buffer. Returns (nil, nil) when no source is set. The caller owns
// the buffer and must close it.
func LoadKey(source KeySource) (*secret.Buffer, error) {
	set := 0
	for _, s := range []string{source.Env, source.File, source.SealedFile} {
		if s != "" {
			set++
		}
	}
	if set > 1 {
		return nil, fmt.Errorf("provider: multiple key sources configured, want at most one")
	}

	switch {
	case source.Env != "":
		key, err := secret.ReadFromEnv(source.Env)
		if err != nil {
			return nil, fmt.Errorf("provider: reading key from environment: %w", err)
		}
		return key, nil

	case source.File != "":
		key, err := secret.ReadFromPath(source.File)
		if err != nil {
			return nil, fmt.Errorf("provider: reading key file: %w", err)
		}
		return key, nil

	case source.SealedFile != "":
		if source.Identity == "" {
			return nil, fmt.Errorf("provider: sealed key file requires an identity file")
		}
		ciphertext, err := os.ReadFile(source.SealedFile)
		if err != nil {
			return nil, fmt.Errorf("provider: reading sealed key file: %w", err)
		}
		identity, err := secret.ReadFromPath(source.Identity)
		if err != nil {
			return nil, fmt.Errorf("provider: reading identity file: %w", err)
		}
		defer identity.Close()
		key, err := sealed.Decrypt(string(ciphertext), identity)
		if err != nil {
			return nil, fmt.Errorf("provider: unsealing key: %w", err)
		}
		return key, nil
	}

	return nil, nil
}
