// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/parley-foundation/parley/cmd/parley/cli"
	"github.com/parley-foundation/parley/lib/sealed"
	"github.com/parley-foundation/parley/lib/secret"
)

func sealKeyCommand() *cli.Command {
	var recipients []string
	var keyFile string
	var outputPath string
	return &cli.Command{
		Name:    "seal-key",
		Summary: "Encrypt a provider API key to age recipients",
		Description: "Seal-key encrypts an API key so only holders of a matching age\n" +
			"identity can read it. The service decrypts sealed keys at\n" +
			"startup via provider.api_key_sealed_file and its identity file.\n" +
			"The key is read from --key-file, or prompted for without echo\n" +
			"when stdin is a terminal, or read from stdin otherwise.",
		Usage: "parley seal-key --recipient <age1...> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("seal-key", pflag.ContinueOnError)
			flagSet.StringSliceVar(&recipients, "recipient", nil, "age public key to seal to (repeatable)")
			flagSet.StringVar(&keyFile, "key-file", "", "read the key from this file instead of prompting")
			flagSet.StringVar(&outputPath, "output", "", "sealed key file to write (default: stdout)")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Seal a key for the service host",
				Command:     "parley seal-key --recipient age1xyz... --output ~/.config/parley/api-key.sealed",
			},
		},
		Run: func(args []string) error {
			if len(recipients) == 0 {
				return fmt.Errorf("at least one --recipient is required")
			}
			for _, recipient := range recipients {
				if err := sealed.ParsePublicKey(recipient); err != nil {
					return fmt.Errorf("recipient %q: %w", recipient, err)
				}
			}
			return runSealKey(recipients, keyFile, outputPath)
		},
	}
}

func runSealKey(recipients []string, keyFile, outputPath string) error {
	key, err := readKeyMaterial(keyFile)
	if err != nil {
		return err
	}
	defer key.Close()

	sealedKey, err := sealed.Encrypt(key.Bytes(), recipients)
	if err != nil {
		return fmt.Errorf("sealing key: %w", err)
	}

	if outputPath == "" {
		fmt.Println(sealedKey)
		return nil
	}
	if err := os.WriteFile(outputPath, []byte(sealedKey+"\n"), 0600); err != nil {
		return fmt.Errorf("writing sealed key: %w", err)
	}
	fmt.Printf("sealed key written to %s\n", outputPath)
	return nil
}

// readKeyMaterial reads the API key from the named file, from an
// echo-free terminal prompt, or from piped stdin, in that order of
// preference. The returned buffer is the caller's to close.
func readKeyMaterial(keyFile string) (*secret.Buffer, error) {
	if keyFile != "" {
		return secret.ReadFromPath(keyFile)
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "API key: ")
		line, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading key: %w", err)
		}
		defer secret.Zero(line)
		return protectKey(line)
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading key from stdin: %w", err)
	}
	defer secret.Zero(data)
	return protectKey(data)
}

// protectKey moves trimmed key bytes into locked memory. NewFromBytes
// zeros the trimmed sub-slice; the deferred Zero in the callers
// catches the surrounding whitespace bytes.
func protectKey(raw []byte) (*secret.Buffer, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty key")
	}
	return secret.NewFromBytes(trimmed)
}
