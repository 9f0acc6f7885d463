// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/parley-foundation/parley/cmd/parley/cli"
	"github.com/parley-foundation/parley/lib/sealed"
	"github.com/parley-foundation/parley/lib/secret"
)

func keygenCommand() *cli.Command {
	var outputPath string
	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate an age keypair for sealing API keys",
		Description: "Keygen generates an age x25519 keypair. The identity (private\n" +
			"key) is written to --output with owner-only permissions, or to\n" +
			"stdout when no output is given. The public key goes to the other\n" +
			"stream either way, ready to paste into a seal-key invocation.",
		Usage: "parley keygen [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringVar(&outputPath, "output", "", "identity file to write (default: stdout)")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Write the identity next to the service config",
				Command:     "parley keygen --output ~/.config/parley/identity.txt",
			},
		},
		Run: func(args []string) error {
			return runKeygen(outputPath)
		},
	}
}

func runKeygen(outputPath string) error {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	defer keypair.Close()

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "public key: %s\n", keypair.PublicKey)
		fmt.Printf("# public key: %s\n", keypair.PublicKey)
		os.Stdout.Write(keypair.PrivateKey.Bytes())
		fmt.Println()
		return nil
	}

	// The identity copy picks up a trailing newline for the file
	// format; zero it once written.
	data := make([]byte, 0, keypair.PrivateKey.Len()+1)
	data = append(data, keypair.PrivateKey.Bytes()...)
	data = append(data, '\n')
	err = os.WriteFile(outputPath, data, 0600)
	secret.Zero(data)
	if err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	fmt.Printf("public key: %s\n", keypair.PublicKey)
	return nil
}
