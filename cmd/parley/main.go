// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/parley-foundation/parley/cmd/parley/cli"
	"github.com/parley-foundation/parley/lib/config"
	"github.com/parley-foundation/parley/lib/version"
)

func main() {
	if err := rootCommand().Execute(os.Args[1:]); err != nil {
		// Commands that print their own output (like a rendered but
		// failed response stream) return an ExitError with the desired
		// exit code. Don't print a redundant "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:    "parley",
		Summary: "Client for a Parley chat service",
		Description: "Parley talks to a running chat service over its Unix socket.\n" +
			"Replies stream to the terminal as they are generated, and an\n" +
			"interrupted stream can be resumed from where it left off.",
		Subcommands: []*cli.Command{
			chatCommand(),
			messagesCommand(),
			statsCommand(),
			clearCommand(),
			keygenCommand(),
			sealKeyCommand(),
			versionCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Ask a question and stream the answer",
				Command:     `parley chat "how does stream resumption work?"`,
			},
			{
				Description: "Offer a client tool the model may call",
				Command:     `parley chat --tools weather.jsonc "what's the weather in Oslo?"`,
			},
			{
				Description: "Inspect the stored conversation",
				Command:     "parley messages --json",
			},
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			fmt.Printf("parley %s\n", version.Full())
			return nil
		},
	}
}

// resolveSocket returns the service socket path. An explicit flag
// value wins; otherwise the configuration named by PARLEY_CONFIG is
// consulted, falling back to the built-in defaults when the variable
// is unset.
func resolveSocket(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if os.Getenv("PARLEY_CONFIG") != "" {
		cfg, err := config.Load()
		if err != nil {
			return "", err
		}
		return cfg.Paths.Socket, nil
	}
	return config.Default().Paths.Socket, nil
}
