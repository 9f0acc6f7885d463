// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/parley-foundation/parley/cmd/parley/cli"
	"github.com/parley-foundation/parley/lib/chat"
	"github.com/parley-foundation/parley/lib/service"
)

func clearCommand() *cli.Command {
	var socketFlag string
	return &cli.Command{
		Name:    "clear",
		Summary: "Delete the stored conversation",
		Description: "Clear wipes the conversation and its stream history on the\n" +
			"service, aborting any reply in flight. Attached clients are\n" +
			"notified and show an empty conversation afterwards.",
		Usage: "parley clear [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("clear", pflag.ContinueOnError)
			flagSet.StringVar(&socketFlag, "socket", "", "service socket path (defaults to the configured path)")
			return flagSet
		},
		Run: func(args []string) error {
			socketPath, err := resolveSocket(socketFlag)
			if err != nil {
				return err
			}
			return runClear(socketPath)
		},
	}
}

// runClear attaches to the frame stream: clearing is a frame operation
// confirmed by broadcast, not a one-shot action.
func runClear(socketPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	fc, err := attachFrames(ctx, service.NewClient(socketPath))
	if err != nil {
		return err
	}
	defer fc.conn.Close()

	fc.conn.SetWriteDeadline(time.Now().Add(callTimeout))
	if err := fc.encoder.Encode(&chat.Frame{Kind: chat.FrameChatClear}); err != nil {
		return fmt.Errorf("sending clear: %w", err)
	}

	// The cleared broadcast arrives once the wipe is durable. Chunk
	// frames from an aborting stream may come first.
	for {
		fc.conn.SetReadDeadline(time.Now().Add(callTimeout))
		var frame chat.Frame
		if err := fc.decoder.Decode(&frame); err != nil {
			return fmt.Errorf("waiting for confirmation: %w", err)
		}
		if frame.Kind == chat.FrameCleared {
			fmt.Println("conversation cleared")
			return nil
		}
	}
}
