// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/parley-foundation/parley/cmd/parley/cli"
	"github.com/parley-foundation/parley/lib/chat"
	"github.com/parley-foundation/parley/lib/service"
)

// callTimeout bounds the one-shot service actions (messages, stats).
const callTimeout = 10 * time.Second

func messagesCommand() *cli.Command {
	var socketFlag string
	var asJSON bool
	return &cli.Command{
		Name:    "messages",
		Summary: "Print the stored conversation",
		Description: "Messages prints the conversation as the service has persisted\n" +
			"it, including tool call states and compaction markers. This is\n" +
			"the debugging view; chat shows the same data live.",
		Usage: "parley messages [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("messages", pflag.ContinueOnError)
			flagSet.StringVar(&socketFlag, "socket", "", "service socket path (defaults to the configured path)")
			flagSet.BoolVar(&asJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			socketPath, err := resolveSocket(socketFlag)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()

			var response struct {
				Messages []*chat.Message `cbor:"messages"`
			}
			if err := service.NewClient(socketPath).Call(ctx, "chat.messages", nil, &response); err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(response.Messages)
			}
			printTranscript(os.Stdout, response.Messages)
			return nil
		},
	}
}

// printTranscript renders messages as a readable conversation log.
// Text parts print indented; everything else collapses to a one-line
// summary.
func printTranscript(w io.Writer, messages []*chat.Message) {
	if len(messages) == 0 {
		fmt.Fprintln(w, "no messages")
		return
	}
	for i, message := range messages {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s:\n", message.Role)
		for _, part := range message.Parts {
			printPart(w, part)
		}
	}
}

func printPart(w io.Writer, part chat.Part) {
	switch part.Type {
	case chat.PartText:
		if part.Text != nil && part.Text.Text != "" {
			fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(part.Text.Text, "\n", "\n  "))
		}
	case chat.PartReasoning:
		if part.Reasoning != nil {
			fmt.Fprintf(w, "  [reasoning, %d chars]\n", len(part.Reasoning.Text))
		}
	case chat.PartTool, chat.PartDynamicTool:
		if part.Tool != nil {
			fmt.Fprintf(w, "  [tool %s: %s]\n", part.Tool.ToolName, part.Tool.State)
		}
	case chat.PartFile:
		if part.File != nil {
			fmt.Fprintf(w, "  [file %s (%s)]\n", part.File.URL, part.File.MediaType)
		}
	case chat.PartSourceURL:
		if part.SourceURL != nil {
			fmt.Fprintf(w, "  [source %s]\n", part.SourceURL.URL)
		}
	case chat.PartSourceDocument:
		if part.SourceDocument != nil {
			fmt.Fprintf(w, "  [source %s]\n", part.SourceDocument.Title)
		}
	case chat.PartStepStart:
		// Step boundaries carry no content.
	default:
		fmt.Fprintf(w, "  [%s part]\n", part.Type)
	}
}
