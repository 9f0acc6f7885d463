// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/parley-foundation/parley/cmd/parley/cli"
	"github.com/parley-foundation/parley/lib/service"
)

// serviceStats mirrors the chat.stats action response.
type serviceStats struct {
	MessageCount      int64 `cbor:"message_count" json:"message_count"`
	ChunkCount        int64 `cbor:"chunk_count" json:"chunk_count"`
	StreamCount       int64 `cbor:"stream_count" json:"stream_count"`
	DatabaseSizeBytes int64 `cbor:"database_size_bytes" json:"database_size_bytes"`
	Connections       int   `cbor:"connections" json:"connections"`
}

func statsCommand() *cli.Command {
	var socketFlag string
	var asJSON bool
	return &cli.Command{
		Name:    "stats",
		Summary: "Show service storage counters",
		Usage:   "parley stats [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("stats", pflag.ContinueOnError)
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

			var stats serviceStats
			if err := service.NewClient(socketPath).Call(ctx, "chat.stats", nil, &stats); err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(stats)
			}
			printStats(os.Stdout, &stats)
			return nil
		},
	}
}

func printStats(w io.Writer, stats *serviceStats) {
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "messages\t%d\n", stats.MessageCount)
	fmt.Fprintf(tw, "chunks\t%d\n", stats.ChunkCount)
	fmt.Fprintf(tw, "streams\t%d\n", stats.StreamCount)
	fmt.Fprintf(tw, "database bytes\t%d\n", stats.DatabaseSizeBytes)
	fmt.Fprintf(tw, "connections\t%d\n", stats.Connections)
	tw.Flush()
}
