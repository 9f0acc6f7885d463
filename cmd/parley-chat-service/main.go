// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/parley-foundation/parley/lib/chat"
	"github.com/parley-foundation/parley/lib/clock"
	"github.com/parley-foundation/parley/lib/config"
	"github.com/parley-foundation/parley/lib/provider"
	"github.com/parley-foundation/parley/lib/service"
	"github.com/parley-foundation/parley/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		socketPath   string
		databasePath string
		showVersion  bool
	)

	pflag.StringVar(&configPath, "config", "", "configuration file (default: $PARLEY_CONFIG)")
	pflag.StringVar(&socketPath, "socket", "", "service socket path (overrides configuration)")
	pflag.StringVar(&databasePath, "db", "", "chat database path (overrides configuration)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("parley-chat-service %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	switch {
	case configPath != "":
		cfg, err = config.LoadFile(configPath)
	case os.Getenv("PARLEY_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if socketPath != "" {
		cfg.Paths.Socket = socketPath
	}
	if databasePath != "" {
		cfg.Paths.Database = databasePath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	store, err := chat.OpenStore(chat.StoreConfig{
		Path:   cfg.Paths.Database,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening chat store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing chat store", "error", err)
		}
	}()

	// A key variable that is configured but unset is not an error:
	// the default local-development endpoint does not authenticate.
	// Explicit key files stay strict.
	keyEnv := cfg.Provider.APIKeyEnv
	if keyEnv != "" && os.Getenv(keyEnv) == "" {
		keyEnv = ""
	}
	apiKey, err := provider.LoadKey(provider.KeySource{
		Env:        keyEnv,
		File:       cfg.Provider.APIKeyFile,
		SealedFile: cfg.Provider.SealedKeyFile,
		Identity:   cfg.Provider.IdentityFile,
	})
	if err != nil {
		return fmt.Errorf("loading provider key: %w", err)
	}
	if apiKey != nil {
		defer apiKey.Close()
	}

	providerClient, err := provider.New(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		Model:   cfg.Provider.Model,
		APIKey:  apiKey,
	})
	if err != nil {
		return fmt.Errorf("creating provider client: %w", err)
	}

	chatService := &ChatService{
		clock:       clk,
		logger:      logger,
		startedAt:   clk.Now(),
		connections: make(map[string]*connection),
	}

	engine, err := chat.NewEngine(ctx, chat.EngineConfig{
		Store:       store,
		Streamer:    &timeoutStreamer{inner: providerClient, timeout: cfg.Provider.Timeout()},
		Broadcaster: chatService,
		Clock:       clk,
		Logger:      logger,
		Limits:      engineLimits(cfg),
	})
	if err != nil {
		return fmt.Errorf("starting chat engine: %w", err)
	}
	defer engine.Close()
	chatService.engine = engine

	socketServer := service.NewSocketServer(cfg.Paths.Socket, logger)
	chatService.registerActions(socketServer)

	socketDone := make(chan error, 1)
	go func() {
		socketDone <- socketServer.Serve(ctx)
	}()

	logger.Info("chat service running",
		"socket", cfg.Paths.Socket,
		"database", cfg.Paths.Database,
		"provider", cfg.Provider.BaseURL,
		"model", cfg.Provider.Model,
		"version", version.Info(),
	)

	// Wait for shutdown signal.
	<-ctx.Done()
	logger.Info("shutting down")

	// Wait for the socket server to drain active connections.
	if err := <-socketDone; err != nil {
		logger.Error("socket server error", "error", err)
	}

	return nil
}

// engineLimits maps the configured limits onto the engine's.
func engineLimits(cfg *config.Config) chat.EngineLimits {
	return chat.EngineLimits{
		MaxMessageBytes:  cfg.Limits.MaxMessageBytes,
		MaxMessages:      cfg.Limits.MaxMessages,
		DataPartBytes:    cfg.Limits.DataPartBytes,
		ChunkFlushCount:  cfg.Limits.ChunkFlushCount,
		ChunkBufferCap:   cfg.Limits.ChunkBufferCap,
		StreamStaleAfter: cfg.Limits.StaleAfter(),
		StreamRetention:  cfg.Limits.Retention(),
	}
}

// timeoutStreamer bounds each provider request, including the full
// streamed response, to the configured request timeout. The deadline
// rides the request context; the provider client itself carries none
// because streams are open-ended.
type timeoutStreamer struct {
	inner   chat.Streamer
	timeout time.Duration
}

func (s *timeoutStreamer) Stream(ctx context.Context, request chat.StreamRequest) (chat.EventStream, error) {
	streamCtx, cancel := context.WithTimeout(ctx, s.timeout)
	stream, err := s.inner.Stream(streamCtx, request)
	if err != nil {
		cancel()
		return nil, err
	}
	return &timeoutStream{EventStream: stream, cancel: cancel}, nil
}

// timeoutStream releases the deadline's resources when the stream
// closes.
type timeoutStream struct {
	chat.EventStream
	cancel context.CancelFunc
}

func (s *timeoutStream) Close() error {
	err := s.EventStream.Close()
	s.cancel()
	return err
}
