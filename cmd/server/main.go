package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/omochice/socket-chat/internal/config"
	"github.com/omochice/socket-chat/internal/files"
	"github.com/omochice/socket-chat/internal/server"
	"github.com/omochice/socket-chat/internal/store"
)

const usage = `usage: server [flags] [export FILE | import FILE]

Without a command, serves raw-framed and WebSocket clients on one port.
  export FILE   write the message history archive to FILE
  import FILE   append the messages of archive FILE to the history
`

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n%s", err, usage)
		os.Exit(2)
	}
	logger := cfg.NewLogger(os.Stderr)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	db, err := store.Open(cfg.DBPath, store.WithBcryptCost(cfg.BcryptCost))
	if err != nil {
		return err
	}
	defer db.Close()

	if len(cfg.Args) > 0 {
		return runCommand(db, cfg.Args, logger)
	}

	received, err := files.New(cfg.FilesDir, logger)
	if err != nil {
		return err
	}

	srv := server.New(cfg.Addr, server.Options{
		Logger:           logger,
		Store:            db,
		Files:            received,
		WriteTimeout:     cfg.WriteTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		HistoryLimit:     cfg.HistoryLimit,
	})

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", cfg.Addr, "db", db.Path(), "files", received.Dir())
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if !errors.Is(err, server.ErrServerStopped) {
			return err
		}
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", "signal", sig.String())
		srv.Stop()
	}
	return nil
}

func runCommand(db *store.Store, args []string, logger *slog.Logger) error {
	if len(args) != 2 {
		return fmt.Errorf("unexpected arguments %q\n\n%s", args, usage)
	}
	ctx := context.Background()
	cmd, path := args[0], args[1]

	switch cmd {
	case "export":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		n, err := db.Export(ctx, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to export history: %w", err)
		}
		logger.Info("History exported", "messages", n, "file", path)
	case "import":
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := db.Import(ctx, f)
		if err != nil {
			return fmt.Errorf("failed to import history: %w", err)
		}
		logger.Info("History imported", "messages", n, "file", path)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
	return nil
}
