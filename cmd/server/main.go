package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pinghub/internal/api"
	"pinghub/internal/storage"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	config, err := LoadConfig()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	db, err := storage.Connect(config.DBPath)
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing database...")
		_ = storage.Close(db)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting server", "address", config.Addr(), "db", config.DBPath)
	if err := api.NewServer(ctx, config.Server(), db, log).Run(); err != nil {
		return err
	}
	log.Info("Server stopped cleanly")
	return nil
}
