package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Paulmait/roomsnap-sub000/internal/config"
	"github.com/Paulmait/roomsnap-sub000/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	srv, err := server.New(server.Config{
		Addr:          cfg.Server.Addr,
		MaxRooms:      cfg.Relay.MaxRooms,
		SweepInterval: cfg.Relay.SweepInterval,
	}, server.WithLogger(logger))
	if err != nil {
		log.Fatalf("failed to build relay: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("relay error: %v", err)
	}
}
