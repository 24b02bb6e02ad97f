package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/2212adrian/tukmol-chat/internal/config"
	"github.com/2212adrian/tukmol-chat/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("TUKMOL_CONFIG"), "path to the YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: could not load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	srv := server.New(cfg.Relay.ListenAddr,
		server.WithMaxConns(cfg.Relay.MaxConns),
		server.WithIdleTimeout(cfg.Relay.IdleTimeout),
		server.WithUpgradeLimit(cfg.Relay.UpgradeLimit, cfg.Relay.UpgradeWindow),
		server.WithRoomCapacity(cfg.Relay.RoomCapacity),
	)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Printf("Shutting down relay")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	log.Printf("Starting tukmol relay on %s", cfg.Relay.ListenAddr)
	if err := srv.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
