package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stefan-sfarti/Collaborative-Notes/internal/access"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/app"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/auth"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/authpw"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/config"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/events"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/presence"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/realtime"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/store"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/topic"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("redis connection failed: %v", err)
	}
	cancelPing()

	dataStore := store.NewPostgresStore(db)
	registry := presence.NewRegistryWithClient(redisClient, cfg.PresenceTTL)
	broker := topic.NewBrokerWithClient(redisClient)
	audit := events.NewPublisherWithClient(redisClient)
	gate := access.NewGate(dataStore, cfg.AccessCacheTTL)

	router := realtime.NewService(
		auth.NewVerifier(cfg.JWTSecret),
		dataStore,
		dataStore,
		registry,
		broker,
		gate,
		audit,
	)

	sweeperCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	sweeper := realtime.NewSweeper(registry, broker, cfg.SweepInterval, cfg.InactivityThreshold)
	go sweeper.Run(sweeperCtx)

	service := app.New(cfg, dataStore, authpw.NewService(dataStore), gate, audit)
	gateway := app.NewGateway(service, router, broker, cfg.CORSOrigin)
	httpServer := app.NewHTTPServer(service, gateway, broker, cfg.CORSOrigin)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Collaborative Notes API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
