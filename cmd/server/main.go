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
	"go.uber.org/zap"

	"bizmate/auth-identity/internal/authn"
	"bizmate/auth-identity/internal/config"
	"bizmate/auth-identity/internal/db"
	"bizmate/auth-identity/internal/device"
	"bizmate/auth-identity/internal/extauth"
	internalhttp "bizmate/auth-identity/internal/http"
	"bizmate/auth-identity/internal/repository"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer pool.Close()

	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := cache.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unavailable, jwks cache disabled", zap.Error(err))
			cache = nil
		}
		cancel()
	}

	store := repository.NewStore(pool)
	verifier := extauth.NewGoogleVerifier(cfg.GoogleClientID, cache)
	engine := authn.NewEngine(store, device.NewRegistry(store), verifier, logger)
	server := internalhttp.NewServer(cfg, engine, store, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("auth-identity listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
