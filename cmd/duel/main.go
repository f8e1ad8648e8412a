package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradeduel/internal/api"
	"tradeduel/internal/config"
	"tradeduel/internal/game"
	"tradeduel/internal/record"
	"tradeduel/internal/scenario"
	"tradeduel/internal/store"
)

// backend is a storage engine holding both users and match records
type backend interface {
	record.Repository
	api.UserStore
	Close() error
}

// configureJSON makes money fields (price, pnl, equity, finalEquity) encode
// as JSON numbers on the wire
func configureJSON() {
	decimal.MarshalJSONWithoutQuotes = true
}

func main() {
	configureJSON()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	db, err := openBackend(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	var repo record.Repository = db
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = openRedis(cfg.RedisURL)
		if err != nil {
			log.Printf("Warning: Redis unavailable, running without match cache: %v", err)
		} else {
			repo = store.NewCachedRepository(db, rdb, cfg.CacheTTL)
			log.Printf("Match cache enabled (ttl %s)", cfg.CacheTTL)
		}
	}

	scenarios := scenario.NewDataProvider(cfg.PolygonKey)
	var candles *scenario.CandleCache
	if cfg.PolygonKey != "" {
		log.Printf("Using Polygon.io for historical data")
		candles, err = scenario.OpenCandleCache(cfg.DBPath + ".candles")
		if err != nil {
			log.Printf("Warning: Failed to open candle cache: %v", err)
		} else {
			scenarios.SetCache(candles)
		}
	} else {
		log.Printf("No Polygon API key - using synthetic price data")
	}

	records := record.NewService(repo, scenarios)
	hub := api.NewHub()

	registryConfig := game.DefaultConfig()
	registryConfig.Clock = cfg.Clock()
	registryConfig.WaitingTTL = cfg.WaitingTTL
	registry := game.NewRegistry(registryConfig, hub, records)
	if err := registry.Start(); err != nil {
		log.Fatalf("Failed to start registry: %v", err)
	}

	apiConfig := api.DefaultConfig()
	apiConfig.JWTSecret = cfg.JWTSecret
	apiConfig.CORSOrigins = cfg.CORSOrigins
	server := api.NewServer(apiConfig, db, records, scenarios, registry, hub)
	if len(cfg.CORSOrigins) > 0 {
		log.Printf("CORS restricted to: %v", cfg.CORSOrigins)
	}

	addr := ":" + cfg.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting duel server on http://localhost%s", addr)
		log.Printf("Rounds: %ds with %ds to decide", cfg.RoundSeconds, cfg.DecisionSeconds)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("HTTP server stopped")

	server.Shutdown()
	registry.Stop()
	log.Println("Registry stopped")

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Printf("Redis close error: %v", err)
		}
	}
	if candles != nil {
		candles.Close()
	}
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func openBackend(cfg *config.Config) (backend, error) {
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	}
	log.Printf("Database: %s", cfg.DBPath)
	return store.New(cfg.DBPath)
}

func openRedis(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}
