// Package config loads server settings from flags, falling back to the
// environment and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tradeduel/internal/match"
)

// Config holds all configuration for the server
type Config struct {
	Port        string
	DBPath      string
	DatabaseURL string // Postgres; SQLite is used when empty
	RedisURL    string // optional match cache
	CacheTTL    time.Duration
	JWTSecret   string
	PolygonKey  string // synthetic scenarios when empty
	CORSOrigins []string

	RoundSeconds    int
	DecisionSeconds int
	WaitingTTL      time.Duration
}

const devSecret = "dev-secret-change-me"

// Load reads .env (if present) and parses args. Every flag defaults to its
// environment variable.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Config] .env not loaded: %v", err)
	}

	fs := flag.NewFlagSet("duel", flag.ContinueOnError)
	cfg := &Config{}
	var cors string
	fs.StringVar(&cfg.Port, "port", getEnv("PORT", "8088"), "server port")
	fs.StringVar(&cfg.DBPath, "db", getEnv("DB_PATH", "tradeduel.db"), "SQLite database path")
	fs.StringVar(&cfg.DatabaseURL, "database-url", getEnv("DATABASE_URL", ""), "PostgreSQL URL (overrides -db)")
	fs.StringVar(&cfg.RedisURL, "redis-url", getEnv("REDIS_URL", ""), "Redis URL for the match cache")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", getEnvDuration("CACHE_TTL", 10*time.Minute), "match cache TTL")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", getEnv("JWT_SECRET", devSecret), "HMAC secret for bearer tokens")
	fs.StringVar(&cfg.PolygonKey, "polygon-key", getEnv("POLYGON_API_KEY", ""), "Polygon.io API key")
	fs.StringVar(&cors, "cors", getEnv("CORS_ORIGINS", ""), "comma-separated allowed CORS origins (empty = allow all)")
	fs.IntVar(&cfg.RoundSeconds, "round", getEnvInt("ROUND_SECONDS", 12), "seconds per weekly round")
	fs.IntVar(&cfg.DecisionSeconds, "decision", getEnvInt("DECISION_SECONDS", 7), "seconds of each round open for trading")
	fs.DurationVar(&cfg.WaitingTTL, "waiting-ttl", getEnvDuration("WAITING_TTL", 24*time.Hour), "age after which unjoined matches expire")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.CORSOrigins = splitList(cors)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.JWTSecret == devSecret {
		log.Printf("[Config] Warning: using the development JWT secret")
	}
	return cfg, nil
}

// Validate checks the round timings
func (c *Config) Validate() error {
	if !c.Clock().Valid() {
		return fmt.Errorf("invalid round timing: round=%ds decision=%ds", c.RoundSeconds, c.DecisionSeconds)
	}
	if c.JWTSecret == "" {
		return errors.New("jwt secret must not be empty")
	}
	return nil
}

// Clock returns the round clock settings
func (c *Config) Clock() match.ClockConfig {
	cc := match.DefaultClockConfig()
	cc.RoundDuration = time.Duration(c.RoundSeconds) * time.Second
	cc.DecisionDuration = time.Duration(c.DecisionSeconds) * time.Second
	return cc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
