// Package api exposes the duel server over REST and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"tradeduel/internal/game"
	"tradeduel/internal/metrics"
	"tradeduel/internal/position"
	"tradeduel/internal/record"
	"tradeduel/internal/scenario"
	"tradeduel/internal/store"
)

// Config tunes the HTTP layer
type Config struct {
	JWTSecret   string
	TokenTTL    time.Duration
	CORSOrigins []string // empty = allow all (development)
	RateLimit   int      // auth and match-create requests per window per client
	RateWindow  time.Duration
}

// DefaultConfig returns production settings without a secret
func DefaultConfig() Config {
	return Config{
		TokenTTL:   72 * time.Hour,
		RateLimit:  20,
		RateWindow: time.Minute,
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	config    Config
	secret    []byte
	users     UserStore
	records   *record.Service
	scenarios scenario.Provider
	registry  *game.Registry
	hub       *Hub
	limiter   *RateLimiter
	upgrader  websocket.Upgrader
}

func NewServer(config Config, users UserStore, records *record.Service, scenarios scenario.Provider, registry *game.Registry, hub *Hub) *Server {
	s := &Server{
		config:    config,
		secret:    []byte(config.JWTSecret),
		users:     users,
		records:   records,
		scenarios: scenarios,
		registry:  registry,
		hub:       hub,
		limiter:   NewRateLimiter(config.RateLimit, config.RateWindow),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// checkOrigin allows same-origin requests and the configured origins
func (s *Server) checkOrigin(origin string) bool {
	if len(s.config.CORSOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.config.CORSOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	allowedOrigins := s.config.CORSOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/auth/register", s.handleRegister)
			r.Post("/auth/login", s.handleLogin)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/me", s.handleMe)
			r.Get("/scenarios/random", s.handleRandomScenario)

			r.With(s.limiter.Middleware).Post("/matches", s.handleCreateMatch)
			r.Post("/matches/join", s.handleJoinMatch)
			r.Get("/matches/history/{userId}", s.handleHistory)
			r.Get("/matches/{id}", s.handleGetMatch)
			r.Put("/matches/{id}", s.handleFinalize)
			r.Patch("/matches/{id}/note", s.handleSetNote)
			r.Delete("/matches/{id}", s.handleDeleteMatch)

			r.Get("/users/{id}/stats", s.handleStats)
			r.Get("/leaderboard", s.handleLeaderboard)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":   "ok",
		"sessions": s.registry.Len(),
		"clients":  s.hub.Len(),
	}
	if p, ok := s.users.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// Shutdown stops background goroutines and disconnects WebSocket clients
func (s *Server) Shutdown() {
	s.limiter.Stop()
	s.hub.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a JSON body into v, answering 400 on failure. An empty
// body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("[API] %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// writeServiceError maps domain errors to HTTP statuses
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, record.ErrMatchNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, record.ErrOwnMatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, record.ErrAlreadyStarted), errors.Is(err, record.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, record.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, scenario.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, position.ErrInsufficientFunds), errors.Is(err, position.ErrMarginExceeded):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.internalError(w, op, err)
	}
}
