package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tradeduel/internal/store"
)

var errNoToken = errors.New("missing token")

// UserStore is the account storage the API needs
type UserStore interface {
	CreateUser(ctx context.Context, username, password string) (*store.User, error)
	AuthenticateUser(ctx context.Context, username, password string) (*store.User, error)
	GetUserByID(ctx context.Context, id string) (*store.User, error)
}

// Identity is the authenticated caller
type Identity struct {
	UserID   string
	Username string
}

type tokenClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type ctxKey string

const ctxIdentity ctxKey = "identity"

func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxIdentity).(Identity)
	return id
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

func (s *Server) issueToken(u *store.User) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) parseToken(raw string) (Identity, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, errors.New("invalid token claims")
	}
	return Identity{UserID: claims.Subject, Username: claims.Username}, nil
}

// identify reads the bearer token from the Authorization header, or from
// the token query parameter for WebSocket upgrades
func (s *Server) identify(r *http.Request) (Identity, error) {
	raw := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return Identity{}, errNoToken
		}
		raw = parts[1]
	}
	if raw == "" {
		return Identity{}, errNoToken
	}
	return s.parseToken(raw)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identify(r)
		if errors.Is(err, errNoToken) {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxIdentity, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 32 {
		writeError(w, http.StatusBadRequest, "username must be 3-32 characters")
		return
	}
	if len(req.Password) < 6 {
		writeError(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	user, err := s.users.CreateUser(r.Context(), req.Username, req.Password)
	if errors.Is(err, store.ErrUserExists) {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	if err != nil {
		s.internalError(w, "create user", err)
		return
	}
	s.respondWithToken(w, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := s.users.AuthenticateUser(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if errors.Is(err, store.ErrUserNotFound) || errors.Is(err, store.ErrInvalidPassword) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		s.internalError(w, "authenticate", err)
		return
	}
	s.respondWithToken(w, user)
}

func (s *Server) respondWithToken(w http.ResponseWriter, user *store.User) {
	token, err := s.issueToken(user)
	if err != nil {
		s.internalError(w, "sign token", err)
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{
		Token:    token,
		UserID:   user.ID,
		Username: user.Username,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	user, err := s.users.GetUserByID(r.Context(), id.UserID)
	if errors.Is(err, store.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.internalError(w, "get user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
