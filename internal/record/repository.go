package record

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMatchNotFound   = errors.New("match not found")
	ErrAlreadyStarted  = errors.New("match already started")
	ErrOwnMatch        = errors.New("cannot join your own match")
	ErrNotAuthorized   = errors.New("not authorized for this match")
	ErrVersionConflict = errors.New("match was modified concurrently")
	ErrJoinCodeTaken   = errors.New("join code already in use")
)

// Repository persists match records and the stats derived from them.
// SaveMatch and CompleteMatch succeed only when the stored version equals
// m.Version, and bump m.Version on success.
type Repository interface {
	CreateMatch(ctx context.Context, m *Match) error
	GetMatch(ctx context.Context, id string) (*Match, error)
	FindWaitingByCode(ctx context.Context, code string) (*Match, error)
	SaveMatch(ctx context.Context, m *Match) error
	// CompleteMatch saves m and applies deltas in one transaction
	CompleteMatch(ctx context.Context, m *Match, deltas []StatsDelta) error
	DeleteMatch(ctx context.Context, id string) error
	ListMatchesForUser(ctx context.Context, userID string, limit int) ([]*Match, error)
	GetUserStats(ctx context.Context, userID string) (*UserStats, error)
	Leaderboard(ctx context.Context, limit int) ([]UserStats, error)
	DeleteStaleWaiting(ctx context.Context, createdBefore time.Time) (int64, error)
}
