package record

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeduel/internal/position"
	"tradeduel/internal/scenario"
)

const joinCodeAttempts = 8

// FinalizeRequest is a client's report of its own result. Fields for the
// other seat must be left empty.
type FinalizeRequest struct {
	Player1FinalEquity *decimal.Decimal `json:"player1FinalEquity,omitempty"`
	Player2FinalEquity *decimal.Decimal `json:"player2FinalEquity,omitempty"`
	Player1Trades      []position.Trade `json:"player1Trades,omitempty"`
	Player2Trades      []position.Trade `json:"player2Trades,omitempty"`
	Notes              *string          `json:"notes,omitempty"`
}

// Service owns the match record lifecycle. Every mutation of a given match
// runs under that match's lock, and storage rejects stale versions.
type Service struct {
	repo      Repository
	scenarios scenario.Provider
	locks     *keyedMutex
	now       func() time.Time
	codeGen   func() (string, error)
}

// NewService creates a record service
func NewService(repo Repository, scenarios scenario.Provider) *Service {
	return &Service{
		repo:      repo,
		scenarios: scenarios,
		locks:     newKeyedMutex(),
		now:       time.Now,
		codeGen:   randomJoinCode,
	}
}

// randomJoinCode returns a 6-digit code in [100000, 999999]
func randomJoinCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// Create builds a new match for userID around a fresh scenario. Solo
// matches start IN_PROGRESS with no join code.
func (s *Service) Create(ctx context.Context, userID, username string, solo bool) (*Match, error) {
	sc, err := s.scenarios.Scenario(ctx)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}

	now := s.now()
	m := &Match{
		ID:        uuid.New().String(),
		Player1:   newPlayer(userID, username),
		Solo:      solo,
		Scenario:  sc,
		Status:    StatusWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if solo {
		m.Status = StatusInProgress
		if err := s.repo.CreateMatch(ctx, m); err != nil {
			return nil, fmt.Errorf("create match: %w", err)
		}
		return m, nil
	}

	for attempt := 0; attempt < joinCodeAttempts; attempt++ {
		code, err := s.codeGen()
		if err != nil {
			return nil, fmt.Errorf("join code: %w", err)
		}
		m.JoinCode = code
		err = s.repo.CreateMatch(ctx, m)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrJoinCodeTaken) {
			return nil, fmt.Errorf("create match: %w", err)
		}
	}
	return nil, fmt.Errorf("create match: %w", ErrJoinCodeTaken)
}

// Join seats userID as player2 of the WAITING match with the given code
func (s *Service) Join(ctx context.Context, code, userID, username string) (*Match, error) {
	found, err := s.repo.FindWaitingByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(found.ID)
	defer unlock()

	m, err := s.repo.GetMatch(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	if m.Player1.UserID == userID {
		return nil, ErrOwnMatch
	}
	if m.Status != StatusWaiting || m.Player2 != nil {
		return nil, ErrAlreadyStarted
	}

	p2 := newPlayer(userID, username)
	m.Player2 = &p2
	m.Status = StatusInProgress
	m.JoinCode = ""
	m.UpdatedAt = s.now()
	if err := s.repo.SaveMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("join match: %w", err)
	}
	return m, nil
}

// Get returns a match by id
func (s *Service) Get(ctx context.Context, id string) (*Match, error) {
	return s.repo.GetMatch(ctx, id)
}

// Finalize applies the caller's self-reported result
func (s *Service) Finalize(ctx context.Context, id, callerID string, req FinalizeRequest) (*Match, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	m, err := s.repo.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	seat := m.Seat(callerID)
	if seat == nil {
		return nil, ErrNotAuthorized
	}

	own, other := req.Player1FinalEquity, req.Player2FinalEquity
	ownTrades, otherTrades := req.Player1Trades, req.Player2Trades
	if seat != &m.Player1 {
		own, other = other, own
		ownTrades, otherTrades = otherTrades, ownTrades
	}
	if other != nil || otherTrades != nil {
		return nil, ErrNotAuthorized
	}

	if req.Notes != nil {
		m.Notes = *req.Notes
	}
	if own != nil {
		if err := m.Record(Outcome{UserID: callerID, FinalEquity: *own, Trades: ownTrades}); err != nil {
			return nil, err
		}
	}
	if err := s.commit(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordOutcomes stores server-computed results for a match, completing it
// when every seat is finished. Already completed matches are returned as is.
func (s *Service) RecordOutcomes(ctx context.Context, id string, outcomes []Outcome) (*Match, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	m, err := s.repo.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == StatusCompleted {
		return m, nil
	}
	for _, o := range outcomes {
		if err := m.Record(o); err != nil {
			return nil, fmt.Errorf("record %s: %w", o.UserID, err)
		}
	}
	if err := s.commit(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// commit saves m, completing it atomically with its stats when every seat
// has finished
func (s *Service) commit(ctx context.Context, m *Match) error {
	m.UpdatedAt = s.now()
	if m.TryComplete() {
		if err := s.repo.CompleteMatch(ctx, m, m.StatsDeltas()); err != nil {
			return fmt.Errorf("complete match: %w", err)
		}
		log.Printf("[Record] Match %s completed, winner=%q", m.ID, m.Winner)
		return nil
	}
	if err := s.repo.SaveMatch(ctx, m); err != nil {
		return fmt.Errorf("save match: %w", err)
	}
	return nil
}

// SetNote replaces the match notes
func (s *Service) SetNote(ctx context.Context, id, callerID, note string) (*Match, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	m, err := s.repo.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.IsParticipant(callerID) {
		return nil, ErrNotAuthorized
	}
	m.Notes = note
	m.UpdatedAt = s.now()
	if err := s.repo.SaveMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("save note: %w", err)
	}
	return m, nil
}

// Delete removes a match; only participants may do so
func (s *Service) Delete(ctx context.Context, id, callerID string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	m, err := s.repo.GetMatch(ctx, id)
	if err != nil {
		return err
	}
	if !m.IsParticipant(callerID) {
		return ErrNotAuthorized
	}
	return s.repo.DeleteMatch(ctx, id)
}

// History lists a user's matches, newest first
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Match, error) {
	return s.repo.ListMatchesForUser(ctx, userID, limit)
}

// Stats returns a user's lifetime stats
func (s *Service) Stats(ctx context.Context, userID string) (*UserStats, error) {
	return s.repo.GetUserStats(ctx, userID)
}

// Leaderboard returns the top users by total PnL
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]UserStats, error) {
	return s.repo.Leaderboard(ctx, limit)
}

// ExpireWaiting deletes WAITING matches created more than maxAge ago
func (s *Service) ExpireWaiting(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := s.repo.DeleteStaleWaiting(ctx, s.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("expire waiting: %w", err)
	}
	if n > 0 {
		log.Printf("[Record] Expired %d stale waiting matches", n)
	}
	return n, nil
}
