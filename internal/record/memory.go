package record

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradeduel/internal/position"
)

// MemoryRepository implements Repository with in-memory maps. Used for
// testing and development; nothing survives a restart.
type MemoryRepository struct {
	mu      sync.RWMutex
	matches map[string]*Match
	stats   map[string]*UserStats
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		matches: make(map[string]*Match),
		stats:   make(map[string]*UserStats),
	}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) CreateMatch(_ context.Context, m *Match) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Status == StatusWaiting && m.JoinCode != "" {
		for _, existing := range r.matches {
			if existing.Status == StatusWaiting && existing.JoinCode == m.JoinCode {
				return ErrJoinCodeTaken
			}
		}
	}
	m.Version = 1
	r.matches[m.ID] = Clone(m)
	return nil
}

func (r *MemoryRepository) GetMatch(_ context.Context, id string) (*Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.matches[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	return Clone(m), nil
}

func (r *MemoryRepository) FindWaitingByCode(_ context.Context, code string) (*Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.matches {
		if m.Status == StatusWaiting && m.JoinCode == code {
			return Clone(m), nil
		}
	}
	return nil, ErrMatchNotFound
}

func (r *MemoryRepository) SaveMatch(_ context.Context, m *Match) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked(m)
}

func (r *MemoryRepository) saveLocked(m *Match) error {
	existing, ok := r.matches[m.ID]
	if !ok {
		return ErrMatchNotFound
	}
	if existing.Version != m.Version {
		return ErrVersionConflict
	}
	m.Version++
	r.matches[m.ID] = Clone(m)
	return nil
}

func (r *MemoryRepository) CompleteMatch(_ context.Context, m *Match, deltas []StatsDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.matches[m.ID]; ok && existing.Status == StatusCompleted {
		return ErrVersionConflict
	}
	if err := r.saveLocked(m); err != nil {
		return err
	}
	for _, d := range deltas {
		s, ok := r.stats[d.UserID]
		if !ok {
			s = &UserStats{UserID: d.UserID}
			r.stats[d.UserID] = s
		}
		s.Apply(d)
		s.UpdatedAt = time.Now()
	}
	return nil
}

func (r *MemoryRepository) DeleteMatch(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.matches[id]; !ok {
		return ErrMatchNotFound
	}
	delete(r.matches, id)
	return nil
}

func (r *MemoryRepository) ListMatchesForUser(_ context.Context, userID string, limit int) ([]*Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Match
	for _, m := range r.matches {
		if m.IsParticipant(userID) {
			out = append(out, Clone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetUserStats(_ context.Context, userID string) (*UserStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.stats[userID]; ok {
		c := *s
		return &c, nil
	}
	return &UserStats{UserID: userID}, nil
}

func (r *MemoryRepository) Leaderboard(_ context.Context, limit int) ([]UserStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UserStats, 0, len(r.stats))
	for _, s := range r.stats {
		if s.TotalMatches > 0 {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TotalPnL.GreaterThan(out[j].TotalPnL)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) DeleteStaleWaiting(_ context.Context, createdBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, m := range r.matches {
		if m.Status == StatusWaiting && m.CreatedAt.Before(createdBefore) {
			delete(r.matches, id)
			n++
		}
	}
	return n, nil
}

// Clone deep-copies the mutable parts of a match. The scenario is shared;
// it is never modified after creation.
func Clone(m *Match) *Match {
	c := *m
	c.Player1.Trades = cloneTrades(m.Player1.Trades)
	if m.Player2 != nil {
		p2 := *m.Player2
		p2.Trades = cloneTrades(m.Player2.Trades)
		c.Player2 = &p2
	}
	return &c
}

func cloneTrades(in []position.Trade) []position.Trade {
	if in == nil {
		return nil
	}
	out := make([]position.Trade, len(in))
	copy(out, in)
	return out
}
