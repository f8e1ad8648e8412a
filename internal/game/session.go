package game

import (
	"sync"
	"time"

	"tradeduel/internal/match"
	"tradeduel/internal/position"
)

// session is the live state of one match
type session struct {
	mu sync.Mutex

	id     string
	setup  Setup
	quorum int

	members map[string]bool             // connected players
	ledgers map[string]*position.Ledger // every seated player
	order   []string                    // seat order

	clock      *match.Clock
	createdAt  time.Time
	lastActive time.Time
}

func newSession(id string, setup Setup, now time.Time) *session {
	quorum := 2
	if setup.Solo {
		quorum = 1
	}
	s := &session{
		id:         id,
		setup:      setup,
		quorum:     quorum,
		members:    make(map[string]bool),
		ledgers:    make(map[string]*position.Ledger),
		createdAt:  now,
		lastActive: now,
	}
	s.seat(setup.Players)
	return s
}

// seat gives a ledger to every player that does not have one yet. A second
// player can arrive after the session was created by the first.
func (s *session) seat(players []string) {
	for _, id := range players {
		if _, ok := s.ledgers[id]; ok {
			continue
		}
		s.ledgers[id] = position.NewLedger(position.StartingCash)
		s.order = append(s.order, id)
	}
}

func (s *session) currentClock() *match.Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// trade executes one decision. Caller holds s.mu.
func (s *session) trade(playerID string, action position.Action, shares int64) (TradeResult, error) {
	l, ok := s.ledgers[playerID]
	if !ok {
		return TradeResult{}, ErrNotMember
	}
	if s.clock == nil {
		return TradeResult{}, ErrTradingClosed
	}
	week, open := s.clock.OpenWeek()
	if !open {
		return TradeResult{}, ErrTradingClosed
	}
	if l.DecidedWeek(week) {
		return TradeResult{}, ErrAlreadyDecided
	}

	t, err := l.Execute(week, action, s.setup.Prices[week], shares, s.clock.Now())
	if err != nil {
		return TradeResult{}, err
	}
	return s.result(playerID, t), nil
}

// result describes a recorded trade with the ledger state after it
func (s *session) result(playerID string, t position.Trade) TradeResult {
	l := s.ledgers[playerID]
	res := TradeResult{
		PlayerID: playerID,
		Action:   t.Action,
		Price:    t.Price,
		Week:     t.Week,
		Shares:   t.Shares,
		PnL:      t.PnL,
		Equity:   l.Equity(t.Price),
		Cash:     l.Cash,
	}
	if l.Position != nil {
		p := *l.Position
		res.Position = &p
	}
	return res
}
