// Package game owns the live side of every duel: which players are in the
// room, the round clock that paces them and the ledgers their trades hit.
package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"tradeduel/internal/match"
	"tradeduel/internal/metrics"
	"tradeduel/internal/position"
	"tradeduel/internal/record"
)

var (
	ErrTradingClosed  = errors.New("trading is closed")
	ErrNotMember      = errors.New("player is not part of this match")
	ErrAlreadyDecided = errors.New("already traded this week")
	ErrMatchRetired   = errors.New("match is over")
	ErrNoSession      = errors.New("no live session for match")
	ErrBadSetup       = errors.New("invalid match setup")
)

// Outbound message types
const (
	MsgPlayerJoined  = "player_joined"
	MsgMatchReady    = "match_ready"
	MsgMatchState    = "match_state"
	MsgOpponentTrade = "opponent_trade"
	MsgTradeResult   = "trade_result"
	MsgMatchResults  = "match_results"
)

// Broadcaster delivers messages to the room of a match
type Broadcaster interface {
	Publish(matchID, msgType string, data any)
	PublishExcept(matchID, exceptUserID, msgType string, data any)
	SendTo(matchID, userID, msgType string, data any)
}

// Recorder persists what the registry decides
type Recorder interface {
	RecordOutcomes(ctx context.Context, matchID string, outcomes []record.Outcome) (*record.Match, error)
	ExpireWaiting(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Setup is what a session needs to know about a match to run it
type Setup struct {
	Players    []string          // seated user ids
	Prices     []decimal.Decimal // trade price per week
	FinalPrice decimal.Decimal   // close used for the implicit end-of-game close
	Solo       bool
}

// SetupFor derives a session setup from a match record
func SetupFor(m *record.Match) Setup {
	s := Setup{Solo: m.Solo}
	for _, p := range m.Players() {
		s.Players = append(s.Players, p.UserID)
	}
	if m.Scenario != nil {
		s.Prices = m.Scenario.WeekCloses()
		s.FinalPrice = m.Scenario.FinalClose()
	}
	return s
}

// Config tunes the registry
type Config struct {
	Clock      match.ClockConfig
	IdleTTL    time.Duration // sessions with no clock and no members
	RetiredTTL time.Duration // how long finished match ids are remembered
	WaitingTTL time.Duration // WAITING records older than this are expired
	ReapSpec   string        // cron spec with seconds field
}

// DefaultConfig returns production settings
func DefaultConfig() Config {
	return Config{
		Clock:      match.DefaultClockConfig(),
		IdleTTL:    10 * time.Minute,
		RetiredTTL: time.Hour,
		WaitingTTL: 24 * time.Hour,
		ReapSpec:   "0 */1 * * * *",
	}
}

// TradeResult is the validated outcome of one trade action
type TradeResult struct {
	PlayerID string             `json:"playerId"`
	Action   position.Action    `json:"action"`
	Price    decimal.Decimal    `json:"price"`
	Week     int                `json:"week"`
	Shares   *int64             `json:"shares,omitempty"`
	PnL      *decimal.Decimal   `json:"pnl,omitempty"`
	Equity   decimal.Decimal    `json:"equity"`
	Cash     decimal.Decimal    `json:"cash"`
	Position *position.Position `json:"position"`
	Auto     bool               `json:"auto,omitempty"`
}

// PlayerResult is one player's line in match_results
type PlayerResult struct {
	PlayerID    string           `json:"playerId"`
	FinalEquity decimal.Decimal  `json:"finalEquity"`
	FinalPnL    decimal.Decimal  `json:"finalPnL"`
	Trades      []position.Trade `json:"trades"`
}

// Results is the match_results payload
type Results struct {
	MatchID string         `json:"matchId"`
	Players []PlayerResult `json:"players"`
	Winner  string         `json:"winner,omitempty"`
}

type retiredMatch struct {
	final match.Snapshot
	at    time.Time
	// outcomes not yet stored; the id is kept until they are
	pending []record.Outcome
}

// Registry maps match ids to live sessions
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	retired  map[string]retiredMatch

	config   Config
	hub      Broadcaster
	recorder Recorder

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	cron    *cron.Cron
	running bool
}

// NewRegistry creates a registry. recorder may be nil.
func NewRegistry(config Config, hub Broadcaster, recorder Recorder) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		retired:  make(map[string]retiredMatch),
		config:   config,
		hub:      hub,
		recorder: recorder,
		now:      time.Now,
		after:    time.After,
		cron:     cron.New(cron.WithSeconds()),
	}
}

// SetTimeSource replaces the wall clock for the registry and every clock
// it creates afterwards
func (r *Registry) SetTimeSource(now func() time.Time, after func(time.Duration) <-chan time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now != nil {
		r.now = now
	}
	if after != nil {
		r.after = after
	}
}

// Start schedules the reaper
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	if _, err := r.cron.AddFunc(r.config.ReapSpec, r.Reap); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	r.cron.Start()
	r.running = true
	log.Printf("[Registry] Started (reap %q)", r.config.ReapSpec)
	return nil
}

// Stop halts the reaper and every running clock. Only for process shutdown.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.running {
		<-r.cron.Stop().Done()
		r.running = false
	}
	clocks := make([]*match.Clock, 0, len(r.sessions))
	for _, s := range r.sessions {
		if c := s.currentClock(); c != nil {
			clocks = append(clocks, c)
		}
	}
	r.mu.Unlock()

	for _, c := range clocks {
		c.Stop()
		<-c.Done()
	}
}

// Join adds playerID to the room. It starts the clock once the room reaches
// quorum and otherwise catches the newcomer up with the current snapshot.
func (r *Registry) Join(matchID, playerID string, setup Setup) error {
	r.mu.Lock()
	if ret, ok := r.retired[matchID]; ok {
		r.mu.Unlock()
		r.hub.SendTo(matchID, playerID, MsgMatchState, ret.final)
		return ErrMatchRetired
	}
	now, after := r.now, r.after
	s, ok := r.sessions[matchID]
	if !ok {
		if len(setup.Prices) < r.config.Clock.Weeks {
			r.mu.Unlock()
			return fmt.Errorf("%w: %d prices for %d weeks", ErrBadSetup, len(setup.Prices), r.config.Clock.Weeks)
		}
		s = newSession(matchID, setup, now())
		r.sessions[matchID] = s
		metrics.LiveSessions.Inc()
	}
	r.mu.Unlock()

	s.mu.Lock()
	s.seat(setup.Players)
	if _, seated := s.ledgers[playerID]; !seated {
		s.mu.Unlock()
		return ErrNotMember
	}
	s.members[playerID] = true
	s.lastActive = now()
	count := len(s.members)
	s.mu.Unlock()

	r.hub.Publish(matchID, MsgPlayerJoined, map[string]any{
		"playerId":    playerID,
		"playerCount": count,
	})
	log.Printf("[Registry] %s joined %s (%d/%d)", playerID, matchID, count, s.quorum)

	if count >= s.quorum {
		r.hub.Publish(matchID, MsgMatchReady, map[string]any{"start": true})
	}

	s.mu.Lock()
	clock := s.clock
	if clock == nil && count >= s.quorum {
		clock = r.newClock(s, now, after)
		s.clock = clock
		s.mu.Unlock()
		if err := clock.Start(); err != nil {
			return err
		}
		metrics.ActiveClocks.Inc()
		log.Printf("[Registry] Clock started for %s", matchID)
		return nil
	}
	s.mu.Unlock()

	if clock != nil {
		r.hub.SendTo(matchID, playerID, MsgMatchState, clock.Snapshot())
	}
	return nil
}

func (r *Registry) newClock(s *session, now func() time.Time, after func(time.Duration) <-chan time.Time) *match.Clock {
	c := match.NewClock(s.id, r.config.Clock)
	c.SetTimeSource(now, after)
	c.OnTransition(func(prev, next match.Snapshot) {
		r.onTransition(s, prev, next)
	})
	return c
}

// Leave removes playerID from the room. The clock keeps running.
func (r *Registry) Leave(matchID, playerID string) {
	r.mu.Lock()
	s, ok := r.sessions[matchID]
	now := r.now
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	delete(s.members, playerID)
	s.lastActive = now()
	s.mu.Unlock()
	log.Printf("[Registry] %s left %s", playerID, matchID)
}

// Trade runs a player's decision for the open week against their ledger and
// relays the result to the rest of the room
func (r *Registry) Trade(matchID, playerID, action string, shares int64) (TradeResult, error) {
	r.mu.Lock()
	if _, ok := r.retired[matchID]; ok {
		r.mu.Unlock()
		return TradeResult{}, ErrMatchRetired
	}
	s, ok := r.sessions[matchID]
	r.mu.Unlock()
	if !ok {
		return TradeResult{}, ErrNoSession
	}

	act, err := position.ParseAction(action)
	if err != nil {
		metrics.TradesTotal.WithLabelValues("unknown", "rejected").Inc()
		return TradeResult{}, err
	}

	s.mu.Lock()
	res, err := s.trade(playerID, act, shares)
	s.mu.Unlock()
	if err != nil {
		metrics.TradesTotal.WithLabelValues(string(act), "rejected").Inc()
		return TradeResult{}, err
	}
	metrics.TradesTotal.WithLabelValues(string(act), "filled").Inc()

	r.hub.SendTo(matchID, playerID, MsgTradeResult, res)
	r.hub.PublishExcept(matchID, playerID, MsgOpponentTrade, res)
	return res, nil
}

// Snapshot returns the clock state of a live or retired match
func (r *Registry) Snapshot(matchID string) (match.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ret, ok := r.retired[matchID]; ok {
		return ret.final, true
	}
	s, ok := r.sessions[matchID]
	if !ok {
		return match.Snapshot{}, false
	}
	if c := s.currentClock(); c != nil {
		return c.Snapshot(), true
	}
	return match.Snapshot{}, false
}

// Members returns the players currently in the room
func (r *Registry) Members(matchID string) []string {
	r.mu.Lock()
	s, ok := r.sessions[matchID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	return out
}

// onTransition runs on the clock goroutine for every phase change
func (r *Registry) onTransition(s *session, prev, next match.Snapshot) {
	metrics.PhaseTransitions.WithLabelValues(next.Phase.String()).Inc()

	if prev.Phase == match.PhaseDecision {
		for _, res := range r.autoHold(s, prev.CurrentWeek) {
			r.hub.SendTo(s.id, res.PlayerID, MsgTradeResult, res)
			r.hub.PublishExcept(s.id, res.PlayerID, MsgOpponentTrade, res)
		}
	}

	r.hub.Publish(s.id, MsgMatchState, next)

	if next.Phase == match.PhaseCompleted {
		r.complete(s, next)
	}
}

// autoHold records a HOLD for every seat that let the week lapse
func (r *Registry) autoHold(s *session, week int) []TradeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.clockNow(s)
	price := s.setup.Prices[week]
	var out []TradeResult
	for _, id := range s.order {
		l := s.ledgers[id]
		if l.DecidedWeek(week) {
			continue
		}
		t, err := l.Execute(week, position.Hold, price, 0, now)
		if err != nil {
			log.Printf("[Registry] auto-hold for %s in %s failed: %v", id, s.id, err)
			continue
		}
		res := s.result(id, t)
		res.Auto = true
		out = append(out, res)
		metrics.TradesTotal.WithLabelValues(string(position.Hold), "auto").Inc()
	}
	return out
}

// complete closes every open position, reports the outcomes and retires
// the session
func (r *Registry) complete(s *session, final match.Snapshot) {
	s.mu.Lock()
	now := r.clockNow(s)
	results := Results{MatchID: s.id}
	outcomes := make([]record.Outcome, 0, len(s.order))
	for _, id := range s.order {
		l := s.ledgers[id]
		if _, _, err := l.Close(final.CurrentWeek, s.setup.FinalPrice, now); err != nil {
			log.Printf("[Registry] closing %s in %s failed: %v", id, s.id, err)
		}
		equity := l.Equity(s.setup.FinalPrice)
		trades := append([]position.Trade(nil), l.Trades...)
		results.Players = append(results.Players, PlayerResult{
			PlayerID:    id,
			FinalEquity: equity,
			FinalPnL:    equity.Sub(l.Start),
			Trades:      trades,
		})
		outcomes = append(outcomes, record.Outcome{UserID: id, FinalEquity: equity, Trades: trades})
	}
	s.mu.Unlock()

	results.Winner = winnerOf(results.Players)

	var pending []record.Outcome
	if r.recorder != nil {
		m, err := r.recordOutcomes(s.id, outcomes)
		if err != nil {
			log.Printf("[Registry] recording %s failed, will retry: %v", s.id, err)
			pending = outcomes
		} else if m.Status == record.StatusCompleted {
			results.Winner = m.Winner
		}
	}

	r.hub.Publish(s.id, MsgMatchResults, results)

	r.mu.Lock()
	delete(r.sessions, s.id)
	r.retired[s.id] = retiredMatch{final: final, at: r.now(), pending: pending}
	r.mu.Unlock()

	metrics.ActiveClocks.Dec()
	metrics.LiveSessions.Dec()
	metrics.MatchesCompleted.Inc()
	log.Printf("[Registry] Match %s completed, winner=%q", s.id, results.Winner)
}

func (r *Registry) recordOutcomes(id string, outcomes []record.Outcome) (*record.Match, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.recorder.RecordOutcomes(ctx, id, outcomes)
}

// retryPending stores outcomes that failed to record at completion
func (r *Registry) retryPending() {
	r.mu.Lock()
	pending := make(map[string][]record.Outcome)
	for id, ret := range r.retired {
		if ret.pending != nil {
			pending[id] = ret.pending
		}
	}
	r.mu.Unlock()

	for id, outcomes := range pending {
		if _, err := r.recordOutcomes(id, outcomes); err != nil {
			log.Printf("[Registry] recording %s failed again: %v", id, err)
			continue
		}
		r.mu.Lock()
		if ret, ok := r.retired[id]; ok {
			ret.pending = nil
			r.retired[id] = ret
		}
		r.mu.Unlock()
		log.Printf("[Registry] Recorded outcomes for %s on retry", id)
	}
}

func (r *Registry) clockNow(s *session) time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return r.now()
}

// winnerOf returns the player with strictly the highest equity, or "" on a
// tie. A single player wins by default.
func winnerOf(players []PlayerResult) string {
	if len(players) == 0 {
		return ""
	}
	best := players[0]
	tied := false
	for _, p := range players[1:] {
		switch p.FinalEquity.Cmp(best.FinalEquity) {
		case 1:
			best, tied = p, false
		case 0:
			tied = true
		}
	}
	if tied {
		return ""
	}
	return best.PlayerID
}

// Reap drops idle sessions, retries unrecorded outcomes, forgets old
// retired ids and expires stale WAITING records. A retired id is never
// forgotten while its outcomes are unrecorded, so the match cannot restart.
func (r *Registry) Reap() {
	if r.recorder != nil {
		r.retryPending()
	}

	r.mu.Lock()
	now := r.now()
	var idle, forgotten int
	for id, s := range r.sessions {
		s.mu.Lock()
		expired := s.clock == nil && len(s.members) == 0 && now.Sub(s.lastActive) > r.config.IdleTTL
		s.mu.Unlock()
		if expired {
			delete(r.sessions, id)
			metrics.LiveSessions.Dec()
			idle++
		}
	}
	for id, ret := range r.retired {
		if ret.pending == nil && now.Sub(ret.at) > r.config.RetiredTTL {
			delete(r.retired, id)
			forgotten++
		}
	}
	r.mu.Unlock()

	if idle > 0 || forgotten > 0 {
		log.Printf("[Registry] Reaped %d idle sessions, forgot %d retired matches", idle, forgotten)
	}

	if r.recorder != nil && r.config.WaitingTTL > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.recorder.ExpireWaiting(ctx, r.config.WaitingTTL); err != nil {
			log.Printf("[Registry] expiring waiting matches failed: %v", err)
		}
	}
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
