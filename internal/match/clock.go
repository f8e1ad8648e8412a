// Package match implements the per-match round clock: a timed phase machine
// that walks reveal → decision for every week and then completes.
package match

import (
	"errors"
	"sync"
	"time"
)

var ErrClockStarted = errors.New("clock already started")

// Phase is the current phase of a round
type Phase string

const (
	PhaseReveal    Phase = "reveal"    // new week's candles shown, trading locked
	PhaseDecision  Phase = "decision"  // trading allowed until EndTime
	PhaseCompleted Phase = "completed" // all weeks played
)

func (p Phase) String() string {
	return string(p)
}

// Snapshot is the clock state sent to clients
type Snapshot struct {
	CurrentWeek int   `json:"currentWeek"`
	Phase       Phase `json:"phase"`
	EndTime     int64 `json:"endTime"` // unix milliseconds
	IsRunning   bool  `json:"isRunning"`
}

// Deadline returns EndTime as a time.Time
func (s Snapshot) Deadline() time.Time {
	return time.UnixMilli(s.EndTime)
}

// ClockConfig contains the round timings
type ClockConfig struct {
	RoundDuration    time.Duration // reveal + decision
	DecisionDuration time.Duration
	Weeks            int
}

// DefaultClockConfig returns the standard 12s rounds with a 7s decision window
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		RoundDuration:    12 * time.Second,
		DecisionDuration: 7 * time.Second,
		Weeks:            4,
	}
}

// RevealDuration is the part of the round before trading opens
func (c ClockConfig) RevealDuration() time.Duration {
	return c.RoundDuration - c.DecisionDuration
}

// Valid reports whether the config describes a playable clock
func (c ClockConfig) Valid() bool {
	return c.Weeks > 0 && c.DecisionDuration > 0 && c.RoundDuration > c.DecisionDuration
}

// TransitionFunc receives every phase change in order. prev is the zero
// Snapshot for the initial reveal.
type TransitionFunc func(prev, next Snapshot)

// Clock drives one match through its phases. A single goroutine owns the
// sequence, so at most one wait is outstanding and transitions are
// delivered strictly in order. Clients cannot skip or extend a phase.
type Clock struct {
	mu sync.RWMutex

	matchID string
	config  ClockConfig
	snap    Snapshot
	started bool

	onTransition TransitionFunc

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewClock creates a stopped clock for a match
func NewClock(matchID string, config ClockConfig) *Clock {
	return &Clock{
		matchID: matchID,
		config:  config,
		now:     time.Now,
		after:   time.After,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetTimeSource replaces the wall clock and wait function. Must be called
// before Start.
func (c *Clock) SetTimeSource(now func() time.Time, after func(time.Duration) <-chan time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now != nil {
		c.now = now
	}
	if after != nil {
		c.after = after
	}
}

// OnTransition sets the transition callback. It runs on the clock
// goroutine without the clock lock held.
func (c *Clock) OnTransition(fn TransitionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransition = fn
}

// MatchID returns the match this clock belongs to
func (c *Clock) MatchID() string {
	return c.matchID
}

// Config returns the clock timings
func (c *Clock) Config() ClockConfig {
	return c.config
}

// Start enters week 0 reveal and begins the phase loop
func (c *Clock) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrClockStarted
	}
	c.started = true
	c.snap = Snapshot{
		CurrentWeek: 0,
		Phase:       PhaseReveal,
		EndTime:     c.now().Add(c.config.RevealDuration()).UnixMilli(),
		IsRunning:   true,
	}
	c.mu.Unlock()

	go c.run()
	return nil
}

func (c *Clock) run() {
	defer close(c.doneCh)

	c.emit(Snapshot{}, c.Snapshot())

	for {
		c.mu.RLock()
		wait := c.config.RevealDuration()
		if c.snap.Phase == PhaseDecision {
			wait = c.config.DecisionDuration
		}
		after := c.after
		c.mu.RUnlock()

		select {
		case <-after(wait):
		case <-c.stopCh:
			return
		}

		prev, next := c.advance()
		c.emit(prev, next)
		if next.Phase == PhaseCompleted {
			return
		}
	}
}

// advance moves to the next phase and returns the before/after snapshots
func (c *Clock) advance() (Snapshot, Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.snap
	now := c.now()

	switch c.snap.Phase {
	case PhaseReveal:
		c.snap.Phase = PhaseDecision
		c.snap.EndTime = now.Add(c.config.DecisionDuration).UnixMilli()
	case PhaseDecision:
		if c.snap.CurrentWeek+1 < c.config.Weeks {
			c.snap.CurrentWeek++
			c.snap.Phase = PhaseReveal
			c.snap.EndTime = now.Add(c.config.RevealDuration()).UnixMilli()
		} else {
			c.snap.Phase = PhaseCompleted
			c.snap.EndTime = now.UnixMilli()
			c.snap.IsRunning = false
		}
	}

	return prev, c.snap
}

func (c *Clock) emit(prev, next Snapshot) {
	c.mu.RLock()
	cb := c.onTransition
	c.mu.RUnlock()

	if cb != nil {
		cb(prev, next)
	}
}

// Stop halts the loop without completing the match. Only used at process
// shutdown; disconnects never stop a clock.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// Done is closed when the loop exits
func (c *Clock) Done() <-chan struct{} {
	return c.doneCh
}

// Getters

func (c *Clock) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *Clock) Started() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

// TradingOpen reports whether a trade submitted now falls inside a
// decision window
func (c *Clock) TradingOpen() bool {
	_, open := c.OpenWeek()
	return open
}

// OpenWeek returns the week whose decision window is open right now
func (c *Clock) OpenWeek() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap.Phase != PhaseDecision || c.now().UnixMilli() >= c.snap.EndTime {
		return 0, false
	}
	return c.snap.CurrentWeek, true
}

// Now returns the clock's current time
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now()
}
