// Package record holds the durable duel document: who played, what they
// traded, how they finished and who won.
package record

import (
	"time"

	"github.com/shopspring/decimal"

	"tradeduel/internal/position"
	"tradeduel/internal/scenario"
)

// Status is the lifecycle state of a match record
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// Player is one seat in a match
type Player struct {
	UserID      string           `json:"userId"`
	Username    string           `json:"username"`
	FinalEquity decimal.Decimal  `json:"finalEquity"`
	FinalPnL    decimal.Decimal  `json:"finalPnL"`
	IsFinished  bool             `json:"isFinished"`
	Trades      []position.Trade `json:"trades"`
}

func newPlayer(userID, username string) Player {
	return Player{
		UserID:      userID,
		Username:    username,
		FinalEquity: position.StartingCash,
		Trades:      []position.Trade{},
	}
}

// Match is the persisted duel. Player2 is nil until someone joins, and
// stays nil for solo play.
type Match struct {
	ID        string             `json:"id"`
	Player1   Player             `json:"player1"`
	Player2   *Player            `json:"player2,omitempty"`
	Solo      bool               `json:"solo"`
	Scenario  *scenario.Scenario `json:"scenario"`
	Status    Status             `json:"status"`
	JoinCode  string             `json:"joinCode,omitempty"`
	Winner    string             `json:"winner,omitempty"`
	Notes     string             `json:"notes,omitempty"`
	Version   int64              `json:"version"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Players returns the seats that are occupied
func (m *Match) Players() []*Player {
	players := []*Player{&m.Player1}
	if m.Player2 != nil {
		players = append(players, m.Player2)
	}
	return players
}

// Seat returns the caller's seat or nil if they are not playing
func (m *Match) Seat(userID string) *Player {
	for _, p := range m.Players() {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// IsParticipant reports whether userID holds a seat
func (m *Match) IsParticipant(userID string) bool {
	return m.Seat(userID) != nil
}

// AllFinished reports whether every occupied seat has finished. An empty
// second seat counts as finished.
func (m *Match) AllFinished() bool {
	for _, p := range m.Players() {
		if !p.IsFinished {
			return false
		}
	}
	return true
}

// Outcome is one player's final result
type Outcome struct {
	UserID      string
	FinalEquity decimal.Decimal
	Trades      []position.Trade
}

// Record writes an outcome into the player's seat. Completed matches are
// left untouched.
func (m *Match) Record(o Outcome) error {
	seat := m.Seat(o.UserID)
	if seat == nil {
		return ErrNotAuthorized
	}
	if m.Status == StatusCompleted {
		return nil
	}
	seat.FinalEquity = o.FinalEquity
	seat.FinalPnL = o.FinalEquity.Sub(position.StartingCash)
	seat.IsFinished = true
	if o.Trades != nil {
		seat.Trades = o.Trades
	}
	return nil
}

// TryComplete moves the match to COMPLETED when every seat has finished
// and picks the winner. It reports true only on the transition itself.
func (m *Match) TryComplete() bool {
	if m.Status == StatusCompleted || !m.AllFinished() {
		return false
	}
	m.Status = StatusCompleted
	m.Winner = m.winner()
	m.JoinCode = ""
	return true
}

// winner is the player with strictly greater equity; a tie has none. An
// empty second seat counts as the lowest equity, so a solo player wins.
func (m *Match) winner() string {
	if m.Player2 == nil {
		return m.Player1.UserID
	}
	switch m.Player1.FinalEquity.Cmp(m.Player2.FinalEquity) {
	case 1:
		return m.Player1.UserID
	case -1:
		return m.Player2.UserID
	default:
		return ""
	}
}

// StatsDeltas returns the lifetime stat changes owed to each player once
// the match is completed
func (m *Match) StatsDeltas() []StatsDelta {
	if m.Status != StatusCompleted {
		return nil
	}
	deltas := make([]StatsDelta, 0, 2)
	for _, p := range m.Players() {
		d := StatsDelta{UserID: p.UserID, Username: p.Username, PnL: p.FinalPnL}
		if m.Winner != "" {
			d.Won = m.Winner == p.UserID
			d.Lost = !d.Won
		}
		deltas = append(deltas, d)
	}
	return deltas
}
