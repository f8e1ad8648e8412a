package record

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatsDelta is one completed match's contribution to a player's stats
type StatsDelta struct {
	UserID   string
	Username string
	PnL      decimal.Decimal
	Won      bool
	Lost     bool
}

// UserStats represents aggregate stats for a user
type UserStats struct {
	UserID       string          `json:"userId"`
	Username     string          `json:"username,omitempty"`
	TotalMatches int             `json:"totalMatches"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	TotalPnL     decimal.Decimal `json:"totalPnL"`
	AvgPnL       decimal.Decimal `json:"avgPnL"`
	BestPnL      decimal.Decimal `json:"bestPnL"`
	WorstPnL     decimal.Decimal `json:"worstPnL"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Apply folds a delta into the stats
func (s *UserStats) Apply(d StatsDelta) {
	if d.Username != "" {
		s.Username = d.Username
	}
	s.TotalMatches++
	s.TotalPnL = s.TotalPnL.Add(d.PnL)
	s.AvgPnL = s.TotalPnL.Div(decimal.NewFromInt(int64(s.TotalMatches)))

	if s.TotalMatches == 1 || d.PnL.GreaterThan(s.BestPnL) {
		s.BestPnL = d.PnL
	}
	if s.TotalMatches == 1 || d.PnL.LessThan(s.WorstPnL) {
		s.WorstPnL = d.PnL
	}

	if d.Won {
		s.Wins++
	}
	if d.Lost {
		s.Losses++
	}
}
