// Package scenario supplies the price history a duel is played on: context
// candles shown up front and twenty game candles revealed a week at a time.
package scenario

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const (
	Weeks       = 4
	DaysPerWeek = 5
	GameDays    = Weeks * DaysPerWeek

	// MinCandles is the shortest history worth building a scenario from
	MinCandles = 50

	dateLayout = "2006-01-02"
)

var (
	ErrUpstreamUnavailable = errors.New("scenario source unavailable")
	ErrNotEnoughCandles    = errors.New("not enough candles for a scenario")
)

// Candle is one trading day of OHLCV data
type Candle struct {
	Date   string          `json:"date"` // YYYY-MM-DD
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// News is a headline attached to one game week
type News struct {
	Week     int    `json:"week"`
	Headline string `json:"headline"`
	Date     string `json:"date"`
	Source   string `json:"source"`
}

// Difficulty grades how violently the game candles move
type Difficulty string

const (
	Easy   Difficulty = "EASY"
	Medium Difficulty = "MEDIUM"
	Hard   Difficulty = "HARD"
)

// Scenario is the full price payload embedded in a match
type Scenario struct {
	ID             string     `json:"id"`
	Ticker         string     `json:"ticker"`
	StartDate      string     `json:"startDate"`
	EndDate        string     `json:"endDate"`
	ContextCandles []Candle   `json:"contextCandles"`
	GameCandles    []Candle   `json:"gameCandles"`
	News           []News     `json:"news"`
	Description    string     `json:"description"`
	Difficulty     Difficulty `json:"difficulty"`
}

// Validate checks the scenario can drive a four-week game
func (s *Scenario) Validate() error {
	if len(s.GameCandles) != GameDays {
		return fmt.Errorf("%w: %d game candles, need %d", ErrNotEnoughCandles, len(s.GameCandles), GameDays)
	}
	for i, c := range s.GameCandles {
		if !c.Close.IsPositive() {
			return fmt.Errorf("game candle %d has non-positive close %s", i, c.Close)
		}
	}
	return nil
}

// WeekClose is the price trades execute at during week: the close of the
// last day revealed that week
func (s *Scenario) WeekClose(week int) decimal.Decimal {
	if week < 0 {
		week = 0
	}
	if week >= Weeks {
		week = Weeks - 1
	}
	return s.GameCandles[week*DaysPerWeek+DaysPerWeek-1].Close
}

// FinalClose is the last game candle's close, used for the implicit close
func (s *Scenario) FinalClose() decimal.Decimal {
	return s.GameCandles[len(s.GameCandles)-1].Close
}

// WeekCloses returns the trade price for every week
func (s *Scenario) WeekCloses() []decimal.Decimal {
	out := make([]decimal.Decimal, Weeks)
	for w := range out {
		out[w] = s.WeekClose(w)
	}
	return out
}

// SplitCandles keeps the final GameDays candles for play and everything
// before them as context
func SplitCandles(all []Candle) (context, game []Candle, err error) {
	if len(all) < MinCandles {
		return nil, nil, fmt.Errorf("%w: got %d, need %d", ErrNotEnoughCandles, len(all), MinCandles)
	}
	cut := len(all) - GameDays
	return all[:cut], all[cut:], nil
}

// ClassifyDifficulty grades game candles by mean absolute daily return
func ClassifyDifficulty(game []Candle) Difficulty {
	if len(game) < 2 {
		return Easy
	}
	var sum float64
	for i := 1; i < len(game); i++ {
		prev := game[i-1].Close.InexactFloat64()
		if prev == 0 {
			continue
		}
		sum += math.Abs(game[i].Close.InexactFloat64()-prev) / prev
	}
	avg := sum / float64(len(game)-1)

	switch {
	case avg < 0.01:
		return Easy
	case avg < 0.025:
		return Medium
	default:
		return Hard
	}
}
