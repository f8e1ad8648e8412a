// Package position implements the trade math shared by every duel player:
// long and short positions, weighted entry prices, realized PnL and equity.
package position

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMarginExceeded    = errors.New("short notional exceeds margin")
	ErrInvalidShares     = errors.New("shares must be positive")
	ErrInvalidPrice      = errors.New("price must be positive")
	ErrUnknownAction     = errors.New("unknown trade action")
)

// Action is a player's decision for a week
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
	Hold Action = "HOLD"
)

// ParseAction accepts BUY, SELL or HOLD in any case
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case Buy, Sell, Hold:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Position is an open long (Shares > 0) or short (Shares < 0) position.
// A flat book is a nil *Position, never a zero-share value.
type Position struct {
	Shares       int64           `json:"shares"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
}

// IsLong reports whether the position is long
func (p *Position) IsLong() bool {
	return p != nil && p.Shares > 0
}

// IsShort reports whether the position is short
func (p *Position) IsShort() bool {
	return p != nil && p.Shares < 0
}

// Size returns the absolute share count
func (p *Position) Size() int64 {
	if p == nil {
		return 0
	}
	if p.Shares < 0 {
		return -p.Shares
	}
	return p.Shares
}

// Value returns the signed mark-to-market value at mark
func (p *Position) Value(mark decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return mark.Mul(decimal.NewFromInt(p.Shares))
}

// UnrealizedPnL returns the open profit or loss at mark
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return mark.Sub(p.EntryPrice).Mul(decimal.NewFromInt(p.Shares))
}

func (p *Position) clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Result is the outcome of a single ApplyTrade call
type Result struct {
	Cash        decimal.Decimal
	Position    *Position
	RealizedPnL decimal.Decimal
	// Closed is set when the fill reduced or closed an existing position
	Closed bool
}

// Equity returns cash plus the mark-to-market value of pos
func Equity(cash decimal.Decimal, pos *Position, mark decimal.Decimal) decimal.Decimal {
	return cash.Add(pos.Value(mark))
}

// ApplyTrade computes the result of trading shares at price against the
// given cash and position. Inputs are never modified; on error the caller
// keeps its previous state.
//
// Buying while short covers first and flips to long with any remainder.
// Selling while long closes first and flips to short with any remainder.
// Opening or extending a short requires the total short notional to stay
// within cash (1x). Covering a short is never blocked for funds.
func ApplyTrade(action Action, price decimal.Decimal, shares int64, cash decimal.Decimal, pos *Position) (Result, error) {
	if action == Hold {
		return Result{Cash: cash, Position: pos.clone()}, nil
	}
	if action != Buy && action != Sell {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if shares <= 0 {
		return Result{}, ErrInvalidShares
	}
	if !price.IsPositive() {
		return Result{}, ErrInvalidPrice
	}

	if action == Buy {
		return buy(price, shares, cash, pos)
	}
	return sell(price, shares, cash, pos)
}

func buy(price decimal.Decimal, n int64, cash decimal.Decimal, pos *Position) (Result, error) {
	cost := price.Mul(decimal.NewFromInt(n))

	if !pos.IsShort() {
		if cash.LessThan(cost) {
			return Result{}, ErrInsufficientFunds
		}
		return Result{
			Cash:     cash.Sub(cost),
			Position: extend(pos, n, price),
		}, nil
	}

	short := pos.Size()
	covered := min(n, short)
	pnl := pos.EntryPrice.Sub(price).Mul(decimal.NewFromInt(covered))

	var next *Position
	switch {
	case n < short:
		next = &Position{Shares: pos.Shares + n, EntryPrice: pos.EntryPrice, CurrentPrice: price}
	case n > short:
		remaining := n - short
		afterCover := cash.Sub(price.Mul(decimal.NewFromInt(short)))
		if afterCover.LessThan(price.Mul(decimal.NewFromInt(remaining))) {
			return Result{}, ErrInsufficientFunds
		}
		next = &Position{Shares: remaining, EntryPrice: price, CurrentPrice: price}
	}

	return Result{
		Cash:        cash.Sub(cost),
		Position:    next,
		RealizedPnL: pnl,
		Closed:      true,
	}, nil
}

func sell(price decimal.Decimal, n int64, cash decimal.Decimal, pos *Position) (Result, error) {
	proceeds := price.Mul(decimal.NewFromInt(n))

	if !pos.IsLong() {
		notional := price.Mul(decimal.NewFromInt(pos.Size() + n))
		if notional.GreaterThan(cash) {
			return Result{}, ErrMarginExceeded
		}
		return Result{
			Cash:     cash.Add(proceeds),
			Position: extend(pos, -n, price),
		}, nil
	}

	long := pos.Shares
	closed := min(n, long)
	pnl := price.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(closed))

	var next *Position
	switch {
	case n < long:
		next = &Position{Shares: long - n, EntryPrice: pos.EntryPrice, CurrentPrice: price}
	case n > long:
		remaining := n - long
		afterClose := cash.Add(price.Mul(decimal.NewFromInt(long)))
		if price.Mul(decimal.NewFromInt(remaining)).GreaterThan(afterClose) {
			return Result{}, ErrMarginExceeded
		}
		next = &Position{Shares: -remaining, EntryPrice: price, CurrentPrice: price}
	}

	return Result{
		Cash:        cash.Add(proceeds),
		Position:    next,
		RealizedPnL: pnl,
		Closed:      true,
	}, nil
}

// extend adds signed shares on the same side as pos (or opens a new
// position) and recomputes the size-weighted entry price.
func extend(pos *Position, signed int64, price decimal.Decimal) *Position {
	if pos == nil {
		return &Position{Shares: signed, EntryPrice: price, CurrentPrice: price}
	}
	oldSize := decimal.NewFromInt(pos.Size())
	addSize := decimal.NewFromInt(abs(signed))
	entry := pos.EntryPrice.Mul(oldSize).Add(price.Mul(addSize)).Div(oldSize.Add(addSize))
	return &Position{
		Shares:       pos.Shares + signed,
		EntryPrice:   entry,
		CurrentPrice: price,
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
