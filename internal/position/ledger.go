package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// StartingCash is every player's opening balance in dollars
var StartingCash = decimal.NewFromInt(100000)

// Trade is one entry in a player's append-only trade log
type Trade struct {
	Week      int              `json:"week"`
	Action    Action           `json:"action"`
	Price     decimal.Decimal  `json:"price"`
	Shares    *int64           `json:"shares,omitempty"`
	PnL       *decimal.Decimal `json:"pnl,omitempty"`
	Implicit  bool             `json:"implicit,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Ledger tracks one player's cash, position and trade log across a match.
// It is not safe for concurrent use; the owner serializes access.
type Ledger struct {
	Start       decimal.Decimal
	Cash        decimal.Decimal
	Position    *Position
	RealizedPnL decimal.Decimal
	Trades      []Trade
}

// NewLedger creates a flat ledger holding cash
func NewLedger(cash decimal.Decimal) *Ledger {
	return &Ledger{Start: cash, Cash: cash}
}

// Execute applies the trade and appends it to the log. A rejected trade
// leaves the ledger unchanged.
func (l *Ledger) Execute(week int, action Action, price decimal.Decimal, shares int64, at time.Time) (Trade, error) {
	return l.execute(week, action, price, shares, at, false)
}

func (l *Ledger) execute(week int, action Action, price decimal.Decimal, shares int64, at time.Time, implicit bool) (Trade, error) {
	res, err := ApplyTrade(action, price, shares, l.Cash, l.Position)
	if err != nil {
		return Trade{}, err
	}

	l.Cash = res.Cash
	l.Position = res.Position
	l.RealizedPnL = l.RealizedPnL.Add(res.RealizedPnL)
	if l.Position != nil {
		l.Position.CurrentPrice = price
	}

	t := Trade{
		Week:      week,
		Action:    action,
		Price:     price,
		Implicit:  implicit,
		Timestamp: at,
	}
	if action != Hold {
		n := shares
		t.Shares = &n
	}
	if res.Closed {
		pnl := res.RealizedPnL
		t.PnL = &pnl
	}
	l.Trades = append(l.Trades, t)
	return t, nil
}

// Close flattens any open position at price and records it as the
// implicit closing trade. It reports false when there was nothing to close.
func (l *Ledger) Close(week int, price decimal.Decimal, at time.Time) (Trade, bool, error) {
	if l.Position == nil {
		return Trade{}, false, nil
	}
	action := Sell
	if l.Position.IsShort() {
		action = Buy
	}
	t, err := l.execute(week, action, price, l.Position.Size(), at, true)
	if err != nil {
		return Trade{}, false, err
	}
	return t, true, nil
}

// Mark updates the position's current price
func (l *Ledger) Mark(price decimal.Decimal) {
	if l.Position != nil {
		l.Position.CurrentPrice = price
	}
}

// Equity returns cash plus the open position valued at mark
func (l *Ledger) Equity(mark decimal.Decimal) decimal.Decimal {
	return Equity(l.Cash, l.Position, mark)
}

// PnL returns equity at mark minus the starting balance
func (l *Ledger) PnL(mark decimal.Decimal) decimal.Decimal {
	return l.Equity(mark).Sub(l.Start)
}

// DecidedWeek reports whether a trade has been recorded for week
func (l *Ledger) DecidedWeek(week int) bool {
	for i := len(l.Trades) - 1; i >= 0; i-- {
		if l.Trades[i].Week == week && !l.Trades[i].Implicit {
			return true
		}
		if l.Trades[i].Week < week {
			return false
		}
	}
	return false
}
