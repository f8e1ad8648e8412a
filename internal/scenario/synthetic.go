package scenario

import (
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// Pattern is the overall shape of a synthetic price path
type Pattern int

const (
	PatternChoppy       Pattern = iota // Oscillates in range, ends near start
	PatternTrendUp                     // Steady grind higher with pullbacks
	PatternTrendDown                   // Steady grind lower with bounces
	PatternVBottom                     // Sells off hard, then recovers
	PatternInvertedV                   // Rallies hard, then sells off
	PatternVolExplosion                // Quiet then sudden big moves
	PatternBreakout                    // Consolidation then explosive move
)

func (p Pattern) String() string {
	switch p {
	case PatternChoppy:
		return "choppy"
	case PatternTrendUp:
		return "trend-up"
	case PatternTrendDown:
		return "trend-down"
	case PatternVBottom:
		return "V-bottom"
	case PatternInvertedV:
		return "inverted-V"
	case PatternVolExplosion:
		return "vol-explosion"
	case PatternBreakout:
		return "breakout"
	default:
		return "unknown"
	}
}

// SyntheticConfig configures synthetic candle generation
type SyntheticConfig struct {
	BasePrice      float64   // Starting price in dollars
	Days           int       // Number of daily candles
	Volatility     float64   // Daily volatility as decimal (0.02 = 2%)
	Pattern        Pattern   // Shape of the path
	EventCount     int       // Number of gap days
	EventMagnitude float64   // Size of gaps as a fraction of price
	EndDate        time.Time // Date of the last candle
}

// SyntheticGenerator creates plausible daily histories when no market data
// source is configured
type SyntheticGenerator struct {
	rng *rand.Rand
}

// NewSyntheticGenerator creates a new generator
func NewSyntheticGenerator() *SyntheticGenerator {
	return &SyntheticGenerator{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewSyntheticGeneratorWithSeed creates a generator with a specific seed (for testing)
func NewSyntheticGeneratorWithSeed(seed int64) *SyntheticGenerator {
	return &SyntheticGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Generate creates config.Days daily candles ending on config.EndDate
func (g *SyntheticGenerator) Generate(config SyntheticConfig) []Candle {
	closes := g.path(config)
	dates := tradingDays(config.EndDate, config.Days)

	candles := make([]Candle, config.Days)
	prevClose := config.BasePrice
	for i := range candles {
		candles[i] = g.candle(dates[i], prevClose, closes[i], config)
		prevClose = closes[i]
	}
	return candles
}

// GenerateRandom picks a pattern and volatility and returns days candles
func (g *SyntheticGenerator) GenerateRandom(days int, endDate time.Time) ([]Candle, Pattern) {
	// Weighted toward patterns that make the game interesting
	patterns := []Pattern{
		PatternChoppy,
		PatternVBottom,
		PatternVBottom,
		PatternInvertedV,
		PatternInvertedV,
		PatternTrendUp,
		PatternTrendDown,
		PatternVolExplosion,
		PatternBreakout,
	}
	pattern := patterns[g.rng.Intn(len(patterns))]

	config := SyntheticConfig{
		BasePrice:      20 + g.rng.Float64()*280,
		Days:           days,
		Volatility:     0.012 + g.rng.Float64()*0.02, // 1.2-3.2% daily
		Pattern:        pattern,
		EventCount:     1 + g.rng.Intn(3),
		EventMagnitude: 0.03 + g.rng.Float64()*0.05,
		EndDate:        endDate,
	}
	return g.Generate(config), pattern
}

// path returns the close for each day
func (g *SyntheticGenerator) path(config SyntheticConfig) []float64 {
	n := config.Days
	closes := make([]float64, n)
	base := config.BasePrice
	price := base

	// turning point somewhere in the middle third
	turn := n/3 + g.rng.Intn(max(1, n/3))
	swing := config.Volatility * math.Sqrt(float64(n)) * 0.8
	direction := 1.0
	if g.rng.Float64() < 0.5 {
		direction = -1.0
	}

	for i := 0; i < n; i++ {
		var target float64
		vol := config.Volatility
		pull := 0.15

		switch config.Pattern {
		case PatternTrendUp:
			target = base * (1 + swing*float64(i+1)/float64(n))
		case PatternTrendDown:
			target = base * (1 - swing*float64(i+1)/float64(n))
		case PatternVBottom:
			target = base * (1 - swing*shape(i, turn, n))
		case PatternInvertedV:
			target = base * (1 + swing*shape(i, turn, n))
		case PatternVolExplosion:
			target = base
			pull = 0.05
			if i < turn {
				vol *= 0.4
			} else if i < turn+5 {
				vol *= 2.5
			}
		case PatternBreakout:
			target = base
			if i < turn {
				vol *= 0.4
				pull = 0.3
			} else {
				target = base * (1 + direction*swing)
			}
		default:
			target = base
			pull = 0.1
		}

		drift := (target - price) * pull
		noise := g.rng.NormFloat64() * vol * price
		price += drift + noise
		if price < 1 {
			price = 1
		}
		closes[i] = price
	}

	g.addEvents(closes, config)
	return closes
}

// shape rises from 0 to 1 at turn and falls back to 0 at the end
func shape(i, turn, n int) float64 {
	if i < turn {
		return float64(i) / float64(turn)
	}
	return 1 - float64(i-turn)/float64(max(1, n-turn))
}

// addEvents adds overnight gaps with a partial fade, like news days
func (g *SyntheticGenerator) addEvents(closes []float64, config SyntheticConfig) {
	n := len(closes)
	if n < 3 {
		return
	}
	for e := 0; e < config.EventCount; e++ {
		at := 1 + g.rng.Intn(n-1)
		direction := 1.0
		if g.rng.Float64() < 0.5 {
			direction = -1.0
		}
		gap := config.EventMagnitude * (0.5 + g.rng.Float64()) * direction

		for j := at; j < n; j++ {
			decay := 0.5 + 0.5*math.Exp(-float64(j-at)*0.5)
			closes[j] *= 1 + gap*decay
			if closes[j] < 1 {
				closes[j] = 1
			}
		}
	}
}

// candle builds a full OHLCV day from the previous and current close
func (g *SyntheticGenerator) candle(date time.Time, prevClose, close float64, config SyntheticConfig) Candle {
	gapPct := (g.rng.Float64() - 0.5) * config.Volatility * 0.5
	open := prevClose * (1 + gapPct)

	lo := math.Min(open, close)
	hi := math.Max(open, close)
	wick := config.Volatility * 0.5
	high := hi * (1 + g.rng.Float64()*wick)
	low := lo * (1 - g.rng.Float64()*wick)
	if low < 0.5 {
		low = 0.5
	}

	move := math.Abs(close-open) / prevClose
	volume := int64(float64(2_000_000+g.rng.Intn(8_000_000)) * (1 + move*20))

	return Candle{
		Date:   date.Format(dateLayout),
		Open:   cents(open),
		High:   cents(math.Max(high, math.Max(open, close))),
		Low:    cents(math.Min(low, math.Min(open, close))),
		Close:  cents(close),
		Volume: volume,
	}
}

func cents(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

// tradingDays returns n market days ending on or before end, oldest first
func tradingDays(end time.Time, n int) []time.Time {
	days := make([]time.Time, n)
	d := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	for i := n - 1; i >= 0; {
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday && !isMarketHoliday(d) {
			days[i] = d
			i--
		}
		d = d.AddDate(0, 0, -1)
	}
	return days
}

// isMarketHoliday checks for major US market holidays (approximate)
func isMarketHoliday(date time.Time) bool {
	month := date.Month()
	day := date.Day()
	wd := date.Weekday()

	switch {
	case month == time.January && day == 1:
		return true
	case month == time.January && wd == time.Monday && day >= 15 && day <= 21: // MLK
		return true
	case month == time.February && wd == time.Monday && day >= 15 && day <= 21: // Presidents
		return true
	case month == time.May && wd == time.Monday && day >= 25: // Memorial
		return true
	case month == time.June && day == 19:
		return true
	case month == time.July && day == 4:
		return true
	case month == time.September && wd == time.Monday && day <= 7: // Labor
		return true
	case month == time.November && wd == time.Thursday && day >= 22 && day <= 28: // Thanksgiving
		return true
	case month == time.December && day == 25:
		return true
	}
	return false
}
