package scenario

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Provider yields a fresh scenario for a new match
type Provider interface {
	Scenario(ctx context.Context) (*Scenario, error)
}

// Tickers are the symbols real scenarios are drawn from
var Tickers = []string{
	"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "TSLA", "AMD", "NFLX", "DIS",
	"JPM", "BA", "NKE", "SBUX", "INTC", "PYPL", "UBER", "SHOP", "COIN", "XOM",
}

// contextDays is how much history to request ahead of the game window
const contextDays = 90

// DataProvider builds scenarios from Polygon daily bars, or from the
// synthetic generator when no API key is configured
type DataProvider struct {
	mu      sync.Mutex
	polygon *PolygonClient
	synth   *SyntheticGenerator
	cache   *CandleCache
	rng     *rand.Rand
	now     func() time.Time
}

// NewDataProvider creates a provider. An empty apiKey selects synthetic data.
func NewDataProvider(apiKey string) *DataProvider {
	dp := &DataProvider{
		synth: NewSyntheticGenerator(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:   time.Now,
	}
	if apiKey != "" {
		dp.polygon = NewPolygonClient(apiKey)
	}
	return dp
}

// NewSyntheticProvider creates a seeded synthetic-only provider (for testing)
func NewSyntheticProvider(seed int64) *DataProvider {
	return &DataProvider{
		synth: NewSyntheticGeneratorWithSeed(seed),
		rng:   rand.New(rand.NewSource(seed)),
		now:   time.Now,
	}
}

// SetCache makes Polygon fetches go through c
func (dp *DataProvider) SetCache(c *CandleCache) {
	dp.cache = c
}

// Polygon returns the underlying client, nil in synthetic mode
func (dp *DataProvider) Polygon() *PolygonClient {
	return dp.polygon
}

// Scenario returns a validated scenario. Upstream failures surface as
// ErrUpstreamUnavailable so callers can ask the user to retry.
func (dp *DataProvider) Scenario(ctx context.Context) (*Scenario, error) {
	if dp.polygon == nil {
		return dp.synthetic()
	}

	dp.mu.Lock()
	ticker := Tickers[dp.rng.Intn(len(Tickers))]
	end := dp.randomEndDate()
	dp.mu.Unlock()
	start := end.AddDate(0, 0, -(contextDays + 40))

	all, err := dp.fetch(ctx, ticker, start, end)
	if err != nil {
		log.Printf("[Scenario] Polygon fetch for %s failed: %v", ticker, err)
		cachedTicker, cached, ok := dp.fromCache(ctx)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		ticker, all = cachedTicker, cached
	}
	s, err := Build(ticker, all)
	if err != nil {
		log.Printf("[Scenario] Unusable history for %s: %v", ticker, err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	dp.mu.Lock()
	s.News = dp.headlines(s.GameCandles)
	dp.mu.Unlock()

	log.Printf("[Scenario] Built %s scenario: %d context + %d game candles (%s)",
		ticker, len(s.ContextCandles), len(s.GameCandles), s.Difficulty)
	return s, nil
}

// fetch reads the window from the cache, falling back to Polygon
func (dp *DataProvider) fetch(ctx context.Context, ticker string, start, end time.Time) ([]Candle, error) {
	if dp.cache != nil {
		if all, err := dp.cache.Get(ctx, ticker, end); err != nil {
			log.Printf("[Scenario] cache read failed: %v", err)
		} else if all != nil {
			return all, nil
		}
	}

	all, err := dp.polygon.FetchDaily(ctx, ticker, start, end)
	if err != nil {
		return nil, err
	}
	if dp.cache != nil && len(all) >= MinCandles {
		if err := dp.cache.Put(ctx, ticker, end, all); err != nil {
			log.Printf("[Scenario] cache write failed: %v", err)
		}
	}
	return all, nil
}

// fromCache picks any previously fetched window
func (dp *DataProvider) fromCache(ctx context.Context) (string, []Candle, bool) {
	if dp.cache == nil {
		return "", nil, false
	}
	ticker, candles, ok, err := dp.cache.Random(ctx)
	if err != nil {
		log.Printf("[Scenario] cache fallback failed: %v", err)
		return "", nil, false
	}
	if ok {
		log.Printf("[Scenario] Serving cached %s history", ticker)
	}
	return ticker, candles, ok
}

func (dp *DataProvider) synthetic() (*Scenario, error) {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	end := dp.randomEndDate()
	candles, pattern := dp.synth.GenerateRandom(contextDays+GameDays, end)
	ticker := fmt.Sprintf("SYN%c", 'A'+rune(dp.rng.Intn(26)))

	s, err := Build(ticker, candles)
	if err != nil {
		return nil, err
	}
	s.Description = fmt.Sprintf("Synthetic %s history", pattern)
	s.News = dp.headlines(s.GameCandles)

	log.Printf("[Scenario] Generated synthetic %s scenario (%s)", pattern, s.Difficulty)
	return s, nil
}

// Build splits candles into context and game windows and fills in metadata
func Build(ticker string, all []Candle) (*Scenario, error) {
	history, game, err := SplitCandles(all)
	if err != nil {
		return nil, err
	}
	s := &Scenario{
		ID:             fmt.Sprintf("dyn_%s_%s", ticker, uuid.NewString()[:8]),
		Ticker:         ticker,
		StartDate:      game[0].Date,
		EndDate:        game[len(game)-1].Date,
		ContextCandles: history,
		GameCandles:    game,
		Description:    fmt.Sprintf("Real historical data for %s", ticker),
		Difficulty:     ClassifyDifficulty(game),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// randomEndDate picks a date between one and ten years ago
func (dp *DataProvider) randomEndDate() time.Time {
	now := dp.now()
	daysAgo := 365 + dp.rng.Intn(9*365)
	return now.AddDate(0, 0, -daysAgo)
}

var (
	upHeadlines = []string{
		"Analysts raise price targets as demand outlook improves",
		"Shares climb after stronger-than-expected quarterly guidance",
		"Institutional buying lifts the stock to a multi-week high",
		"New product launch draws upbeat early reviews",
	}
	downHeadlines = []string{
		"Shares slide as margin pressure weighs on outlook",
		"Downgrade from a major broker sparks selling",
		"Regulatory probe rattles investors",
		"Supply chain warning clouds near-term earnings",
	}
	flatHeadlines = []string{
		"Stock drifts as investors await the next catalyst",
		"Mixed signals from sector peers keep traders cautious",
		"Options activity picks up ahead of an industry conference",
		"Management reiterates full-year targets",
	}
)

// headlines writes one anonymized headline per week based on how that
// week's candles move
func (dp *DataProvider) headlines(game []Candle) []News {
	news := make([]News, 0, Weeks)
	for w := 0; w < Weeks; w++ {
		week := game[w*DaysPerWeek : (w+1)*DaysPerWeek]
		change := week[len(week)-1].Close.Sub(week[0].Open)
		pct := decimal.Zero
		if week[0].Open.IsPositive() {
			pct = change.Div(week[0].Open)
		}

		pool := flatHeadlines
		switch {
		case pct.GreaterThan(decimal.NewFromFloat(0.02)):
			pool = upHeadlines
		case pct.LessThan(decimal.NewFromFloat(-0.02)):
			pool = downHeadlines
		}

		news = append(news, News{
			Week:     w,
			Headline: pool[dp.rng.Intn(len(pool))],
			Date:     week[0].Date,
			Source:   "Market Wire",
		})
	}
	return news
}
