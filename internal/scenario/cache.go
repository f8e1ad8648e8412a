package scenario

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// CandleCache stores fetched daily bar windows locally so repeated windows
// skip the API and an outage can still be served from past fetches
type CandleCache struct {
	db *sql.DB
}

// OpenCandleCache opens (or creates) the cache database at path
func OpenCandleCache(path string) (*CandleCache, error) {
	if path == ":memory:" {
		path = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	c := &CandleCache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *CandleCache) migrate() error {
	_, err := c.db.Exec(`
	CREATE TABLE IF NOT EXISTS candle_windows (
		ticker TEXT NOT NULL,
		end_date TEXT NOT NULL,
		candles_json TEXT NOT NULL,
		candle_count INTEGER NOT NULL,
		fetched_at INTEGER NOT NULL,
		PRIMARY KEY (ticker, end_date)
	)`)
	return err
}

func (c *CandleCache) Close() error {
	return c.db.Close()
}

// Get returns the cached window for ticker ending at end, or nil if absent
func (c *CandleCache) Get(ctx context.Context, ticker string, end time.Time) ([]Candle, error) {
	var raw string
	err := c.db.QueryRowContext(ctx,
		"SELECT candles_json FROM candle_windows WHERE ticker = ? AND end_date = ?",
		ticker, end.Format(dateLayout),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeCandles(raw)
}

// Put stores a window, replacing any previous copy
func (c *CandleCache) Put(ctx context.Context, ticker string, end time.Time, candles []Candle) error {
	raw, err := json.Marshal(candles)
	if err != nil {
		return fmt.Errorf("marshal candles: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO candle_windows (ticker, end_date, candles_json, candle_count, fetched_at)
		VALUES (?, ?, ?, ?, ?)`,
		ticker, end.Format(dateLayout), string(raw), len(candles), time.Now().UnixMilli(),
	)
	return err
}

// Random returns any cached window long enough for a scenario. ok is false
// when nothing usable is cached.
func (c *CandleCache) Random(ctx context.Context) (ticker string, candles []Candle, ok bool, err error) {
	var raw string
	err = c.db.QueryRowContext(ctx, `
		SELECT ticker, candles_json FROM candle_windows
		WHERE candle_count >= ?
		ORDER BY RANDOM()
		LIMIT 1`,
		MinCandles,
	).Scan(&ticker, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}
	candles, err = decodeCandles(raw)
	if err != nil {
		return "", nil, false, err
	}
	return ticker, candles, true, nil
}

// Count returns the number of cached windows
func (c *CandleCache) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM candle_windows").Scan(&n)
	return n, err
}

func decodeCandles(raw string) ([]Candle, error) {
	var candles []Candle
	if err := json.Unmarshal([]byte(raw), &candles); err != nil {
		return nil, fmt.Errorf("unmarshal cached candles: %w", err)
	}
	return candles, nil
}
