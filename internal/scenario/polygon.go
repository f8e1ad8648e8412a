package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// PolygonClient fetches daily aggregates from Polygon.io
type PolygonClient struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
}

// NewPolygonClient creates a new Polygon.io API client
func NewPolygonClient(apiKey string) *PolygonClient {
	return &PolygonClient{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: "https://api.polygon.io",
	}
}

// SetBaseURL points the client at another host (tests use httptest)
func (c *PolygonClient) SetBaseURL(u string) {
	c.baseURL = u
}

type polygonAggResponse struct {
	Status       string       `json:"status"`
	ResultsCount int          `json:"resultsCount"`
	Results      []polygonBar `json:"results"`
	Ticker       string       `json:"ticker"`
}

type polygonBar struct {
	Timestamp int64   `json:"t"` // Unix milliseconds
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

// FetchDaily returns daily candles for ticker between from and to inclusive
func (c *PolygonClient) FetchDaily(ctx context.Context, ticker string, from, to time.Time) ([]Candle, error) {
	url := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/1/day/%s/%s?adjusted=true&sort=asc&limit=5000&apiKey=%s",
		c.baseURL, ticker, from.Format(dateLayout), to.Format(dateLayout), c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polygon request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polygon returned status %d", resp.StatusCode)
	}

	var aggResp polygonAggResponse
	if err := json.NewDecoder(resp.Body).Decode(&aggResp); err != nil {
		return nil, fmt.Errorf("failed to decode polygon response: %w", err)
	}
	if aggResp.Status != "OK" && aggResp.Status != "DELAYED" {
		return nil, fmt.Errorf("polygon status: %s", aggResp.Status)
	}

	candles := make([]Candle, 0, len(aggResp.Results))
	for _, pb := range aggResp.Results {
		candles = append(candles, Candle{
			Date:   time.UnixMilli(pb.Timestamp).UTC().Format(dateLayout),
			Open:   decimal.NewFromFloat(pb.Open),
			High:   decimal.NewFromFloat(pb.High),
			Low:    decimal.NewFromFloat(pb.Low),
			Close:  decimal.NewFromFloat(pb.Close),
			Volume: int64(pb.Volume),
		})
	}
	return candles, nil
}
