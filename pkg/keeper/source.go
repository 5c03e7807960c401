// Package keeper runs the off-ledger side of the oracle: it polls the
// upstream prediction-market API, normalizes the response into the
// ledger's fixed-point units, has the attester set sign the result, and
// submits the proof to a node.
package keeper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SourceClient is the REST client for the upstream Gamma-style market
// API (market metadata, prices, liquidity).
type SourceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewSourceClient creates a client against the API root, e.g.
// "https://gamma-api.polymarket.com".
func NewSourceClient(baseURL string) *SourceClient {
	return &SourceClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiMarket mirrors the upstream wire format. Prices and USD amounts
// arrive as decimal strings.
type apiMarket struct {
	ID            string `json:"id"`
	Question      string `json:"question"`
	OutcomePrices string `json:"outcomePrices"` // JSON array string: "[\"0.65\", \"0.35\"]"
	Volume        string `json:"volume"`
	Liquidity     string `json:"liquidity"`
	Closed        bool   `json:"closed"`
}

// MarketSnapshot is the normalized view of one upstream market, in
// ledger units: prices in bps, USD amounts at 1e6 scale.
type MarketSnapshot struct {
	MarketID  string
	Question  string
	YesPrice  int64
	NoPrice   int64
	Volume    int64
	Liquidity int64
	Closed    bool

	// URL is the exact request that produced this snapshot; it goes
	// into the proof so verifiers can pin the source.
	URL string
}

// FetchMarket fetches one market by ID and normalizes it.
func (c *SourceClient) FetchMarket(ctx context.Context, marketID string) (MarketSnapshot, error) {
	path := fmt.Sprintf("/markets/%s", url.PathEscape(marketID))

	body, err := c.doGet(ctx, path)
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("keeper: get market %s: %w", marketID, err)
	}

	var m apiMarket
	if err := json.Unmarshal(body, &m); err != nil {
		return MarketSnapshot{}, fmt.Errorf("keeper: decode market %s: %w", marketID, err)
	}

	snap, err := normalize(m)
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("keeper: normalize market %s: %w", marketID, err)
	}
	snap.URL = c.baseURL + path
	return snap, nil
}

// normalize converts the upstream decimal-string format into ledger
// fixed point. Prices are rounded to the nearest 100 bps so that every
// attester derives the same payload from slightly different reads.
func normalize(m apiMarket) (MarketSnapshot, error) {
	if m.ID == "" {
		return MarketSnapshot{}, fmt.Errorf("missing market id")
	}

	var raw []string
	if err := json.Unmarshal([]byte(m.OutcomePrices), &raw); err != nil {
		return MarketSnapshot{}, fmt.Errorf("decode outcome prices: %w", err)
	}
	if len(raw) != 2 {
		return MarketSnapshot{}, fmt.Errorf("expected 2 outcome prices, got %d", len(raw))
	}

	yes, err := priceToBps(raw[0])
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("yes price: %w", err)
	}
	no, err := priceToBps(raw[1])
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("no price: %w", err)
	}

	volume, err := usdToMicros(m.Volume)
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("volume: %w", err)
	}
	liquidity, err := usdToMicros(m.Liquidity)
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("liquidity: %w", err)
	}

	return MarketSnapshot{
		MarketID:  m.ID,
		Question:  m.Question,
		YesPrice:  yes,
		NoPrice:   no,
		Volume:    volume,
		Liquidity: liquidity,
		Closed:    m.Closed,
	}, nil
}

// priceToBps parses "0.65" into basis points, rounded to the nearest
// 100 bps (1 cent). Coarse rounding keeps independent attesters byte
// identical on the signed payload.
func priceToBps(s string) (int64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("price %q outside [0,1]", s)
	}
	cents := int64(f*100 + 0.5)
	return cents * 100, nil
}

// usdToMicros parses a USD decimal string into 1e6 fixed point,
// truncating sub-dollar precision for the same determinism reason.
func usdToMicros(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("negative amount %q", s)
	}
	return int64(f) * 1_000_000, nil
}

func (c *SourceClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(body))
	}

	return body, nil
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
