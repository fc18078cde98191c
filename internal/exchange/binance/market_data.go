package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// DefaultMaxPriceAge is how old a cached price may be before the adapter
// falls back to REST.
const DefaultMaxPriceAge = 10 * time.Second

// MarketData implements domain.MarketData. It reads the websocket-fed price
// cache first and falls back to the ticker endpoint when the cache is cold or
// stale.
type MarketData struct {
	client *Client
	cache  domain.PriceCache
	maxAge time.Duration
	logger *slog.Logger
}

// NewMarketData creates a MarketData adapter. cache may be nil to always use
// REST; a non-positive maxAge selects the default.
func NewMarketData(client *Client, cache domain.PriceCache, maxAge time.Duration, logger *slog.Logger) *MarketData {
	if maxAge <= 0 {
		maxAge = DefaultMaxPriceAge
	}
	return &MarketData{
		client: client,
		cache:  cache,
		maxAge: maxAge,
		logger: logger.With(slog.String("component", "binance_market_data")),
	}
}

// GetPrice returns the current price for a symbol, preferring the cache.
func (m *MarketData) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if m.cache != nil {
		price, ts, err := m.cache.GetPrice(ctx, symbol)
		if err == nil && time.Since(ts) <= m.maxAge {
			return price, nil
		}
		if err == nil {
			m.logger.Debug("cached price stale, falling back to rest",
				slog.String("symbol", symbol),
				slog.Duration("age", time.Since(ts)),
			)
		}
	}

	price, err := m.restPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("binance: price %s: %w: %v", symbol, domain.ErrPriceUnavailable, err)
	}

	if m.cache != nil {
		if cerr := m.cache.SetPrice(ctx, symbol, price, time.Now()); cerr != nil {
			m.logger.Debug("price cache backfill failed",
				slog.String("symbol", symbol),
				slog.String("error", cerr.Error()),
			)
		}
	}
	return price, nil
}

func (m *MarketData) restPrice(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	body, err := m.client.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", q, false)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("binance: decode ticker: %w", err)
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("binance: parse ticker price %q: %w", resp.Price, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("binance: non-positive ticker price %.8f", price)
	}
	return price, nil
}

// Compile-time interface check.
var _ domain.MarketData = (*MarketData)(nil)
