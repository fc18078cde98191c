package domain

import (
	"context"
	"io"
	"time"
)

// MarketData provides the current price for a symbol. Implementations may be
// backed by a cache, a REST endpoint, or both.
type MarketData interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// Fill is the exchange's report of how much of an order actually executed.
type Fill struct {
	OrderID   string
	FilledQty float64
	AvgPrice  float64
}

// ExchangePosition is the exchange's view of an open futures position.
// PositionAmt follows the Binance convention: positive for long, negative
// for short.
type ExchangePosition struct {
	Symbol      string
	PositionAmt float64
	EntryPrice  float64
	Leverage    int
}

// ClosingTrade is a reduce-side fill from the exchange's trade history, used
// to recover the close price of a position flattened outside the bot.
type ClosingTrade struct {
	Symbol string
	Price  float64
	Qty    float64
	Time   time.Time
}

// Exchange places and closes futures orders. Implementations must treat
// ClosePosition as reduce-only so a close can never flip the position.
type Exchange interface {
	OpenPosition(ctx context.Context, symbol string, dir Direction, qty float64, leverage int) (Fill, error)
	ClosePosition(ctx context.Context, symbol string, dir Direction, qty float64) (Fill, error)
	OpenPositions(ctx context.Context) ([]ExchangePosition, error)
	RecentClosingTrade(ctx context.Context, symbol string, after time.Time) (ClosingTrade, error)
}

// Advisor validates a signal before any capital is committed. Callers must
// treat an error as a rejection.
type Advisor interface {
	Validate(ctx context.Context, sig Signal) (AdvisorVerdict, error)
}

// ListOpts provides pagination and time filtering for history queries.
type ListOpts struct {
	Limit int
	Since *time.Time
	Until *time.Time
}

// HistoryStore persists the append-only trade history log.
type HistoryStore interface {
	Append(ctx context.Context, rec TradeHistoryRecord) error
	ListBySymbol(ctx context.Context, symbol string, opts ListOpts) ([]TradeHistoryRecord, error)
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]TradeHistoryRecord, error)
}

// PositionStore persists ledger state so it survives restarts. The ledger is
// the authority; the store is write-through.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	Delete(ctx context.Context, id string) error
	ListOpen(ctx context.Context) ([]Position, error)
}

// SignalBus carries scanner signals between processes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter throttles outbound request rates, shared across instances.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// BlobWriter uploads objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves objects from cold storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// PriceCache provides fast access to the latest prices.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}
