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

// Exchange implements domain.Exchange against Binance USDT-M futures.
type Exchange struct {
	client *Client
	logger *slog.Logger
}

// NewExchange creates an Exchange on top of the given Client.
func NewExchange(client *Client, logger *slog.Logger) *Exchange {
	return &Exchange{
		client: client,
		logger: logger.With(slog.String("component", "binance_exchange")),
	}
}

type orderResponse struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
}

func (r orderResponse) toFill() (domain.Fill, error) {
	qty, err := strconv.ParseFloat(r.ExecutedQty, 64)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("binance: parse executedQty %q: %w", r.ExecutedQty, err)
	}
	avg, err := strconv.ParseFloat(r.AvgPrice, 64)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("binance: parse avgPrice %q: %w", r.AvgPrice, err)
	}
	return domain.Fill{
		OrderID:   strconv.FormatInt(r.OrderID, 10),
		FilledQty: qty,
		AvgPrice:  avg,
	}, nil
}

// OpenPosition sets the leverage and places a market entry order. The
// returned fill reports what actually executed; callers must handle partial
// and zero fills.
func (e *Exchange) OpenPosition(ctx context.Context, symbol string, dir domain.Direction, qty float64, leverage int) (domain.Fill, error) {
	if err := e.setLeverage(ctx, symbol, leverage); err != nil {
		return domain.Fill{}, err
	}

	side := "BUY"
	if dir == domain.DirectionShort {
		side = "SELL"
	}
	fill, err := e.marketOrder(ctx, symbol, side, qty, false)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("binance: open %s %s: %w", symbol, dir, err)
	}
	e.logger.Info("entry order filled",
		slog.String("symbol", symbol),
		slog.String("side", side),
		slog.Float64("requested", qty),
		slog.Float64("filled", fill.FilledQty),
		slog.Float64("avg_price", fill.AvgPrice),
	)
	return fill, nil
}

// ClosePosition places a reduce-only market order on the opposite side, so it
// can only shrink the position, never flip it.
func (e *Exchange) ClosePosition(ctx context.Context, symbol string, dir domain.Direction, qty float64) (domain.Fill, error) {
	side := "SELL"
	if dir == domain.DirectionShort {
		side = "BUY"
	}
	fill, err := e.marketOrder(ctx, symbol, side, qty, true)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("binance: close %s %s: %w", symbol, dir, err)
	}
	e.logger.Info("close order filled",
		slog.String("symbol", symbol),
		slog.String("side", side),
		slog.Float64("requested", qty),
		slog.Float64("filled", fill.FilledQty),
		slog.Float64("avg_price", fill.AvgPrice),
	)
	return fill, nil
}

func (e *Exchange) marketOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (domain.Fill, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("side", side)
	q.Set("type", "MARKET")
	q.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	// RESULT responses include executedQty and avgPrice without a follow-up
	// query.
	q.Set("newOrderRespType", "RESULT")
	if reduceOnly {
		q.Set("reduceOnly", "true")
	}

	body, err := e.client.do(ctx, http.MethodPost, "/fapi/v1/order", q, true)
	if err != nil {
		return domain.Fill{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Fill{}, fmt.Errorf("binance: decode order response: %w", err)
	}
	if resp.Status == "REJECTED" || resp.Status == "EXPIRED" {
		return domain.Fill{}, fmt.Errorf("binance: order status %s: %w", resp.Status, domain.ErrOrderRejected)
	}
	return resp.toFill()
}

func (e *Exchange) setLeverage(ctx context.Context, symbol string, leverage int) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("leverage", strconv.Itoa(leverage))
	if _, err := e.client.do(ctx, http.MethodPost, "/fapi/v1/leverage", q, true); err != nil {
		return fmt.Errorf("binance: set leverage %s %dx: %w", symbol, leverage, err)
	}
	return nil
}

// OpenPositions returns every position with non-zero exposure.
func (e *Exchange) OpenPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	body, err := e.client.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		Leverage    string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode position risk: %w", err)
	}

	out := make([]domain.ExchangePosition, 0, len(raw))
	for _, r := range raw {
		amt, err := strconv.ParseFloat(r.PositionAmt, 64)
		if err != nil {
			continue
		}
		if domain.FlatQty(amt) {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, domain.ExchangePosition{
			Symbol:      r.Symbol,
			PositionAmt: amt,
			EntryPrice:  entry,
			Leverage:    lev,
		})
	}
	return out, nil
}

// RecentClosingTrade returns the most recent fill after the given time that
// realized PnL, i.e. a fill that reduced or closed a position. ErrNotFound
// when no such fill exists.
func (e *Exchange) RecentClosingTrade(ctx context.Context, symbol string, after time.Time) (domain.ClosingTrade, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("startTime", strconv.FormatInt(after.UnixMilli(), 10))
	q.Set("limit", "50")

	body, err := e.client.do(ctx, http.MethodGet, "/fapi/v1/userTrades", q, true)
	if err != nil {
		return domain.ClosingTrade{}, err
	}

	var raw []struct {
		Price       string `json:"price"`
		Qty         string `json:"qty"`
		RealizedPnl string `json:"realizedPnl"`
		Time        int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.ClosingTrade{}, fmt.Errorf("binance: decode user trades: %w", err)
	}

	// Trades come oldest first; walk backwards for the latest closing fill.
	for i := len(raw) - 1; i >= 0; i-- {
		pnl, err := strconv.ParseFloat(raw[i].RealizedPnl, 64)
		if err != nil || pnl == 0 {
			continue
		}
		price, err := strconv.ParseFloat(raw[i].Price, 64)
		if err != nil {
			continue
		}
		qty, _ := strconv.ParseFloat(raw[i].Qty, 64)
		return domain.ClosingTrade{
			Symbol: symbol,
			Price:  price,
			Qty:    qty,
			Time:   time.UnixMilli(raw[i].Time),
		}, nil
	}
	return domain.ClosingTrade{}, fmt.Errorf("binance: no closing trade for %s since %s: %w",
		symbol, after.Format(time.RFC3339), domain.ErrNotFound)
}

// Compile-time interface check.
var _ domain.Exchange = (*Exchange)(nil)
