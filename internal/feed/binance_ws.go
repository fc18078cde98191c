// Package feed streams live mark prices from the Binance futures websocket
// into the price cache, where the monitor's market data adapter reads them.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// DefaultWSURL is the production USDT-M futures combined-stream endpoint.
const DefaultWSURL = "wss://fstream.binance.com/stream"

const (
	handshakeTimeout  = 15 * time.Second
	readTimeout       = 90 * time.Second
	writeWait         = 10 * time.Second
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// BinanceWSFeed subscribes to the 1s mark price stream for a set of symbols
// and writes every update into the price cache. It reconnects with
// exponential backoff on disconnect.
type BinanceWSFeed struct {
	wsURL   string
	symbols []string
	cache   domain.PriceCache
	logger  *slog.Logger
}

// NewBinanceWSFeed creates a feed for the given symbols. An empty wsURL
// selects production.
func NewBinanceWSFeed(wsURL string, symbols []string, cache domain.PriceCache, logger *slog.Logger) *BinanceWSFeed {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &BinanceWSFeed{
		wsURL:   wsURL,
		symbols: symbols,
		cache:   cache,
		logger:  logger.With(slog.String("component", "binance_ws_feed")),
	}
}

// streamURL builds the combined-stream URL, e.g.
// wss://fstream.binance.com/stream?streams=btcusdt@markPrice@1s/ethusdt@markPrice@1s
func (f *BinanceWSFeed) streamURL() string {
	streams := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		streams = append(streams, strings.ToLower(s)+"@markPrice@1s")
	}
	return f.wsURL + "?streams=" + strings.Join(streams, "/")
}

// Run connects and pumps price updates until the context is cancelled,
// reconnecting on failure.
func (f *BinanceWSFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to stream, feed idle")
		<-ctx.Done()
		return ctx.Err()
	}

	delay := reconnectDelay
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			f.logger.Info("feed stopped")
			return ctx.Err()
		}
		f.logger.Warn("websocket disconnected, reconnecting",
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// combinedMessage is the envelope of the combined-stream endpoint.
type combinedMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		MarkPrice string `json:"p"`
		EventTime int64  `json:"E"`
	} `json:"data"`
}

func (f *BinanceWSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	// Binance pings the client; answering pongs is handled by gorilla. Reset
	// the read deadline on every ping so an idle but healthy connection
	// survives.
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	// The watcher closes the connection on cancellation and exits with the
	// connection; a watcher per reconnect attempt parked on ctx.Done would
	// pile up across a long outage.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()

	f.logger.Info("mark price stream connected",
		slog.Int("symbols", len(f.symbols)),
	)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg combinedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.logger.Debug("undecodable message dropped",
				slog.String("error", err.Error()),
			)
			continue
		}
		if msg.Data.EventType != "markPriceUpdate" || msg.Data.Symbol == "" {
			continue
		}
		price, err := strconv.ParseFloat(msg.Data.MarkPrice, 64)
		if err != nil || price <= 0 {
			continue
		}

		ts := time.UnixMilli(msg.Data.EventTime)
		if err := f.cache.SetPrice(ctx, msg.Data.Symbol, price, ts); err != nil {
			f.logger.Warn("price cache write failed",
				slog.String("symbol", msg.Data.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}
