package binance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/erenaydin/futuresbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testExchange(t *testing.T, handler http.Handler) (*Exchange, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, &Auth{Key: "k", Secret: "s"}, nil, discardLogger())
	return NewExchange(client, discardLogger()), srv
}

func TestSignDeterministic(t *testing.T) {
	auth := &Auth{Key: "key", Secret: "secret"}

	mk := func() map[string][]string {
		return map[string][]string{"symbol": {"BTCUSDT"}, "side": {"BUY"}}
	}
	a := auth.SignAt(mk(), 1700000000000)
	b := auth.SignAt(mk(), 1700000000000)
	if a != b {
		t.Fatalf("signatures differ for identical input:\n%s\n%s", a, b)
	}
	if !strings.Contains(a, "timestamp=1700000000000") {
		t.Errorf("query missing timestamp: %s", a)
	}
	idx := strings.Index(a, "&signature=")
	if idx < 0 || len(a)-idx-len("&signature=") != 64 {
		t.Errorf("signature not 64 hex chars: %s", a)
	}

	other := &Auth{Key: "key", Secret: "different"}
	if other.SignAt(mk(), 1700000000000) == a {
		t.Error("different secrets produced identical signatures")
	}
}

func TestOpenPositionPlacesLeverageThenOrder(t *testing.T) {
	var paths []string
	ex, _ := testExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/fapi/v1/leverage":
			io.WriteString(w, `{"symbol":"BTCUSDT","leverage":10}`)
		case "/fapi/v1/order":
			if r.URL.Query().Get("reduceOnly") == "true" {
				t.Error("entry order marked reduceOnly")
			}
			if got := r.Header.Get("X-MBX-APIKEY"); got != "k" {
				t.Errorf("api key header = %q", got)
			}
			io.WriteString(w, `{"orderId":123,"status":"FILLED","executedQty":"0.2","avgPrice":"50010.5"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	fill, err := ex.OpenPosition(context.Background(), "BTCUSDT", domain.DirectionLong, 0.2, 10)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if fill.FilledQty != 0.2 || fill.AvgPrice != 50010.5 || fill.OrderID != "123" {
		t.Errorf("fill = %+v", fill)
	}
	if len(paths) != 2 || paths[0] != "/fapi/v1/leverage" || paths[1] != "/fapi/v1/order" {
		t.Errorf("call order = %v", paths)
	}
}

func TestClosePositionIsReduceOnlyOppositeSide(t *testing.T) {
	ex, _ := testExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("reduceOnly") != "true" {
			t.Error("close order not reduceOnly")
		}
		if q.Get("side") != "BUY" {
			t.Errorf("side = %s, want BUY to close a short", q.Get("side"))
		}
		io.WriteString(w, `{"orderId":7,"status":"FILLED","executedQty":"0.1","avgPrice":"49000"}`)
	}))

	fill, err := ex.ClosePosition(context.Background(), "BTCUSDT", domain.DirectionShort, 0.1)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if fill.FilledQty != 0.1 {
		t.Errorf("FilledQty = %v", fill.FilledQty)
	}
}

func TestMarketOrderRejected(t *testing.T) {
	ex, _ := testExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"orderId":9,"status":"REJECTED","executedQty":"0","avgPrice":"0"}`)
	}))

	_, err := ex.ClosePosition(context.Background(), "BTCUSDT", domain.DirectionLong, 0.1)
	if !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("error = %v, want ErrOrderRejected", err)
	}
}

func TestOpenPositionsFiltersFlat(t *testing.T) {
	ex, _ := testExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[
			{"symbol":"BTCUSDT","positionAmt":"0.200","entryPrice":"50000.0","leverage":"10"},
			{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0.0","leverage":"20"},
			{"symbol":"SOLUSDT","positionAmt":"-3.5","entryPrice":"150.0","leverage":"5"}
		]`)
	}))

	open, err := ex.OpenPositions(context.Background())
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open = %+v, want 2 non-flat positions", open)
	}
	if open[1].Symbol != "SOLUSDT" || open[1].PositionAmt != -3.5 {
		t.Errorf("short position = %+v", open[1])
	}
}

func TestRecentClosingTradePicksLatestRealizing(t *testing.T) {
	ex, _ := testExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[
			{"price":"50100","qty":"0.2","realizedPnl":"0","time":1700000001000},
			{"price":"50200","qty":"0.1","realizedPnl":"12.5","time":1700000002000},
			{"price":"50300","qty":"0.1","realizedPnl":"25.0","time":1700000003000},
			{"price":"50400","qty":"0.05","realizedPnl":"0","time":1700000004000}
		]`)
	}))

	trade, err := ex.RecentClosingTrade(context.Background(), "BTCUSDT", time.UnixMilli(1700000000000))
	if err != nil {
		t.Fatalf("RecentClosingTrade: %v", err)
	}
	if trade.Price != 50300 {
		t.Errorf("Price = %v, want latest realizing fill 50300", trade.Price)
	}
}

func TestRecentClosingTradeNotFound(t *testing.T) {
	ex, _ := testExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	}))

	_, err := ex.RecentClosingTrade(context.Background(), "BTCUSDT", time.Now().Add(-time.Hour))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	attempts := 0
	ex, _ := testExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"code":-1001,"msg":"internal error"}`)
			return
		}
		io.WriteString(w, `[]`)
	}))

	if _, err := ex.OpenPositions(context.Background()); err != nil {
		t.Fatalf("OpenPositions after retries: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	ex, _ := testExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":-2019,"msg":"Margin is insufficient."}`)
	}))

	_, err := ex.OpenPosition(context.Background(), "BTCUSDT", domain.DirectionLong, 0.2, 10)
	if err == nil {
		t.Fatal("OpenPosition succeeded on 400")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want no retry on 4xx", attempts)
	}
}
