package ibkrcp

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"threshold-trader/internal/market"
)

func TestDecodeMarketData(t *testing.T) {
	tk, ok, err := decodeMarketData([]byte(`{"topic":"smd+265598","conid":265598,"31":"201.50","_updated":1700000000123}`), 265598, "TSLA")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if tk.Symbol != "TSLA" || !tk.Price.Equal(decimal.RequireFromString("201.5")) {
		t.Fatalf("tick %+v", tk)
	}
	if tk.Time.UnixMilli() != 1700000000123 {
		t.Fatalf("time %v", tk.Time)
	}

	// closing-price marker is stripped
	tk, ok, _ = decodeMarketData([]byte(`{"topic":"smd+265598","31":"C180.25"}`), 265598, "TSLA")
	if !ok || !tk.Price.Equal(decimal.RequireFromString("180.25")) {
		t.Fatalf("C-prefixed price: %+v", tk)
	}

	// bare number
	tk, ok, _ = decodeMarketData([]byte(`{"topic":"smd+265598","31":199.5}`), 265598, "TSLA")
	if !ok || !tk.Price.Equal(decimal.RequireFromString("199.5")) {
		t.Fatalf("numeric price: %+v", tk)
	}

	for _, msg := range []string{
		`{"topic":"system","hb":1}`,
		`{"topic":"smd+1","31":"10"}`,
		`{"topic":"smd+265598","84":"200.1"}`,
		`tic`,
	} {
		if _, ok, err := decodeMarketData([]byte(msg), 265598, "TSLA"); ok || err != nil {
			t.Fatalf("%s: ok=%v err=%v", msg, ok, err)
		}
	}

	if _, _, err := decodeMarketData([]byte(`{"topic":"smd+265598","31":"n/a"}`), 265598, "TSLA"); !errors.Is(err, market.ErrMalformedTick) {
		t.Fatalf("want ErrMalformedTick, got %v", err)
	}
}

func TestGatewayPriceFeedStreamsTicks(t *testing.T) {
	subscribed := make(chan string, 2)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/iserver/auth/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"authenticated":true}`))
	})
	mux.HandleFunc("/v1/api/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"conid":"76792991","sections":[{"secType":"STK"}]}]`))
	})
	mux.HandleFunc("/v1/api/tickle", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"session":"sess-1"}`))
	})
	mux.HandleFunc("/v1/api/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ { // session auth, then subscription
			_, b, err := conn.ReadMessage()
			if err != nil {
				return
			}
			subscribed <- string(b)
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"system","success":"user"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"smd+76792991","31":"n/a"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"smd+76792991","31":"201.5"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	_, c := newGateway(t, mux)

	feed := NewGatewayPriceFeed(c, "tsla", quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	status := make(chan bool, 8)
	go feed.Run(ctx, func(ok bool) { status <- ok })

	select {
	case tk := <-feed.Updates():
		if tk.Symbol != "TSLA" || !tk.Price.Equal(decimal.RequireFromString("201.5")) {
			t.Fatalf("tick %+v", tk)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no tick")
	}

	if got := <-subscribed; got != `{"session":"sess-1"}` {
		t.Fatalf("auth message %q", got)
	}
	if got := <-subscribed; got != `smd+76792991+{"fields":["31"]}` {
		t.Fatalf("subscribe message %q", got)
	}
	if ok := <-status; !ok {
		t.Fatal("expected connected status")
	}
	if !feed.Connected() {
		t.Fatal("feed should report connected")
	}

	select {
	case err := <-feed.Errors():
		if !errors.Is(err, market.ErrMalformedTick) {
			t.Fatalf("want malformed tick error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("malformed price not reported")
	}

	feed.Close()
	select {
	case _, ok := <-feed.Updates():
		if ok {
			t.Fatal("unexpected extra tick")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("updates channel not closed after Close")
	}
}

func TestMockPriceFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := NewMockPriceFeed()
	statusCh := make(chan bool, 1)
	go mock.Run(ctx, func(c bool) { statusCh <- c })

	select {
	case c := <-statusCh:
		if !c {
			t.Fatal("expected connected status")
		}
	case <-time.After(time.Second):
		t.Fatal("no status")
	}

	mock.SendTick(market.Tick{Symbol: "TSLA", Price: decimal.NewFromInt(1)})
	select {
	case got := <-mock.Updates():
		if got.Symbol != "TSLA" {
			t.Fatal("bad tick")
		}
	case <-time.After(time.Second):
		t.Fatal("no tick")
	}

	mock.Close()
	mock.Close()
	if _, ok := <-mock.Updates(); ok {
		t.Fatal("updates should be closed")
	}
}
