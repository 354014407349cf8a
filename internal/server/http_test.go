package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"threshold-trader/internal/config"
	"threshold-trader/internal/market"
	"threshold-trader/internal/order"
	"threshold-trader/internal/state"
	"threshold-trader/internal/trigger"
)

func newTestServer(t *testing.T) (*HTTPServer, *state.State, *httptest.Server) {
	t.Helper()
	tc := trigger.Config{Symbol: "TSLA", Upper: decimal.NewFromInt(200), Lower: decimal.NewFromInt(180), Quantity: 10}
	st := state.NewState("TSLA")
	cfg := config.Config{Exchange: "SMART", Currency: "USD", OrderType: "MKT", DryRun: true}
	s := NewHTTPServer(cfg, tc, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, st, ts
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestStatusEndpoints(t *testing.T) {
	_, st, ts := newTestServer(t)
	st.SetConnected(true)
	st.ObserveTick(market.Tick{Symbol: "TSLA", Price: decimal.NewFromInt(201)}, "fired-upper")

	var health map[string]any
	getJSON(t, ts.URL+"/api/health", &health)
	if health["ok"] != true || health["connected"] != true {
		t.Fatalf("health %v", health)
	}

	var snap state.Snapshot
	getJSON(t, ts.URL+"/api/status", &snap)
	if snap.Symbol != "TSLA" || snap.TriggerState != "fired-upper" || !snap.LastPrice.Equal(decimal.NewFromInt(201)) {
		t.Fatalf("status %+v", snap)
	}

	var cfg map[string]any
	getJSON(t, ts.URL+"/api/config", &cfg)
	if cfg["symbol"] != "TSLA" || cfg["upper"] != "200" || cfg["dryRun"] != true {
		t.Fatalf("config %v", cfg)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "feed_connected") {
		t.Fatal("metrics endpoint missing feed_connected")
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	s, _, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var msg struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "snapshot" || msg.Data["symbol"] != "TSLA" {
		t.Fatalf("first message %+v", msg)
	}

	deadline := time.Now().Add(3 * time.Second)
	for s.hub.size() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	in := order.Intent{Side: order.Buy, Symbol: "TSLA", Quantity: 10, TriggerPrice: decimal.NewFromInt(201), Time: time.Now()}
	s.OnIntent(in, order.Receipt{OrderID: "42", Status: "Submitted"}, nil)
	msg.Data = nil
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "intent" || msg.Data["orderId"] != "42" || msg.Data["side"] != "BUY" {
		t.Fatalf("msg %+v", msg)
	}

	s.OnError(errors.New("boom"))
	msg.Data = nil
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "error" || msg.Data["message"] != "boom" {
		t.Fatalf("msg %+v", msg)
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	h := newHub(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	slow := &subscriber{queue: make(chan []byte, 1)}
	fast := &subscriber{queue: make(chan []byte, 4)}
	h.attach(slow)
	h.attach(fast)

	if n := h.publish([]byte("a")); n != 2 {
		t.Fatalf("first publish reached %d", n)
	}
	if n := h.publish([]byte("b")); n != 1 {
		t.Fatalf("second publish reached %d, want only the fast one", n)
	}
	if h.size() != 1 {
		t.Fatalf("size %d", h.size())
	}
	<-slow.queue
	if _, ok := <-slow.queue; ok {
		t.Fatal("dropped subscriber queue should be closed")
	}
	h.detach(slow) // already gone, must not panic
	h.detach(fast)
	if h.size() != 0 {
		t.Fatal("detach left subscriber behind")
	}
}
