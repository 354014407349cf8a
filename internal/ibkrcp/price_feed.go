package ibkrcp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"threshold-trader/internal/market"
)

// PriceFeed delivers last-price ticks for one symbol.
type PriceFeed interface {
	Run(ctx context.Context, onStatus func(connected bool))
	Updates() <-chan market.Tick
	Errors() <-chan error
	Connected() bool
	Close()
}

// fieldLast is the market-data field id for the last traded price.
const fieldLast = "31"

// GatewayPriceFeed streams last prices from the Client Portal Gateway
// WebSocket, reconnecting and resubscribing with capped backoff.
type GatewayPriceFeed struct {
	client *Client
	log    *slog.Logger
	symbol string

	mu        sync.RWMutex
	conid     int64
	connected bool

	wmu    sync.Mutex // gorilla allows one concurrent writer
	wsConn *websocket.Conn

	updCh chan market.Tick
	errCh chan error

	cancel context.CancelFunc
}

func NewGatewayPriceFeed(client *Client, symbol string, logger *slog.Logger) *GatewayPriceFeed {
	return &GatewayPriceFeed{
		client: client,
		log:    logger,
		symbol: market.CanonicalSymbol(symbol),
		updCh:  make(chan market.Tick, 1024),
		errCh:  make(chan error, 16),
	}
}

func (f *GatewayPriceFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *GatewayPriceFeed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *GatewayPriceFeed) Updates() <-chan market.Tick { return f.updCh }
func (f *GatewayPriceFeed) Errors() <-chan error        { return f.errCh }

// Close stops Run; Run closes the updates channel on its way out.
func (f *GatewayPriceFeed) Close() {
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.wmu.Lock()
	if f.wsConn != nil {
		_ = f.wsConn.Close()
	}
	f.wmu.Unlock()
}

// Run blocks until ctx is cancelled or Close is called.
func (f *GatewayPriceFeed) Run(ctx context.Context, onStatus func(connected bool)) {
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()
	defer close(f.updCh)

	backoff := time.Second
	fail := func(err error) bool {
		onStatus(false)
		f.setConnected(false)
		f.emitErr(err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
		return true
	}

	for ctx.Err() == nil {
		// 1) Ensure HTTP session (re)established
		if err := f.client.Connect(ctx); err != nil {
			if !fail(fmt.Errorf("connect: %w", err)) {
				return
			}
			continue
		}

		// 2) Resolve conid
		conid, err := f.client.ConidForSymbol(ctx, f.symbol)
		if err != nil {
			if !fail(fmt.Errorf("secdef for %s: %w", f.symbol, err)) {
				return
			}
			continue
		}
		f.mu.Lock()
		f.conid = conid
		f.mu.Unlock()

		// 3) Open WebSocket and subscribe
		ws, err := f.openWS(ctx)
		if err != nil {
			if !fail(fmt.Errorf("ws open: %w", err)) {
				return
			}
			continue
		}
		if err := f.subscribe(conid); err != nil {
			_ = ws.Close()
			if !fail(fmt.Errorf("subscribe %s: %w", f.symbol, err)) {
				return
			}
			continue
		}
		f.setConnected(true)
		onStatus(true)
		backoff = time.Second
		f.log.Info("price feed subscribed", slog.String("symbol", f.symbol), slog.Int64("conid", conid))

		// 4) Read pump
		if err := f.readLoop(ctx, ws, conid); err != nil && ctx.Err() == nil {
			if !fail(err) {
				return
			}
		}
	}
	onStatus(false)
	f.setConnected(false)
}

func (f *GatewayPriceFeed) openWS(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(f.client.BaseURL())
	if err != nil {
		return nil, err
	}
	if u.Scheme == "http" {
		u.Scheme = "ws"
	} else {
		u.Scheme = "wss"
	}
	u.Path = "/v1/api/ws"
	d := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true}, // #nosec G402 local gateway
		HandshakeTimeout: 10 * time.Second,
		Jar:              f.client.Jar(),
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, "tcp4", addr)
		},
	}
	ws, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	// Authenticate the socket with the current session id.
	sid, _ := f.client.Tickle(ctx)
	if sid == "" {
		sid = f.client.SessionID()
	}
	f.wmu.Lock()
	f.wsConn = ws
	if sid != "" {
		b, _ := json.Marshal(map[string]string{"session": sid})
		_ = ws.WriteMessage(websocket.TextMessage, b)
	}
	f.wmu.Unlock()
	return ws, nil
}

func subscribeTopic(conid int64) string {
	return fmt.Sprintf(`smd+%d+{"fields":["%s"]}`, conid, fieldLast)
}

func (f *GatewayPriceFeed) subscribe(conid int64) error {
	return f.write(websocket.TextMessage, []byte(subscribeTopic(conid)))
}

func (f *GatewayPriceFeed) write(mt int, b []byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if f.wsConn == nil {
		return websocket.ErrCloseSent
	}
	_ = f.wsConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return f.wsConn.WriteMessage(mt, b)
}

func (f *GatewayPriceFeed) readLoop(ctx context.Context, ws *websocket.Conn, conid int64) error {
	defer func() {
		f.wmu.Lock()
		_ = ws.Close()
		if f.wsConn == ws {
			f.wsConn = nil
		}
		f.wmu.Unlock()
	}()

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Keepalive: the gateway expects "tic" roughly once a minute.
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(25 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_ = f.write(websocket.TextMessage, []byte("tic"))
				f.wmu.Lock()
				_ = ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
				f.wmu.Unlock()
			case <-done:
				return
			case <-ctx.Done():
				_ = ws.Close()
				return
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))

		tk, ok, err := decodeMarketData(data, conid, f.symbol)
		if err != nil {
			f.emitErr(err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case f.updCh <- tk:
		case <-ctx.Done():
			return nil
		}
	}
}

// decodeMarketData turns an smd+<conid> message into a tick. Messages for other
// topics (system, heartbeats, acks) and updates without a last price report ok=false.
func decodeMarketData(data []byte, conid int64, symbol string) (market.Tick, bool, error) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return market.Tick{}, false, nil
	}
	var topic string
	_ = json.Unmarshal(msg["topic"], &topic)
	if topic != "smd+"+strconv.FormatInt(conid, 10) {
		return market.Tick{}, false, nil
	}
	raw, ok := msg[fieldLast]
	if !ok {
		return market.Tick{}, false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// some builds send the field as a bare number
		s = string(raw)
	}
	price, err := market.ParsePrice(s)
	if err != nil {
		return market.Tick{}, false, fmt.Errorf("%s: %w", symbol, err)
	}
	ts := time.Now()
	var updated int64
	if json.Unmarshal(msg["_updated"], &updated) == nil && updated > 0 {
		ts = time.UnixMilli(updated)
	}
	return market.Tick{Symbol: symbol, Price: price, Time: ts}, true, nil
}

func (f *GatewayPriceFeed) emitErr(err error) {
	select {
	case f.errCh <- err:
	default:
		// drop if buffer full
	}
}

// ---------- Test/mock feed (handy for integration tests & demos) ----------

type MockPriceFeed struct {
	updates   chan market.Tick
	errors    chan error
	connected bool
	once      sync.Once
}

func NewMockPriceFeed() *MockPriceFeed {
	return &MockPriceFeed{
		updates:   make(chan market.Tick, 64),
		errors:    make(chan error, 16),
		connected: true,
	}
}

func (m *MockPriceFeed) Run(ctx context.Context, onStatus func(connected bool)) {
	onStatus(m.connected)
	<-ctx.Done()
}

func (m *MockPriceFeed) Updates() <-chan market.Tick { return m.updates }
func (m *MockPriceFeed) Errors() <-chan error        { return m.errors }
func (m *MockPriceFeed) Connected() bool             { return m.connected }

func (m *MockPriceFeed) Close() {
	m.once.Do(func() { close(m.updates) })
}

// Helpers for tests
func (m *MockPriceFeed) SendTick(t market.Tick) { m.updates <- t }
func (m *MockPriceFeed) SendError(e error)      { m.errors <- e }

var (
	_ PriceFeed = (*GatewayPriceFeed)(nil)
	_ PriceFeed = (*MockPriceFeed)(nil)
)
