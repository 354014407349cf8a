package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"threshold-trader/internal/market"
	"threshold-trader/internal/order"
)

// State is the runtime snapshot shared between the trading loop (writer) and
// the status server (reader).
type State struct {
	symbol string

	connected atomic.Bool
	intents   atomic.Int64
	malformed atomic.Int64

	mu         sync.RWMutex
	lastPrice  decimal.Decimal
	lastTickAt time.Time
	trigger    string
	lastIntent *order.Intent
	lastErr    string
}

func NewState(symbol string) *State {
	return &State{
		symbol:  market.CanonicalSymbol(symbol),
		trigger: "neutral",
	}
}

func (s *State) Symbol() string { return s.symbol }

func (s *State) SetConnected(v bool) { s.connected.Store(v) }
func (s *State) Connected() bool     { return s.connected.Load() }

// ObserveTick records the latest accepted price and the trigger state after it.
func (s *State) ObserveTick(t market.Tick, trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPrice = t.Price
	s.lastTickAt = t.Time
	s.trigger = trigger
}

func (s *State) RecordIntent(in order.Intent) {
	s.intents.Add(1)
	s.mu.Lock()
	s.lastIntent = &in
	s.mu.Unlock()
}

func (s *State) RecordMalformed() { s.malformed.Add(1) }

func (s *State) RecordError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy suitable for JSON.
type Snapshot struct {
	Symbol         string          `json:"symbol"`
	Connected      bool            `json:"connected"`
	LastPrice      decimal.Decimal `json:"lastPrice"`
	LastTickAt     time.Time       `json:"lastTickAt"`
	TriggerState   string          `json:"triggerState"`
	IntentsEmitted int64           `json:"intentsEmitted"`
	MalformedTicks int64           `json:"malformedTicks"`
	LastIntent     *order.Intent   `json:"lastIntent,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Symbol:         s.symbol,
		Connected:      s.connected.Load(),
		LastPrice:      s.lastPrice,
		LastTickAt:     s.lastTickAt,
		TriggerState:   s.trigger,
		IntentsEmitted: s.intents.Load(),
		MalformedTicks: s.malformed.Load(),
		LastError:      s.lastErr,
	}
	if s.lastIntent != nil {
		in := *s.lastIntent
		snap.LastIntent = &in
	}
	return snap
}
