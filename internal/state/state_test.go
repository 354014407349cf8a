package state

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"threshold-trader/internal/market"
	"threshold-trader/internal/order"
)

func TestSymbolNormalization(t *testing.T) {
	s := NewState(" tsla ")
	if s.Symbol() != "TSLA" {
		t.Fatalf("got %s want TSLA", s.Symbol())
	}
	if s.Snapshot().TriggerState != "neutral" {
		t.Fatal("initial trigger state should be neutral")
	}
}

func TestSnapshot(t *testing.T) {
	s := NewState("TSLA")
	now := time.Now()
	s.SetConnected(true)
	s.ObserveTick(market.Tick{Symbol: "TSLA", Price: decimal.NewFromInt(201), Time: now}, "fired-upper")
	in := order.Intent{Side: order.Buy, Symbol: "TSLA", Quantity: 10}
	s.RecordIntent(in)
	s.RecordMalformed()
	s.RecordError("ws read: EOF")

	snap := s.Snapshot()
	if !snap.Connected || snap.TriggerState != "fired-upper" || !snap.LastPrice.Equal(decimal.NewFromInt(201)) {
		t.Fatalf("snapshot %+v", snap)
	}
	if snap.IntentsEmitted != 1 || snap.MalformedTicks != 1 || snap.LastError != "ws read: EOF" {
		t.Fatalf("counters %+v", snap)
	}
	if snap.LastIntent == nil || snap.LastIntent.Side != order.Buy {
		t.Fatalf("last intent %+v", snap.LastIntent)
	}

	// snapshot must not alias internal state
	snap.LastIntent.Quantity = 99
	if s.Snapshot().LastIntent.Quantity != 10 {
		t.Fatal("snapshot aliases last intent")
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewState("TSLA")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.ObserveTick(market.Tick{Symbol: "TSLA", Price: decimal.NewFromInt(int64(i + 1))}, "neutral")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = s.Snapshot()
		}
	}()
	wg.Wait()
}
