// Package trigger turns a stream of last-price ticks for one symbol into at
// most one order intent per threshold crossing.
package trigger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"threshold-trader/internal/market"
	"threshold-trader/internal/order"
)

var ErrInvalidConfiguration = errors.New("invalid configuration")

type Config struct {
	Symbol   string
	Upper    decimal.Decimal // BUY at or above
	Lower    decimal.Decimal // SELL at or below
	Quantity int
}

func (c Config) Validate() error {
	if market.CanonicalSymbol(c.Symbol) == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidConfiguration)
	}
	if !c.Lower.IsPositive() || !c.Upper.IsPositive() {
		return fmt.Errorf("%w: bounds must be positive (upper=%s lower=%s)", ErrInvalidConfiguration, c.Upper, c.Lower)
	}
	if c.Upper.LessThanOrEqual(c.Lower) {
		return fmt.Errorf("%w: upper %s must be greater than lower %s", ErrInvalidConfiguration, c.Upper, c.Lower)
	}
	if c.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be >0, got %d", ErrInvalidConfiguration, c.Quantity)
	}
	return nil
}

type State int

const (
	Neutral State = iota
	FiredUpper
	FiredLower
)

func (s State) String() string {
	switch s {
	case FiredUpper:
		return "fired-upper"
	case FiredLower:
		return "fired-lower"
	default:
		return "neutral"
	}
}

// Step is the transition function: given the current state and a tick for
// the configured symbol it returns the next state and, on a fresh crossing,
// the intent to emit. Ticks for other symbols leave the state untouched.
func Step(s State, cfg Config, t market.Tick) (State, *order.Intent) {
	if market.CanonicalSymbol(t.Symbol) != market.CanonicalSymbol(cfg.Symbol) {
		return s, nil
	}
	p := t.Price
	switch {
	case p.GreaterThanOrEqual(cfg.Upper):
		if s == FiredUpper {
			return s, nil
		}
		return FiredUpper, intent(order.Buy, cfg, t)
	case p.LessThanOrEqual(cfg.Lower):
		if s == FiredLower {
			return s, nil
		}
		return FiredLower, intent(order.Sell, cfg, t)
	default:
		// strictly inside the band re-arms both thresholds
		return Neutral, nil
	}
}

func intent(side order.Side, cfg Config, t market.Tick) *order.Intent {
	return &order.Intent{
		Side:         side,
		Symbol:       market.CanonicalSymbol(cfg.Symbol),
		Quantity:     cfg.Quantity,
		TriggerPrice: t.Price,
		Time:         t.Time,
	}
}

// Evaluator owns the trigger state for one configured symbol. It is not safe
// for concurrent use; feed it ticks in arrival order from a single goroutine.
type Evaluator struct {
	cfg   Config
	state State
}

func New(cfg Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Symbol = market.CanonicalSymbol(cfg.Symbol)
	return &Evaluator{cfg: cfg}, nil
}

// OnTick applies one tick and reports the intent to emit, if any.
func (e *Evaluator) OnTick(t market.Tick) (order.Intent, bool) {
	next, in := Step(e.state, e.cfg, t)
	e.state = next
	if in == nil {
		return order.Intent{}, false
	}
	return *in, true
}

func (e *Evaluator) State() State   { return e.state }
func (e *Evaluator) Config() Config { return e.cfg }
