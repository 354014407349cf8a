package market

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedTick marks an inbound price event that cannot be evaluated.
var ErrMalformedTick = errors.New("malformed tick")

// Tick is a single last-price observation for one instrument.
type Tick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`
}

// CanonicalSymbol trims and upper-cases a ticker so "tsla " and "TSLA" compare equal.
func CanonicalSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Validate rejects ticks without a symbol or with a non-positive price.
func Validate(t Tick) error {
	if CanonicalSymbol(t.Symbol) == "" {
		return fmt.Errorf("%w: missing symbol", ErrMalformedTick)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("%w: non-positive price %s for %s", ErrMalformedTick, t.Price.String(), t.Symbol)
	}
	return nil
}

// ParsePrice decodes a gateway price string. The gateway prefixes some values
// with a marker letter ("C" for prior close, "H" for halted); those are stripped.
func ParsePrice(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimLeft(s, "CH")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty price", ErrMalformedTick)
	}
	p, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: price %q: %v", ErrMalformedTick, raw, err)
	}
	return p, nil
}
