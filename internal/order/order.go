package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) String() string { return string(s) }

// Intent is the instruction to trade a fixed quantity, independent of how it is executed.
type Intent struct {
	Side         Side            `json:"side"`
	Symbol       string          `json:"symbol"`
	Quantity     int             `json:"quantity"`
	TriggerPrice decimal.Decimal `json:"triggerPrice"` // price of the tick that crossed the bound
	Time         time.Time       `json:"time"`
}

func (i Intent) String() string {
	return fmt.Sprintf("%s %d %s @ %s", i.Side, i.Quantity, i.Symbol, i.TriggerPrice.String())
}

// Receipt is what a sink reports back after accepting an intent.
type Receipt struct {
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
	OrderType string `json:"orderType"`
}

// Sink places orders for intents. Callers do not await execution.
type Sink interface {
	Submit(ctx context.Context, in Intent) (Receipt, error)
}

var ErrInvalidIntent = errors.New("invalid order intent")

// Check rejects intents no broker would accept.
func Check(in Intent) error {
	if in.Side != Buy && in.Side != Sell {
		return fmt.Errorf("%w: side %q", ErrInvalidIntent, in.Side)
	}
	if in.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidIntent)
	}
	if in.Quantity <= 0 {
		return fmt.Errorf("%w: quantity %d", ErrInvalidIntent, in.Quantity)
	}
	return nil
}

// Typed is implemented by sinks that know which order type they place, so
// failed submissions can still be logged with it.
type Typed interface {
	OrderType() string
}

// TypeOf reports the order type s places, or "" when it does not say.
func TypeOf(s Sink) string {
	if t, ok := s.(Typed); ok {
		return t.OrderType()
	}
	return ""
}

// DryRun logs intents instead of sending them anywhere.
type DryRun struct {
	log *slog.Logger
	msg string
	seq atomic.Int64
}

func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{log: logger, msg: "dry-run order"}
}

// NewShadow is a DryRun that logs under a different message; it is meant to
// sit behind a FanOut next to a live sink.
func NewShadow(logger *slog.Logger) *DryRun {
	return &DryRun{log: logger, msg: "shadow order"}
}

func (d *DryRun) OrderType() string { return "MKT" }

func (d *DryRun) Submit(_ context.Context, in Intent) (Receipt, error) {
	if err := Check(in); err != nil {
		return Receipt{}, err
	}
	id := fmt.Sprintf("dry-%d", d.seq.Add(1))
	d.log.Info(d.msg,
		slog.String("order_id", id),
		slog.String("side", in.Side.String()),
		slog.String("symbol", in.Symbol),
		slog.Int("quantity", in.Quantity),
		slog.String("trigger_price", in.TriggerPrice.String()),
	)
	return Receipt{OrderID: id, Status: "DryRun", OrderType: d.OrderType()}, nil
}

// FanOut submits to a primary sink and mirrors every intent to secondary
// sinks. Only the primary's receipt and error reach the caller; mirror
// failures are logged.
type FanOut struct {
	primary Sink
	mirrors []Sink
	log     *slog.Logger
}

func NewFanOut(logger *slog.Logger, primary Sink, mirrors ...Sink) *FanOut {
	return &FanOut{primary: primary, mirrors: mirrors, log: logger}
}

func (f *FanOut) Submit(ctx context.Context, in Intent) (Receipt, error) {
	rc, err := f.primary.Submit(ctx, in)
	for i, m := range f.mirrors {
		if _, merr := m.Submit(ctx, in); merr != nil {
			f.log.Warn("mirror sink failed",
				slog.Int("mirror", i),
				slog.String("intent", in.String()),
				slog.String("err", merr.Error()),
			)
		}
	}
	return rc, err
}

func (f *FanOut) OrderType() string { return TypeOf(f.primary) }

// Execution reports progress of a placed order: a partial or complete fill, or
// a terminal status without further fills.
type Execution struct {
	OrderID  string          `json:"orderId"`
	Intent   Intent          `json:"intent"`
	Status   string          `json:"status"`
	AvgPrice decimal.Decimal `json:"avgPrice"`
	Filled   int             `json:"filled"` // cumulative
	Delta    int             `json:"delta"`  // filled since the previous report
	Time     time.Time       `json:"time"`
}

// Complete is true once the whole intent quantity has filled.
func (e Execution) Complete() bool { return e.Filled >= e.Intent.Quantity }

var (
	_ Sink  = (*DryRun)(nil)
	_ Sink  = (*FanOut)(nil)
	_ Typed = (*FanOut)(nil)
)
