// Package trader wires the price feed, the threshold evaluator and the order
// sink into a single ordered processing loop.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"threshold-trader/internal/ibkrcp"
	"threshold-trader/internal/market"
	"threshold-trader/internal/metrics"
	"threshold-trader/internal/order"
	"threshold-trader/internal/state"
	"threshold-trader/internal/tradelog"
	"threshold-trader/internal/trigger"
)

// Observer is notified of everything the loop sees. Calls come from the
// runner goroutine and must not block for long.
type Observer interface {
	OnStatus(connected bool)
	OnTick(t market.Tick, st trigger.State)
	OnIntent(in order.Intent, rc order.Receipt, err error)
	OnError(err error)
}

type Recorder interface {
	Record(e tradelog.Event) error
}

// Follower reports fills for orders the sink has accepted.
type Follower interface {
	Run(ctx context.Context)
	Track(in order.Intent, rc order.Receipt)
	Executions() <-chan order.Execution
}

type Options struct {
	State        *state.State
	Recorder     Recorder
	Observer     Observer
	Follower     Follower
	OrderTimeout time.Duration
}

type Runner struct {
	ev   *trigger.Evaluator
	feed ibkrcp.PriceFeed
	sink order.Sink
	log  *slog.Logger
	opts Options
}

func NewRunner(ev *trigger.Evaluator, feed ibkrcp.PriceFeed, sink order.Sink, logger *slog.Logger, opts Options) *Runner {
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = 10 * time.Second
	}
	if opts.State == nil {
		opts.State = state.NewState(ev.Config().Symbol)
	}
	return &Runner{ev: ev, feed: feed, sink: sink, log: logger, opts: opts}
}

// Run starts the feed and processes its ticks in arrival order until ctx is
// cancelled or the feed closes its updates channel.
func (r *Runner) Run(ctx context.Context) error {
	go r.feed.Run(ctx, r.onStatus)

	var execs <-chan order.Execution
	if f := r.opts.Follower; f != nil {
		go f.Run(ctx)
		execs = f.Executions()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-r.feed.Updates():
			if !ok {
				return nil
			}
			r.handleTick(ctx, t)
		case err := <-r.feed.Errors():
			if err != nil {
				r.handleFeedError(err)
			}
		case e := <-execs:
			r.handleExecution(e)
		}
	}
}

func (r *Runner) onStatus(connected bool) {
	r.opts.State.SetConnected(connected)
	if connected {
		metrics.FeedConnected.Set(1)
	} else {
		metrics.FeedConnected.Set(0)
	}
	if r.opts.Observer != nil {
		r.opts.Observer.OnStatus(connected)
	}
}

func (r *Runner) handleFeedError(err error) {
	if errors.Is(err, market.ErrMalformedTick) {
		r.dropMalformed(err)
		return
	}
	r.log.Error("price feed error", slog.String("err", err.Error()))
	r.opts.State.RecordError(err.Error())
	if r.opts.Observer != nil {
		r.opts.Observer.OnError(err)
	}
}

func (r *Runner) dropMalformed(err error) {
	sym := r.ev.Config().Symbol
	r.log.Warn("dropping malformed tick", slog.String("symbol", sym), slog.String("err", err.Error()))
	r.opts.State.RecordMalformed()
	metrics.MalformedTicksTotal.WithLabelValues(sym).Inc()
}

func (r *Runner) handleTick(ctx context.Context, t market.Tick) {
	if err := market.Validate(t); err != nil {
		r.dropMalformed(err)
		return
	}
	cfg := r.ev.Config()
	if market.CanonicalSymbol(t.Symbol) != cfg.Symbol {
		r.log.Debug("ignoring tick for other symbol", slog.String("symbol", t.Symbol))
		return
	}
	metrics.TicksTotal.WithLabelValues(cfg.Symbol).Inc()
	metrics.LastPrice.WithLabelValues(cfg.Symbol).Set(t.Price.InexactFloat64())

	in, fire := r.ev.OnTick(t)
	st := r.ev.State()
	r.opts.State.ObserveTick(t, st.String())
	r.log.Debug("tick", slog.String("symbol", cfg.Symbol), slog.String("price", t.Price.String()), slog.String("state", st.String()))
	if r.opts.Observer != nil {
		r.opts.Observer.OnTick(t, st)
	}
	if !fire {
		return
	}
	r.submit(ctx, in)
}

func (r *Runner) submit(ctx context.Context, in order.Intent) {
	cfg := r.ev.Config()
	bound := cfg.Upper
	if in.Side == order.Sell {
		bound = cfg.Lower
	}
	r.log.Info("threshold crossed",
		slog.String("symbol", in.Symbol),
		slog.String("side", in.Side.String()),
		slog.String("price", in.TriggerPrice.String()),
		slog.String("bound", bound.String()),
		slog.Int("quantity", in.Quantity),
	)
	r.opts.State.RecordIntent(in)
	metrics.IntentsTotal.WithLabelValues(in.Symbol, in.Side.String()).Inc()

	sctx, cancel := context.WithTimeout(ctx, r.opts.OrderTimeout)
	rc, err := r.sink.Submit(sctx, in)
	cancel()

	ev := tradelog.Event{
		Time:         time.Now(),
		Action:       in.Side.String(),
		OrderType:    rc.OrderType,
		TriggerPrice: in.TriggerPrice,
	}
	if ev.OrderType == "" {
		ev.OrderType = order.TypeOf(r.sink)
	}
	if err != nil {
		r.log.Error("order submission failed", slog.String("side", in.Side.String()), slog.String("err", err.Error()))
		metrics.OrdersTotal.WithLabelValues(in.Symbol, in.Side.String(), "error").Inc()
		r.opts.State.RecordError(err.Error())
		ev.Type, ev.Status = "Rejected", "Error"
		ev.Message = err.Error()
	} else {
		metrics.OrdersTotal.WithLabelValues(in.Symbol, in.Side.String(), "placed").Inc()
		ev.Type, ev.Status, ev.OrderID = "Placed", rc.Status, rc.OrderID
		ev.Message = fmt.Sprintf("%s order placed, price %s crossed %s", in.Side, in.TriggerPrice, bound)
		if r.opts.Follower != nil {
			r.opts.Follower.Track(in, rc)
		}
	}
	r.record(ev)
	if r.opts.Observer != nil {
		r.opts.Observer.OnIntent(in, rc, err)
	}
}

func (r *Runner) handleExecution(e order.Execution) {
	in := e.Intent
	ev := tradelog.Event{
		Time:         e.Time,
		OrderID:      e.OrderID,
		Action:       in.Side.String(),
		OrderType:    order.TypeOf(r.sink),
		TriggerPrice: in.TriggerPrice,
		FillQuantity: e.Delta,
		Status:       e.Status,
	}
	kind := "partial"
	switch {
	case e.Complete():
		kind = "executed"
		ev.Type = "Executed"
	case e.Delta > 0:
		ev.Type = "PartialFill"
	default:
		kind = "cancelled"
		ev.Type = "Cancelled"
	}
	if e.Delta > 0 || e.Complete() {
		p := e.AvgPrice
		ev.ExecutedPrice = &p
	}
	ev.Message = fmt.Sprintf("%s %d/%d %s, avg %s", in.Side, e.Filled, in.Quantity, in.Symbol, e.AvgPrice)
	r.log.Info("order execution",
		slog.String("order_id", e.OrderID),
		slog.String("type", ev.Type),
		slog.Int("filled", e.Filled),
		slog.Int("quantity", in.Quantity),
		slog.String("avg_price", e.AvgPrice.String()),
	)
	metrics.ExecutionsTotal.WithLabelValues(in.Symbol, in.Side.String(), kind).Inc()
	r.record(ev)
}

func (r *Runner) record(ev tradelog.Event) {
	if r.opts.Recorder == nil {
		return
	}
	if err := r.opts.Recorder.Record(ev); err != nil {
		r.log.Warn("trade log write failed", slog.String("err", err.Error()))
	}
}
