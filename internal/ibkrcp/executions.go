package ibkrcp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"threshold-trader/internal/order"
)

// ExecutionFollower polls the gateway for the status of orders placed by
// OrderSink and reports fills until each order is done.
type ExecutionFollower struct {
	client *Client
	log    *slog.Logger
	every  time.Duration

	mu      sync.Mutex
	pending map[string]*tracked

	out chan order.Execution
}

type tracked struct {
	in     order.Intent
	filled int
}

func NewExecutionFollower(client *Client, logger *slog.Logger, every time.Duration) *ExecutionFollower {
	if every <= 0 {
		every = 2 * time.Second
	}
	return &ExecutionFollower{
		client:  client,
		log:     logger,
		every:   every,
		pending: map[string]*tracked{},
		out:     make(chan order.Execution, 64),
	}
}

func (f *ExecutionFollower) Executions() <-chan order.Execution { return f.out }

// Track starts following rc.OrderID. Receipts without an id are ignored.
func (f *ExecutionFollower) Track(in order.Intent, rc order.Receipt) {
	if rc.OrderID == "" {
		return
	}
	f.mu.Lock()
	f.pending[rc.OrderID] = &tracked{in: in}
	f.mu.Unlock()
}

// Pending returns the number of orders still being followed.
func (f *ExecutionFollower) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Run polls until ctx is cancelled.
func (f *ExecutionFollower) Run(ctx context.Context) {
	t := time.NewTicker(f.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.poll(ctx)
		}
	}
}

func (f *ExecutionFollower) poll(ctx context.Context) {
	f.mu.Lock()
	ids := make([]string, 0, len(f.pending))
	for id := range f.pending {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		st, err := f.client.OrderStatus(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.log.Warn("order status", slog.String("order_id", id), slog.String("err", err.Error()))
			continue
		}
		f.mu.Lock()
		tr, ok := f.pending[id]
		if !ok {
			f.mu.Unlock()
			continue
		}
		filled := int(st.CumFill.IntPart())
		delta := filled - tr.filled
		terminal := isTerminal(st.Status)
		if delta <= 0 && !terminal {
			f.mu.Unlock()
			continue
		}
		tr.filled = max(filled, tr.filled)
		exec := order.Execution{
			OrderID:  id,
			Intent:   tr.in,
			Status:   st.Status,
			AvgPrice: st.AvgPrice.Decimal,
			Filled:   tr.filled,
			Delta:    max(delta, 0),
			Time:     time.Now(),
		}
		if terminal || exec.Complete() {
			delete(f.pending, id)
		}
		f.mu.Unlock()

		select {
		case f.out <- exec:
		case <-ctx.Done():
			return
		}
	}
}

func isTerminal(status string) bool {
	switch strings.ToLower(status) {
	case "filled", "cancelled", "inactive":
		return true
	}
	return false
}

// OrderStatusReply is the subset of /iserver/account/order/status the
// follower needs. Quantities and prices come back as strings or numbers
// depending on the gateway build.
type OrderStatusReply struct {
	Status   string      `json:"order_status"`
	CumFill  flexDecimal `json:"cum_fill"`
	Total    flexDecimal `json:"total_size"`
	AvgPrice flexDecimal `json:"average_price"`
}

// OrderStatus fetches the current status of a gateway order id.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (OrderStatusReply, error) {
	var v OrderStatusReply
	if err := c.do(ctx, http.MethodGet, "/v1/api/iserver/account/order/status/"+url.PathEscape(orderID), nil, &v); err != nil {
		return v, err
	}
	return v, nil
}

// flexDecimal accepts "12.5", 12.5, "" and null.
type flexDecimal struct{ decimal.Decimal }

func (d *flexDecimal) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		d.Decimal = decimal.Zero
		return nil
	}
	v, err := decimal.NewFromString(string(b))
	if err != nil {
		return fmt.Errorf("decimal %q: %w", b, err)
	}
	d.Decimal = v
	return nil
}
