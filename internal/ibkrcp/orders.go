package ibkrcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"threshold-trader/internal/order"
)

// OrderRequest is one entry of the gateway's place-order payload.
type OrderRequest struct {
	Conid           int64    `json:"conid"`
	COID            string   `json:"cOID,omitempty"`
	OrderType       string   `json:"orderType"`
	ListingExchange string   `json:"listingExchange,omitempty"`
	Side            string   `json:"side"`
	Quantity        int      `json:"quantity"`
	Price           *float64 `json:"price,omitempty"`
	TIF             string   `json:"tif"`
}

// orderReply covers both answers the gateway gives to an order post: either
// the accepted order, or a warning that must be confirmed via /iserver/reply.
type orderReply struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ID          string   `json:"id"`
	Message     []string `json:"message"`
	Error       string   `json:"error"`
}

// maxConfirmations bounds the reply chain; the gateway normally asks for one
// or two precautionary confirmations.
const maxConfirmations = 5

var ErrOrderRejected = errors.New("order rejected by gateway")

// PlaceOrder submits req for acct and answers any precautionary prompts with
// confirmed=true.
func (c *Client) PlaceOrder(ctx context.Context, acct string, req OrderRequest) (order.Receipt, error) {
	body := map[string]any{"orders": []OrderRequest{req}}
	var replies []orderReply
	if err := c.do(ctx, http.MethodPost, "/v1/api/iserver/account/"+acct+"/orders", body, &replies); err != nil {
		return order.Receipt{}, err
	}
	for i := 0; ; i++ {
		if len(replies) == 0 {
			return order.Receipt{}, fmt.Errorf("%w: empty reply", ErrOrderRejected)
		}
		r := replies[0]
		switch {
		case r.Error != "":
			return order.Receipt{}, fmt.Errorf("%w: %s", ErrOrderRejected, r.Error)
		case r.OrderID != "":
			return order.Receipt{OrderID: r.OrderID, Status: r.OrderStatus, OrderType: req.OrderType}, nil
		case r.ID == "":
			return order.Receipt{}, fmt.Errorf("%w: unrecognised reply", ErrOrderRejected)
		}
		if i >= maxConfirmations {
			return order.Receipt{}, fmt.Errorf("%w: too many confirmation prompts", ErrOrderRejected)
		}
		c.logger.Info("confirming order prompt",
			slog.String("reply_id", r.ID),
			slog.String("message", strings.Join(r.Message, " | ")),
		)
		replies = nil
		if err := c.do(ctx, http.MethodPost, "/v1/api/iserver/reply/"+r.ID, map[string]bool{"confirmed": true}, &replies); err != nil {
			return order.Receipt{}, err
		}
	}
}

// OrderSink places intents as DAY orders through the gateway session.
type OrderSink struct {
	client    *Client
	exchange  string
	orderType string
	log       *slog.Logger
}

func NewOrderSink(client *Client, exchange, orderType string, logger *slog.Logger) *OrderSink {
	if orderType == "" {
		orderType = "MKT"
	}
	return &OrderSink{client: client, exchange: exchange, orderType: orderType, log: logger}
}

func (s *OrderSink) OrderType() string { return s.orderType }

func (s *OrderSink) Submit(ctx context.Context, in order.Intent) (order.Receipt, error) {
	if err := order.Check(in); err != nil {
		return order.Receipt{}, err
	}
	acct, err := s.client.GetAccountID(ctx)
	if err != nil {
		return order.Receipt{}, fmt.Errorf("get account id: %w", err)
	}
	conid, err := s.client.ConidForSymbol(ctx, in.Symbol)
	if err != nil {
		return order.Receipt{}, fmt.Errorf("secdef for %s: %w", in.Symbol, err)
	}
	req := BuildOrderRequest(conid, in, s.orderType, s.exchange)
	rc, err := s.client.PlaceOrder(ctx, acct, req)
	if err != nil {
		return order.Receipt{}, err
	}
	s.log.Info("order placed",
		slog.String("order_id", rc.OrderID),
		slog.String("status", rc.Status),
		slog.String("side", in.Side.String()),
		slog.Int("quantity", in.Quantity),
		slog.String("symbol", in.Symbol),
	)
	return rc, nil
}

// BuildOrderRequest maps an intent to the gateway payload. LMT orders are
// limited at the price that triggered them.
func BuildOrderRequest(conid int64, in order.Intent, orderType, exchange string) OrderRequest {
	req := OrderRequest{
		Conid:           conid,
		COID:            clientOrderID(in),
		OrderType:       orderType,
		ListingExchange: exchange,
		Side:            in.Side.String(),
		Quantity:        in.Quantity,
		TIF:             "DAY",
	}
	if orderType == "LMT" {
		p := in.TriggerPrice.Round(2).InexactFloat64()
		req.Price = &p
	}
	return req
}

func clientOrderID(in order.Intent) string {
	return fmt.Sprintf("tt-%s-%s-%d", in.Symbol, strings.ToLower(in.Side.String()), in.Time.UnixMilli())
}

var (
	_ order.Sink  = (*OrderSink)(nil)
	_ order.Typed = (*OrderSink)(nil)
)

func (r OrderRequest) String() string {
	b, _ := json.Marshal(r)
	return string(b)
}
