package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Count of price ticks evaluated"},
		[]string{"symbol"},
	)
	MalformedTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "malformed_ticks_total", Help: "Ticks dropped as malformed"},
		[]string{"symbol"},
	)
	IntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_intents_total", Help: "Threshold crossings that produced an order intent"},
		[]string{"symbol", "side"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Order submissions by outcome"},
		[]string{"symbol", "side", "outcome"},
	)
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_executions_total", Help: "Fill reports for placed orders by kind (partial, executed, cancelled)"},
		[]string{"symbol", "side", "kind"},
	)
	LastPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "last_price", Help: "Last accepted price"},
		[]string{"symbol"},
	)
	FeedConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "feed_connected", Help: "1 while the price feed is subscribed"},
	)
)

func init() {
	prometheus.MustRegister(TicksTotal, MalformedTicksTotal, IntentsTotal, OrdersTotal, ExecutionsTotal, LastPrice, FeedConnected)
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
