package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"threshold-trader/internal/config"
	"threshold-trader/internal/market"
	"threshold-trader/internal/metrics"
	"threshold-trader/internal/order"
	"threshold-trader/internal/state"
	"threshold-trader/internal/trigger"
)

// HTTPServer is the local status surface: JSON endpoints, a WebSocket push
// channel and the Prometheus scrape endpoint.
type HTTPServer struct {
	cfg config.Config
	tc  trigger.Config
	st  *state.State
	hub *hub
	log *slog.Logger
	mux *http.ServeMux
}

func NewHTTPServer(cfg config.Config, tc trigger.Config, st *state.State, logger *slog.Logger) *HTTPServer {
	s := &HTTPServer{
		cfg: cfg,
		tc:  tc,
		st:  st,
		log: logger,
		mux: http.NewServeMux(),
	}
	s.hub = newHub(logger, func() []byte { return marshalWS("snapshot", s.st.Snapshot()) })
	s.routes()
	return s
}

func (s *HTTPServer) Router() http.Handler { return s.mux }

// --------- WS broadcasts (trader.Observer) ----------

func (s *HTTPServer) OnStatus(connected bool) {
	s.broadcast("status", map[string]any{
		"connected": connected,
		"symbol":    s.st.Symbol(),
	})
}

func (s *HTTPServer) OnTick(t market.Tick, st trigger.State) {
	s.broadcast("tick", map[string]any{
		"symbol":       t.Symbol,
		"price":        t.Price,
		"triggerState": st.String(),
		"timeISO":      t.Time.UTC().Format(time.RFC3339Nano),
	})
}

func (s *HTTPServer) OnIntent(in order.Intent, rc order.Receipt, err error) {
	payload := map[string]any{
		"side":         in.Side,
		"symbol":       in.Symbol,
		"quantity":     in.Quantity,
		"triggerPrice": in.TriggerPrice,
		"orderId":      rc.OrderID,
		"status":       rc.Status,
		"timeISO":      in.Time.UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.broadcast("intent", payload)
}

func (s *HTTPServer) OnError(err error) {
	s.broadcast("error", map[string]string{"message": err.Error()})
}

// broadcast never blocks the trading loop.
func (s *HTTPServer) broadcast(t string, v any) {
	if s.hub.size() == 0 {
		return
	}
	n := s.hub.publish(marshalWS(t, v))
	s.log.Debug("ws broadcast", slog.String("type", t), slog.Int("subscribers", n))
}

// --------- Routes ----------

func (s *HTTPServer) routes() {
	s.mux.HandleFunc("/ws", s.hub.serveWS)
	s.mux.HandleFunc("/api/health", s.apiHealth)
	s.mux.HandleFunc("/api/status", s.apiStatus)
	s.mux.HandleFunc("/api/config", s.apiConfig)
	s.mux.Handle("/metrics", metrics.Handler())
}

func (s *HTTPServer) apiHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"ok":        true,
		"connected": s.st.Connected(),
	})
}

func (s *HTTPServer) apiStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.st.Snapshot())
}

func (s *HTTPServer) apiConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"symbol":    s.tc.Symbol,
		"upper":     s.tc.Upper,
		"lower":     s.tc.Lower,
		"quantity":  s.tc.Quantity,
		"exchange":  s.cfg.Exchange,
		"currency":  s.cfg.Currency,
		"orderType": s.cfg.OrderType,
		"dryRun":    s.cfg.DryRun,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
