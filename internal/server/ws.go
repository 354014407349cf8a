package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingEvery    = 25 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	sendQueue    = 64
)

// wsMessage is the envelope for every push: {"type": ..., "data": ...}.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func marshalWS(t string, v any) []byte {
	b, _ := json.Marshal(wsMessage{Type: t, Data: v})
	return b
}

// hub is the set of connected status subscribers. publish never blocks: a
// subscriber whose queue is full is dropped and its socket closed.
type hub struct {
	logger *slog.Logger
	hello  func() []byte // first message for a new subscriber; may be nil

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte
}

func newHub(logger *slog.Logger, hello func() []byte) *hub {
	return &hub{logger: logger, hello: hello, subs: map[*subscriber]struct{}{}}
}

func (h *hub) attach(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug("ws subscriber attached", slog.Int("subscribers", n))
}

// detach removes s and closes its queue, which ends its writer. Safe to call
// more than once.
func (h *hub) detach(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.queue)
	}
}

// publish queues msg for every subscriber and reports how many took it.
func (h *hub) publish(msg []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for s := range h.subs {
		select {
		case s.queue <- msg:
			n++
		default:
			delete(h.subs, s)
			close(s.queue)
			h.logger.Warn("ws subscriber too slow, dropped")
		}
	}
	return n
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  4096,
	CheckOrigin:      func(r *http.Request) bool { return true }, // bound to 127.0.0.1
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade", slog.String("err", err.Error()))
		return
	}
	s := &subscriber{conn: conn, queue: make(chan []byte, sendQueue)}
	if h.hello != nil {
		s.queue <- h.hello()
	}
	h.attach(s)
	go h.writeLoop(s)
	go h.readLoop(s)
}

// readLoop discards client frames; it exists to process pongs and to notice
// the peer going away.
func (h *hub) readLoop(s *subscriber) {
	defer func() {
		h.detach(s)
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the only writer on s.conn. It drains the queue and pings on a
// timer; a closed queue sends a close frame.
func (h *hub) writeLoop(s *subscriber) {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = s.conn.Close()
	}()
	for {
		var (
			mt   = websocket.TextMessage
			body []byte
		)
		select {
		case msg, ok := <-s.queue:
			if !ok {
				mt = websocket.CloseMessage
			}
			body = msg
		case <-ping.C:
			mt = websocket.PingMessage
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(mt, body); err != nil || mt == websocket.CloseMessage {
			return
		}
	}
}
