package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzyats/core-offline-go/internal/metrics"
	"github.com/lzyats/core-offline-go/pkg/event"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Conn struct {
	ID int64
	WS *websocket.Conn
	// bounded outbound queue (backpressure)
	Out chan []byte
}

// Hub broadcasts bus events to every connected page client.
type Hub struct {
	mu    sync.RWMutex
	conns map[int64]*Conn
	seq   atomic.Int64

	buffer       int
	writeTimeout time.Duration
	log          *zap.Logger
}

func New(buffer int, writeTimeout time.Duration, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{conns: make(map[int64]*Conn), buffer: buffer, writeTimeout: writeTimeout, log: log}
}

func (h *Hub) Set(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	n := len(h.conns)
	h.mu.Unlock()
	metrics.EventClients.Set(float64(n))
}

func (h *Hub) Del(id int64) {
	h.mu.Lock()
	if c, ok := h.conns[id]; ok {
		close(c.Out)
		delete(h.conns, id)
	}
	n := len(h.conns)
	h.mu.Unlock()
	metrics.EventClients.Set(float64(n))
}

func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return n
}

// Broadcast queues b on every connection; a full queue drops the frame
// for that connection only.
func (h *Hub) Broadcast(b []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		select {
		case c.Out <- b:
		default:
			metrics.EventDrops.Inc()
		}
	}
}

// Publish is an event.Handler.
func (h *Hub) Publish(e event.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	h.Broadcast(b)
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{ID: h.seq.Add(1), WS: ws, Out: make(chan []byte, h.buffer)}
	h.Set(c)
	h.log.Debug("event client connected", zap.Int64("conn", c.ID), zap.String("remote", r.RemoteAddr))

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *Conn) {
	defer func() { _ = c.WS.Close() }()
	for b := range c.Out {
		_ = c.WS.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := c.WS.WriteMessage(websocket.TextMessage, b); err != nil {
			h.Del(c.ID)
			return
		}
	}
}

// readLoop only drains control frames; clients never send us data.
func (h *Hub) readLoop(c *Conn) {
	for {
		if _, _, err := c.WS.ReadMessage(); err != nil {
			h.Del(c.ID)
			return
		}
	}
}
