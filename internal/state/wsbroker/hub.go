// Package wsbroker bridges the broker channels across process instances
// over websocket. The elected writer hosts the hub; every other instance
// connects as a peer, submits orders upstream, and receives the event
// fan-out.
package wsbroker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/state"
	"proxyfleet/internal/state/membroker"
)

// envelope is the wire frame exchanged between hub and peers.
type envelope struct {
	Type  string       `json:"type"` // "order" or "event"
	Order *state.Order `json:"order,omitempty"`
	Event *state.Event `json:"event,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Hub implements state.Broker for the writer instance. Local components
// go through the embedded in-process broker; remote peers are folded into
// the same streams.
type Hub struct {
	inner *membroker.Broker

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex // per-conn write lock

	server *http.Server
}

func NewHub(listen string, replayLimit int) *Hub {
	h := &Hub{
		inner:   membroker.New(replayLimit),
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	h.server = &http.Server{Addr: listen, Handler: mux}
	return h
}

// Run serves peer connections until the listener is closed.
func (h *Hub) Run() error {
	l := logger.WithComponent("State/WSHub")
	l.Info().Str("listen", h.server.Addr).Msg("Broker hub listening.")
	err := h.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	l := logger.WithComponent("State/WSHub")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("Websocket upgrade failed.")
		return
	}
	l.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("Peer registered.")

	writeLock := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = writeLock
	h.mu.Unlock()

	// Late joiners replay recent history before the live stream.
	for _, e := range h.inner.Replay() {
		ev := e
		if err := h.writeTo(conn, writeLock, envelope{Type: "event", Event: &ev}); err != nil {
			break
		}
	}

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		if env.Type == "order" && env.Order != nil {
			if err := h.inner.SubmitOrder(r.Context(), *env.Order); err != nil {
				l.Warn().Err(err).Msg("Failed to enqueue peer order.")
			}
		}
	}

	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
	l.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("Peer unregistered.")
}

func (h *Hub) writeTo(conn *websocket.Conn, lock *sync.Mutex, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) SubmitOrder(ctx context.Context, o state.Order) error {
	return h.inner.SubmitOrder(ctx, o)
}

func (h *Hub) Orders(ctx context.Context) (<-chan state.Order, error) {
	return h.inner.Orders(ctx)
}

func (h *Hub) PublishEvent(ctx context.Context, e state.Event) error {
	if err := h.inner.PublishEvent(ctx, e); err != nil {
		return err
	}

	h.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for conn, lock := range h.clients {
		conns[conn] = lock
	}
	h.mu.Unlock()

	for conn, lock := range conns {
		if err := h.writeTo(conn, lock, envelope{Type: "event", Event: &e}); err != nil {
			logger.Warn().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("Error writing event to peer.")
		}
	}
	return nil
}

func (h *Hub) Events(ctx context.Context) (<-chan state.Event, error) {
	return h.inner.Events(ctx)
}

func (h *Hub) Close() error {
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
	_ = h.server.Close()
	return h.inner.Close()
}
