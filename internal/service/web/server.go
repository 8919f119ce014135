// Package web exposes the read-only pool surface consumed by the traffic
// routing collaborator: a query for healthy endpoints and a websocket
// stream of pool change notifications. The core never tracks per-request
// routing decisions.
package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/state"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type Server struct {
	cache  *state.Cache
	hub    *Hub
	server *http.Server
}

func NewServer(listen string, cache *state.Cache) *Server {
	s := &Server{
		cache: cache,
		hub:   NewHub(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/proxies", s.handleListProxies)
	mux.HandleFunc("/ws", s.handleWS)
	s.server = &http.Server{Addr: listen, Handler: mux}
	return s
}

// Run serves until Shutdown. The hub goroutine lives for the process.
func (s *Server) Run() error {
	l := logger.WithComponent("Web")
	go s.hub.Run()
	l.Info().Str("listen", s.server.Addr).Msg("Web server listening.")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// NotifyEvents forwards state events to connected routers until the
// channel closes.
func (s *Server) NotifyEvents(ctx context.Context, events <-chan state.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.EntityKind == state.KindProxy {
				s.hub.Broadcast("pool_changed", map[string]string{
					"connector_id": e.ConnectorID,
					"operation":    string(e.Operation),
				})
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleListProxies 处理 GET /api/proxies 请求。
func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	connectorID := r.URL.Query().Get("connector")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.cache.ListHealthyProxies(connectorID))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Websocket upgrade failed.")
		return
	}
	s.hub.register <- conn

	// Read pump: we expect nothing from routers, but reads detect closes.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.unregister <- conn
				return
			}
		}
	}()
}
