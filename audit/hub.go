package audit

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const maxWSConnections = 200

// Hub broadcasts the C8 overview snapshot to connected dashboard clients on a
// fixed tick, grounded on the teacher's MetricsHub (single-broadcaster
// pattern, connection cap, write-deadline dead-peer eviction).
type Hub struct {
	svc   *Service
	log   zerolog.Logger

	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex

	statusWindow, providerWindow time.Duration
}

func NewHub(svc *Service, log zerolog.Logger) *Hub {
	return &Hub{
		svc:            svc,
		log:            log.With().Str("component", "audit.hub").Logger(),
		clients:        make(map[*websocket.Conn]struct{}),
		register:       make(chan *websocket.Conn),
		unregister:     make(chan *websocket.Conn),
		statusWindow:   time.Hour,
		providerWindow: time.Hour,
	}
}

func (h *Hub) Register(conn *websocket.Conn) bool {
	h.mu.Lock()
	if len(h.clients) >= maxWSConnections {
		h.mu.Unlock()
		h.log.Warn().Int("max", maxWSConnections).Msg("dashboard stream connection rejected: at capacity")
		return false
	}
	h.mu.Unlock()
	h.register <- conn
	return true
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run is the hub's single broadcaster loop.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case <-ticker.C:
			h.broadcastAll(ctx)
		}
	}
}

func (h *Hub) broadcastAll(ctx context.Context) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	overview, err := h.svc.GetOverview(ctx, h.statusWindow, h.providerWindow)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to collect overview for dashboard stream")
		return
	}

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(overview); err != nil {
			h.log.Info().Err(err).Msg("dashboard stream write failed; unregistering dead peer")
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}
