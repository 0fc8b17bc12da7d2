package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torqueio/torque/torqued/observability"
	"github.com/torqueio/torque/torqued/store"
)

const maxStreamClients = 200

// statsHub pushes the status counters to websocket clients once a second.
// Single broadcaster pattern prevents N duplicate tickers.
type statsHub struct {
	store      store.Store
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex

	upgrader websocket.Upgrader
}

func newStatsHub(s store.Store) *statsHub {
	return &statsHub{
		store:      s,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Run is the hub's main loop; it also refreshes the status gauges so the
// prometheus view and the stream stay in step.
func (h *statsHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamClients {
				h.mu.Unlock()
				conn.Close()
				log.Printf("stats stream: connection rejected, cap (%d) reached", maxStreamClients)
				continue
			}
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
			h.broadcast(ctx)
		}
	}
}

func (h *statsHub) broadcast(ctx context.Context) {
	counts, err := h.store.CountByStatus(ctx)
	if err != nil {
		log.Printf("stats stream: count: %v", err)
		return
	}
	for st, n := range counts {
		observability.TasksByStatus.WithLabelValues(string(st)).Set(float64(n))
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(counts); err != nil {
			go func(c *websocket.Conn) { h.unregister <- c }(conn)
		}
	}
}

func (h *statsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// handleStream upgrades GET /stats/stream to a websocket.
func (h *statsHub) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("stats stream: upgrade: %v", err)
		return
	}
	h.register <- conn

	// Read pump: discard inbound frames, detect disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}
