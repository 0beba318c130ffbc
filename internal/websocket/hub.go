// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/threat"
)

// Message types sent to clients.
const (
	MessageTypeAlert = "tracker_alert"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
)

// Message is one frame exchanged with a client.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Alert is the payload of a tracker_alert message.
type Alert struct {
	IdentityID     string           `json:"identity_id"`
	RiskLevel      threat.RiskLevel `json:"risk_level"`
	Score          float64          `json:"score"`
	FollowingScore float64          `json:"following_score"`
	DeviceClass    string           `json:"device_class"`
	Recommendation string           `json:"recommendation"`
	AnalyzedAt     time.Time        `json:"analyzed_at"`
}

// Hub tracks connected clients and broadcasts alerts to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a hub. Serve must be running for clients to connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Serve runs the hub until ctx is done, then disconnects every client. It
// implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		// Lifecycle events first so a broadcast never races a registration.
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
			continue
		case c := <-h.unregister:
			h.remove(c)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (h *Hub) String() string {
	return "alert-hub"
}

// Alert queues an alertable verdict for broadcast. It never blocks; when
// the queue is full the alert is dropped and logged.
func (h *Hub) Alert(_ context.Context, res *threat.Result) {
	msg := Message{Type: MessageTypeAlert, Data: Alert{
		IdentityID:     res.IdentityID,
		RiskLevel:      res.RiskLevel,
		Score:          res.Score,
		FollowingScore: res.FollowingScore,
		DeviceClass:    string(res.DeviceClass),
		Recommendation: res.Recommendation,
		AnalyzedAt:     res.AnalyzedAt,
	}}
	select {
	case h.broadcast <- msg:
	default:
		logging.Warn().Str("identity_id", res.IdentityID).Msg("Alert broadcast queue full, dropping alert")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	logging.Info().Uint64("client_id", c.id).Int("total_clients", n).Msg("Alert client connected")
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	logging.Info().Uint64("client_id", c.id).Int("total_clients", n).Msg("Alert client disconnected")
}

// broadcastToClients delivers in client id order; clients with a full
// buffer are disconnected.
func (h *Hub) broadcastToClients(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.sortedLocked()
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(h.clients, c)
			logging.Warn().Uint64("client_id", c.id).Msg("Dropping slow alert client")
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.sortedLocked()
	for _, c := range clients {
		close(c.send)
		delete(h.clients, c)
	}
	logging.Info().Int("clients_closed", len(clients)).Msg("Alert hub stopped")
}

func (h *Hub) sortedLocked() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	return clients
}
