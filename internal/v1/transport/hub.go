// Package transport is the broadcast layer: a hub of websocket connections
// organized as namespace -> room -> sid, with fire-and-forget emits. The hub
// implements the Broadcaster port consumed by the dispatcher and the action
// executor; it only ever answers for connections on this node.
package transport

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/labrook/dino/internal/v1/metrics"
	"github.com/labrook/dino/internal/v1/types"
)

// Frame is the wire shape of every server-to-client message: an event name
// and the activity payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// namespaceState tracks one namespace's connections and room membership.
type namespaceState struct {
	clients map[string]*Client             // sid -> client
	rooms   map[string]map[string]struct{} // roomID -> sids
}

func newNamespaceState() *namespaceState {
	return &namespaceState{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// Hub coordinates every connection on this node.
type Hub struct {
	mu         sync.RWMutex
	namespaces map[string]*namespaceState
	log        *zap.Logger
}

var _ types.Broadcaster = (*Hub)(nil)

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{namespaces: make(map[string]*namespaceState), log: log}
}

func (h *Hub) ns(namespace string) *namespaceState {
	state, ok := h.namespaces[namespace]
	if !ok {
		state = newNamespaceState()
		h.namespaces[namespace] = state
	}
	return state
}

// register attaches a connected client. Each sid also joins a private room
// named after itself, so direct emits address room == sid.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := h.ns(c.namespace)
	state.clients[c.sid] = c
	state.rooms[c.sid] = map[string]struct{}{c.sid: {}}
	metrics.IncConnection()
}

// unregister detaches a client and leaves every room it was in.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.namespaces[c.namespace]
	if !ok {
		return
	}
	if _, connected := state.clients[c.sid]; !connected {
		return
	}
	delete(state.clients, c.sid)
	for roomID, sids := range state.rooms {
		delete(sids, c.sid)
		if len(sids) == 0 {
			delete(state.rooms, roomID)
			if roomID != c.sid {
				metrics.ActiveRooms.Dec()
			}
		}
	}
	metrics.DecConnection()
}

// JoinRoom adds the sid to a room, creating it on first join.
func (h *Hub) JoinRoom(namespace, sid, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := h.ns(namespace)
	if _, ok := state.rooms[room]; !ok {
		state.rooms[room] = make(map[string]struct{})
		metrics.ActiveRooms.Inc()
	}
	state.rooms[room][sid] = struct{}{}
}

// LeaveRoom removes the sid from a room; empty rooms are dropped.
func (h *Hub) LeaveRoom(namespace, sid, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.namespaces[namespace]
	if !ok {
		return
	}
	sids, ok := state.rooms[room]
	if !ok {
		return
	}
	delete(sids, sid)
	if len(sids) == 0 {
		delete(state.rooms, room)
		metrics.ActiveRooms.Dec()
	}
}

// SIDsInRoom returns the sids currently in the room on this node.
func (h *Hub) SIDsInRoom(namespace, room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	state, ok := h.namespaces[namespace]
	if !ok {
		return nil
	}
	sids := make([]string, 0, len(state.rooms[room]))
	for sid := range state.rooms[room] {
		sids = append(sids, sid)
	}
	return sids
}

// HasSID reports whether the sid is connected to this node.
func (h *Hub) HasSID(namespace, sid string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	state, ok := h.namespaces[namespace]
	if !ok {
		return false
	}
	_, connected := state.clients[sid]
	return connected
}

// Emit queues a frame to every sid in the room; an empty room name addresses
// the whole namespace. Slow clients drop frames rather than block the hub.
func (h *Hub) Emit(event, namespace, room string, payload []byte) {
	frame, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		h.log.Error("could not marshal frame", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	state, ok := h.namespaces[namespace]
	if !ok {
		return
	}

	if room == "" {
		for _, c := range state.clients {
			c.sendRaw(frame)
		}
		return
	}
	for sid := range state.rooms[room] {
		if c, connected := state.clients[sid]; connected {
			c.sendRaw(frame)
		}
	}
}

// Shutdown disconnects every client, used during graceful server shutdown.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0)
	for _, state := range h.namespaces {
		for _, c := range state.clients {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
	h.log.Info("hub shut down", zap.Int("clients", len(clients)))
	return nil
}
