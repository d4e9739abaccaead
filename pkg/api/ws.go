package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"line-plant/pkg/editor"
	"line-plant/pkg/util"
)

// WSMessage is the envelope pushed to UI subscribers.
type WSMessage struct {
	Type    string      `json:"type"`             // route_changed, ports_changed
	NodeID  string      `json:"nodeId,omitempty"` // set for per-node events
	Payload interface{} `json:"payload,omitempty"`
}

type subscriber struct {
	nodeID string // empty: every event
	wmu    sync.Mutex
}

// EventHub fans committed changes out to websocket subscribers. It
// implements editor.Notifier.
type EventHub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	subs     map[*websocket.Conn]*subscriber
}

var _ editor.Notifier = (*EventHub)(nil)

func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: map[*websocket.Conn]*subscriber{},
	}
}

// HandleEvents upgrades a UI connection. ?nodeId=xxx limits it to events
// touching that node.
func (h *EventHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("nodeId")
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.WithError(err).Debug("ws upgrade failed")
		return
	}
	h.mu.Lock()
	h.subs[c] = &subscriber{nodeID: nodeID}
	h.mu.Unlock()
	util.WithField("nodeId", nodeID).Debug("event subscriber connected")
	go h.readLoop(c)
}

// Subscribers returns the number of connected subscribers.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// RouteChanged publishes a committed line edit to every subscriber watching
// a node on the new route or a node that lost a port to it.
func (h *EventHub) RouteChanged(_ context.Context, ev editor.RouteEvent) {
	var nodes []string
	for _, hop := range ev.Hops {
		nodes = append(nodes, hop.NodeID)
	}
	for _, c := range ev.Evicted {
		nodes = append(nodes, c.NodeID)
	}
	h.Publish(WSMessage{Type: "route_changed", Payload: ev}, nodes...)
}

// Publish sends msg to unfiltered subscribers and to those watching one of nodes.
func (h *EventHub) Publish(msg WSMessage, nodes ...string) {
	touched := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		touched[n] = true
	}
	h.mu.RLock()
	targets := make(map[*websocket.Conn]*subscriber, len(h.subs))
	for c, s := range h.subs {
		if s.nodeID == "" || touched[s.nodeID] {
			targets[c] = s
		}
	}
	h.mu.RUnlock()

	for c, s := range targets {
		s.wmu.Lock()
		err := c.WriteJSON(msg)
		s.wmu.Unlock()
		if err != nil {
			go h.closeSub(c)
		}
	}
}

func (h *EventHub) readLoop(c *websocket.Conn) {
	defer h.closeSub(c)
	for {
		if _, _, err := c.NextReader(); err != nil {
			return
		}
	}
}

func (h *EventHub) closeSub(c *websocket.Conn) {
	_ = c.Close()
	h.mu.Lock()
	_, ok := h.subs[c]
	delete(h.subs, c)
	h.mu.Unlock()
	if ok {
		util.Logger.Debug("event subscriber disconnected")
	}
}
