package realtime

import (
	"log/slog"
	"sync"

	proto "github.com/Qarib2004/rentcar-sub001/pkg/realtimeproto"
)

// Hub indexes live clients by id, principal and topic.
type Hub struct {
	log *slog.Logger

	mu          sync.RWMutex
	clients     map[string]*Client
	byPrincipal map[string]map[string]*Client
	byTopic     map[string]map[string]*Client
	topicsOf    map[string]map[string]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:         log,
		clients:     make(map[string]*Client),
		byPrincipal: make(map[string]map[string]*Client),
		byTopic:     make(map[string]map[string]*Client),
		topicsOf:    make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.ID] = c
	set, ok := h.byPrincipal[c.PrincipalID]
	if !ok {
		set = make(map[string]*Client)
		h.byPrincipal[c.PrincipalID] = set
	}
	set[c.ID] = c
}

// Unregister drops the client and all of its subscriptions.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, c.ID)
	if set, ok := h.byPrincipal[c.PrincipalID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(h.byPrincipal, c.PrincipalID)
		}
	}
	for topic := range h.topicsOf[c.ID] {
		h.removeLocked(topic, c.ID)
	}
	delete(h.topicsOf, c.ID)
}

func (h *Hub) Subscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	set, ok := h.byTopic[topic]
	if !ok {
		set = make(map[string]*Client)
		h.byTopic[topic] = set
	}
	set[c.ID] = c

	mine, ok := h.topicsOf[c.ID]
	if !ok {
		mine = make(map[string]struct{})
		h.topicsOf[c.ID] = mine
	}
	mine[topic] = struct{}{}
}

func (h *Hub) Unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(topic, c.ID)
	delete(h.topicsOf[c.ID], topic)
}

func (h *Hub) removeLocked(topic, clientID string) {
	set, ok := h.byTopic[topic]
	if !ok {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(h.byTopic, topic)
	}
}

// Broadcast enqueues env on every subscriber of topic and returns how many accepted it.
func (h *Hub) Broadcast(topic string, env proto.Envelope) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byTopic[topic]))
	for _, c := range h.byTopic[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(env) {
			delivered++
			continue
		}
		h.log.Info("ws.broadcast.drop", "client_id", c.ID, "topic", topic)
	}
	return delivered
}

// ForPrincipal returns the live clients of one principal.
func (h *Hub) ForPrincipal(principalID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, len(h.byPrincipal[principalID]))
	for _, c := range h.byPrincipal[principalID] {
		out = append(out, c)
	}
	return out
}

// All returns every live client.
func (h *Hub) All() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
