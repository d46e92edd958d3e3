// Package websocket pushes live billing events to cashier and billing desks.
// Clients subscribe to topics such as "invoices/<id>" or "billing" and only
// ever see events from their own tenant.
package websocket

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hmis/billing/internal/platform/db"
)

// Event is the envelope written to subscribed clients.
type Event struct {
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	ResourceID string          `json:"resource_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is a single connection.
type Client struct {
	ID     string
	Tenant string
	Topics []string
	Send   chan []byte
}

type topicKey struct {
	tenant string
	topic  string
}

// Hub tracks clients and their subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[topicKey]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[topicKey]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "ws-hub").Logger(),
	}
}

func (h *Hub) subscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		k := topicKey{client.Tenant, topic}
		if h.clients[k] == nil {
			h.clients[k] = make(map[*Client]struct{})
		}
		h.clients[k][client] = struct{}{}
	}
}

func (h *Hub) unsubscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		k := topicKey{client.Tenant, topic}
		if subscribers, ok := h.clients[k]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, k)
			}
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	h.subscribeLocked(client, client.Topics)
}

// Unregister drops the client and closes its Send channel. Calling it twice
// is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	h.unsubscribeLocked(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(client, topics)
	for _, t := range topics {
		if !containsTopic(client.Topics, t) {
			client.Topics = append(client.Topics, t)
		}
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client, topics)
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if !containsTopic(topics, t) {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func containsTopic(topics []string, t string) bool {
	for _, x := range topics {
		if x == t {
			return true
		}
	}
	return false
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends event to every client of tenant subscribed to topic. Slow
// clients with a full buffer miss the event.
func (h *Hub) Broadcast(tenant, topic string, event Event) {
	event.Topic = topic
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[topicKey{tenant, topic}] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("client buffer full, dropping event")
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(tenant, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topicKey{tenant, topic}])
}

// -- HTTP --

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS middleware and the bearer token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes mounts GET /ws. The group is expected to carry auth and
// tenant middleware.
func (h *Handler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.GET("/ws", h.HandleConnect, mw...)
}

// HandleConnect upgrades the request. Initial topics may be passed as a comma
// separated "topics" query parameter.
func (h *Handler) HandleConnect(c echo.Context) error {
	tenant := db.TenantFromContext(c.Request().Context())
	topics := parseTopics(c.QueryParam("topics"))

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.NewString(),
		Tenant: tenant,
		Topics: topics,
		Send:   make(chan []byte, 256),
	}
	h.hub.Register(client)
	h.hub.logger.Debug().Str("client_id", client.ID).Str("tenant", tenant).Strs("topics", topics).Msg("client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func parseTopics(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" && !containsTopic(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()
	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

// Publisher adapts the hub to sinks that publish typed payloads.
type Publisher struct {
	Hub *Hub
}

// PublishTo marshals payload and broadcasts it on each topic.
func (p Publisher) PublishTo(_ context.Context, tenant string, topics []string, typ, resourceID string, at time.Time, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := Event{Type: typ, ResourceID: resourceID, Timestamp: at, Data: data}
	for _, t := range topics {
		p.Hub.Broadcast(tenant, t, ev)
	}
	return nil
}
