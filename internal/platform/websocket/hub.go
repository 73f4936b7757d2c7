// Package websocket streams committed access events to connected clients.
// Clients subscribe to per-patient topics; a TopicGuard decides which
// topics an actor may follow.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/consentd/internal/platform/auth"
	"github.com/ehr/consentd/internal/platform/db"
	"github.com/ehr/consentd/internal/platform/events"
)

// ClientMessage is an inbound control message.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// TopicGuard reports whether actor may follow topic. ctx carries the
// client's tenant.
type TopicGuard func(ctx context.Context, actor, topic string) bool

// OwnTopicOnly lets an actor follow only the topic of their own patient
// account.
func OwnTopicOnly(_ context.Context, actor, topic string) bool {
	return topic == "patient/"+actor
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one connection. Topics are namespace-qualified.
type Client struct {
	ID        string
	Actor     string
	Namespace string
	Topics    []string
	Send      chan []byte
	ctx       context.Context
	conn      Conn
}

func (c *Client) context() context.Context {
	if c.ctx == nil {
		return db.WithTenant(context.Background(), c.Namespace)
	}
	return c.ctx
}

func topicKey(ns, topic string) string {
	return ns + ":" + topic
}

// Hub tracks clients by topic and implements events.Publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	guard   TopicGuard
	logger  zerolog.Logger
}

func NewHub(guard TopicGuard, logger zerolog.Logger) *Hub {
	if guard == nil {
		guard = OwnTopicOnly
	}
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		guard:   guard,
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(topic, client)
	}
}

func (h *Hub) add(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) remove(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Unregister drops the client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds the topics the guard allows and returns the ones it
// refused.
func (h *Hub) Subscribe(client *Client, topics []string) []string {
	ctx := client.context()
	var allowed, refused []string
	for _, t := range topics {
		if h.guard(ctx, client.Actor, t) {
			allowed = append(allowed, topicKey(client.Namespace, t))
		} else {
			refused = append(refused, t)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, key := range allowed {
		if _, ok := h.clients[key][client]; ok {
			continue
		}
		h.add(key, client)
		client.Topics = append(client.Topics, key)
	}
	return refused
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		key := topicKey(client.Namespace, t)
		drop[key] = struct{}{}
		h.remove(key, client)
	}
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, ok := drop[t]; !ok {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if refused := h.Subscribe(client, msg.Topics); len(refused) > 0 {
			h.logger.Warn().Str("actor", client.Actor).Strs("topics", refused).Msg("subscription refused")
		}
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish delivers e to subscribers of its patient topic. The guard is
// consulted again for every recipient, and a subscriber it now refuses is
// dropped from the topic instead of receiving the event. Slow clients whose
// buffer is full miss the event.
func (h *Hub) Publish(_ context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	topic := e.Topic()
	key := topicKey(e.Namespace, topic)

	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.clients[key]))
	for client := range h.clients[key] {
		subscribers = append(subscribers, client)
	}
	h.mu.RUnlock()

	var allowed []*Client
	for _, client := range subscribers {
		if h.guard(client.context(), client.Actor, topic) {
			allowed = append(allowed, client)
			continue
		}
		h.Unsubscribe(client, []string{topic})
		h.logger.Info().Str("actor", client.Actor).Str("topic", key).Msg("subscription withdrawn")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range allowed {
		// Unregistered meanwhile; Send may be closed.
		if _, ok := h.clients[key][client]; !ok {
			continue
		}
		select {
		case client.Send <- data:
		default:
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount counts subscribers of topic within namespace ns.
func (h *Hub) TopicCount(ns, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topicKey(ns, topic)])
}

// -- HTTP --

// Handler upgrades authenticated requests to WebSocket connections.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts upgrades from the listed origins; an empty list or "*"
// accepts any origin.
func NewHandler(hub *Hub, origins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(origins) == 0 {
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(strings.TrimSpace(o), origin) {
				return true
			}
		}
		return false
	}
}

func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect subscribes the new client to its own patient topic.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	actor := auth.ActorFromContext(ctx)
	if actor == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing actor")
	}
	ns := db.TenantFromContext(ctx)
	if ns == "" {
		ns = "default"
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := &Client{
		ID:        uuid.New().String(),
		Actor:     actor,
		Namespace: ns,
		Send:      make(chan []byte, 256),
		ctx:       db.WithTenant(context.Background(), ns),
		conn:      ws,
	}
	wsh.hub.Register(client)
	wsh.hub.Subscribe(client, []string{"patient/" + actor})

	go wsh.writePump(client)
	go wsh.readPump(client)
	return nil
}

func (wsh *Handler) readPump(client *Client) {
	defer func() {
		wsh.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
