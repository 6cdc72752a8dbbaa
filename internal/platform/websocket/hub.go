// Package websocket pushes change notifications to open admin dashboards. It
// implements a hub-and-spoke pattern where each admin connection subscribes
// to one topic per watched table and receives a "refresh" message for every
// change on those tables.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/dietcare/dietcare/internal/platform/auth"
	"github.com/dietcare/dietcare/internal/platform/changefeed"
)

const (
	TypeRefresh    = "refresh"
	TypeSubscribed = "subscribed"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Message is what a dashboard receives. A refresh carries the change that
// triggered it; the dashboard re-fetches regardless of content.
type Message struct {
	Type      string    `json:"type"`
	Table     string    `json:"table,omitempty"`
	Op        string    `json:"op,omitempty"`
	ID        string    `json:"id,omitempty"`
	PatientID string    `json:"patient_id,omitempty"`
	Topics    []string  `json:"topics,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one dashboard connection. Owner is the admin session that opened
// it.
type Client struct {
	ID     string
	Owner  string
	Topics []string
	Send   chan []byte
}

// Hub tracks clients and their topic subscriptions. Topics are table names.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "ws-hub").Logger(),
	}
}

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

// Unregister removes the client and closes its Send channel. Safe to call
// more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregister(client)
}

func (h *Hub) unregister(client *Client) {
	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// DisconnectOwner drops every connection opened by one admin session and
// reports how many were closed.
func (h *Hub) DisconnectOwner(owner string) int {
	if owner == "" {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for client := range h.all {
		if client.Owner == owner {
			h.unregister(client)
			n++
		}
	}
	return n
}

// Subscribe adds topics to a registered client. Unknown tables are ignored.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range validTopics(topics) {
		if lo.Contains(client.Topics, topic) {
			continue
		}
		h.add(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		h.remove(topic, client)
	}
	client.Topics = lo.Without(client.Topics, topics...)
}

// ProcessMessage applies a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	default:
		return
	}
	h.mu.RLock()
	ack := Message{Type: TypeSubscribed, Topics: append([]string(nil), client.Topics...), Timestamp: time.Now().UTC()}
	h.mu.RUnlock()
	h.sendTo(client, ack)
}

func (h *Hub) sendTo(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal ws message")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// Broadcast sends msg to every client subscribed to topic.
func (h *Hub) Broadcast(topic string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal ws message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			// Client buffer full; it will catch up on the next refresh.
		}
	}
}

// Publish turns a row change into a refresh for the table's subscribers. It
// makes the hub a changefeed.Sink.
func (h *Hub) Publish(_ context.Context, e changefeed.Event) error {
	h.Broadcast(e.Table, Message{
		Type:      TypeRefresh,
		Table:     e.Table,
		Op:        e.Op,
		ID:        e.ID,
		PatientID: e.PatientID,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

func validTopics(topics []string) []string {
	return lo.Uniq(lo.Filter(topics, func(t string, _ int) bool {
		return lo.Contains(changefeed.Tables, t)
	}))
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler upgrades admin requests to WebSocket change streams.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts upgrades from allowedOrigins; an empty list accepts only
// same-host requests.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if lo.Contains(allowed, "*") || lo.Contains(allowed, origin) {
			return true
		}
		return strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host
	}
}

// RegisterRoutes mounts GET /changes on a group already guarded by
// auth.RequireAdmin.
func (h *Handler) RegisterRoutes(admin *echo.Group) {
	admin.GET("/changes", h.Connect)
}

// Connect upgrades the request and subscribes the connection to ?topics=
// (comma separated) or to every watched table.
func (h *Handler) Connect(c echo.Context) error {
	s := auth.FromEcho(c)
	if s == nil || !s.Admin {
		return echo.NewHTTPError(http.StatusUnauthorized, "관리자 로그인이 필요합니다.")
	}

	topics := changefeed.Tables
	if q := c.QueryParam("topics"); q != "" {
		topics = validTopics(strings.Split(q, ","))
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the error response
		return nil
	}

	client := &Client{
		ID:     uuid.NewString(),
		Owner:  s.AdminSessionID,
		Topics: append([]string(nil), topics...),
		Send:   make(chan []byte, sendBuffer),
	}
	h.hub.Register(client)
	h.hub.sendTo(client, Message{Type: TypeSubscribed, Topics: client.Topics, Timestamp: time.Now().UTC()})
	h.hub.logger.Info().Str("client_id", client.ID).Strs("topics", client.Topics).Msg("admin stream connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
		h.hub.logger.Info().Str("client_id", client.ID).Msg("admin stream closed")
	}()

	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

// writePump drains Send and keeps the connection alive with pings. A closed
// Send channel means the hub dropped the client.
func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case data, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage,
					gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, "session ended"))
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
