// Package websocket is the real-time notification channel for consultation
// sessions. Clients subscribe to topics and receive events broadcast to
// them; delivery is at-most-once with no replay.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fitfull/consultation/internal/platform/auth"
)

// Session lifecycle event types.
const (
	EventSessionRequested  = "session-requested"
	EventSessionAccepted   = "session-accepted"
	EventParticipantJoined = "participant-joined"
	EventSessionEnded      = "session-ended"
	EventSessionCancelled  = "session-cancelled"
)

// Client actions.
const (
	ActionJoinSession  = "join-session"
	ActionLeaveSession = "leave-session"
)

// Reply types sent back in response to client actions.
const (
	ReplySubscribed   = "subscribed"
	ReplyUnsubscribed = "unsubscribed"
	ReplyError        = "error"
)

// SessionTopic is the broadcast topic for one consultation session.
func SessionTopic(id uuid.UUID) string {
	return "session:" + id.String()
}

// PersonalTopic is the topic every connection of an actor is subscribed to
// on connect.
func PersonalTopic(a auth.Actor) string {
	return a.String()
}

// Event is a session lifecycle notification sent to WebSocket clients.
// Topics lists every topic the event targets; a connection subscribed to
// several of them still receives it once.
type Event struct {
	Type      string          `json:"type"`
	Topics    []string        `json:"topics"`
	SessionID string          `json:"sessionId,omitempty"`
	RoomName  string          `json:"roomName,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound message from a WebSocket client.
type ClientMessage struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
}

// Reply acknowledges or rejects a ClientMessage.
type Reply struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// EventPublisher publishes events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// SessionAuthorizer decides whether an actor may receive a session's events.
type SessionAuthorizer interface {
	CanSubscribe(ctx context.Context, actor auth.Actor, sessionID uuid.UUID) error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	Actor  auth.Actor
	Topics []string
	Send   chan []byte
}

// Hub tracks connected clients and their topic subscriptions. It holds no
// session state; everything it knows can be rebuilt by clients re-joining.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}

	authz  SessionAuthorizer
	logger zerolog.Logger
}

// NewHub creates a Hub. authz may be nil, in which case join-session is
// refused.
func NewHub(logger zerolog.Logger, authz SessionAuthorizer) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		authz:   authz,
		logger:  logger.With().Str("component", "ws-hub").Logger(),
	}
}

// SetAuthorizer installs the session authorizer after construction, for
// wiring where the authorizer itself publishes through this hub.
func (h *Hub) SetAuthorizer(authz SessionAuthorizer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authz = authz
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister removes a client from the hub and all topics, and closes its
// Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client. Topics it already holds are
// ignored.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if _, ok := h.clients[topic][client]; ok {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
		h.removeLocked(t, client)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// ProcessMessage handles join-session and leave-session. A join is only
// honoured once the authorizer confirms the client's actor is a party to
// the session; the client always gets a Reply.
func (h *Hub) ProcessMessage(ctx context.Context, client *Client, msg ClientMessage) {
	switch msg.Action {
	case ActionJoinSession, ActionLeaveSession:
	default:
		h.reply(client, Reply{Type: ReplyError, Message: "unknown action"})
		return
	}

	id, err := uuid.Parse(msg.SessionID)
	if err != nil {
		h.reply(client, Reply{Type: ReplyError, SessionID: msg.SessionID, Message: "invalid sessionId"})
		return
	}
	topic := SessionTopic(id)

	if msg.Action == ActionLeaveSession {
		h.Unsubscribe(client, []string{topic})
		h.reply(client, Reply{Type: ReplyUnsubscribed, SessionID: msg.SessionID})
		return
	}

	if err := h.authorize(ctx, client.Actor, id); err != nil {
		h.logger.Debug().Err(err).
			Str("client_id", client.ID).
			Str("actor", client.Actor.String()).
			Str("session_id", msg.SessionID).
			Msg("join-session refused")
		h.reply(client, Reply{Type: ReplyError, SessionID: msg.SessionID, Message: "not permitted to join this session"})
		return
	}

	h.Subscribe(client, []string{topic})
	h.reply(client, Reply{Type: ReplySubscribed, SessionID: msg.SessionID})
}

var errNoAuthorizer = errors.New("no session authorizer configured")

func (h *Hub) authorize(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	h.mu.RLock()
	authz := h.authz
	h.mu.RUnlock()
	if authz == nil {
		return errNoAuthorizer
	}
	return authz.CanSubscribe(ctx, actor, id)
}

func (h *Hub) reply(client *Client, r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
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

// Broadcast sends an event once to every client subscribed to any of its
// topics. Clients whose buffer is full miss the event.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make(map[*Client]struct{})
	for _, topic := range event.Topics {
		for client := range h.clients[topic] {
			targets[client] = struct{}{}
		}
	}

	dropped := 0
	for client := range targets {
		select {
		case client.Send <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn().Strs("topics", event.Topics).Str("type", event.Type).Int("dropped", dropped).Msg("slow clients missed event")
	}
}

// Publish implements EventPublisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}
