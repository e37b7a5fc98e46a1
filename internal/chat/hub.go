package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go-chat/internal/session"
)

const (
	pushChannelPrefix = "chat:push:"
	registryTimeout   = 5 * time.Second

	EventPing  = "ping"
	EventPong  = "pong"
	EventError = "error"
)

// EventHandler handles one kind of inbound websocket frame.
type EventHandler func(ctx context.Context, c *Client, data json.RawMessage) error

// relayEnvelope carries an opaque payload; []byte travels as base64 so any
// bytes survive the relay.
type relayEnvelope struct {
	ConnectionID string `json:"connectionId"`
	Payload      []byte `json:"payload"`
}

// Hub owns this instance's websocket connections and implements Pusher.
// Connection ids are "{instanceId}.{uuid}", so a push for a connection held
// elsewhere is relayed over redis to the owning instance.
type Hub struct {
	instanceID string
	sessions   session.Registry
	redis      redis.UniversalClient
	log        *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	handlers map[string]EventHandler
	ready    chan struct{}
}

// NewHub builds a hub; rdb may be nil for a single-instance deployment.
func NewHub(instanceID string, sessions session.Registry, rdb redis.UniversalClient, log *slog.Logger) *Hub {
	h := &Hub{
		instanceID: instanceID,
		sessions:   sessions,
		redis:      rdb,
		log:        log,
		clients:    make(map[string]*Client),
		handlers:   make(map[string]EventHandler),
		ready:      make(chan struct{}),
	}
	h.Handle(EventPing, func(_ context.Context, c *Client, _ json.RawMessage) error {
		return c.SendEvent(EventPong, nil)
	})
	return h
}

func (h *Hub) NewConnectionID() string {
	return h.instanceID + "." + uuid.NewString()
}

func instanceOf(connectionID string) (string, bool) {
	instance, _, ok := strings.Cut(connectionID, ".")
	return instance, ok
}

// Handle binds an inbound event kind to its handler. Call before serving.
func (h *Hub) Handle(event string, fn EventHandler) {
	h.handlers[event] = fn
}

// OnConnect makes the client reachable locally and through the registry.
func (h *Hub) OnConnect(ctx context.Context, c *Client) error {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	// Registration outlives the request that triggered it.
	regCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryTimeout)
	defer cancel()
	if err := h.sessions.Register(regCtx, c.ID, c.UserID); err != nil {
		h.mu.Lock()
		delete(h.clients, c.ID)
		h.mu.Unlock()
		return err
	}
	h.log.Info("Client connected", "connection_id", c.ID, "user_id", c.UserID)
	return nil
}

// OnDisconnect is terminal: it always runs to completion, whatever happened
// to the connection's context.
func (h *Hub) OnDisconnect(connectionID string) {
	h.mu.Lock()
	c, ok := h.clients[connectionID]
	delete(h.clients, connectionID)
	h.mu.Unlock()
	if ok {
		c.closeSend()
	}
	h.forget(connectionID)
	h.log.Info("Client disconnected", "connection_id", connectionID)
}

func (h *Hub) forget(connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := h.sessions.Unregister(ctx, connectionID); err != nil {
		h.log.Error("Unregister session failed", "connection_id", connectionID, "error", err)
	}
}

func (h *Hub) local(connectionID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connectionID]
	return c, ok
}

// Push delivers payload to connectionID, relaying through redis when the
// connection lives on another instance.
func (h *Hub) Push(ctx context.Context, connectionID string, payload []byte) error {
	if c, ok := h.local(connectionID); ok {
		return h.deliver(c, payload)
	}

	instance, ok := instanceOf(connectionID)
	if !ok || instance == h.instanceID || h.redis == nil {
		// Registered by a previous life of this instance, or never relayable.
		h.forget(connectionID)
		return fmt.Errorf("%w: %s", ErrConnectionGone, connectionID)
	}

	envelope, err := json.Marshal(relayEnvelope{ConnectionID: connectionID, Payload: payload})
	if err != nil {
		return err
	}
	receivers, err := h.redis.Publish(ctx, pushChannelPrefix+instance, envelope).Result()
	if err != nil {
		return fmt.Errorf("relay push to %s: %w", instance, err)
	}
	if receivers == 0 {
		// Nobody listens for that instance any more: it is gone, and so are
		// its connections.
		h.forget(connectionID)
		return fmt.Errorf("%w: instance %s unreachable", ErrConnectionGone, instance)
	}
	return nil
}

func (h *Hub) deliver(c *Client, payload []byte) error {
	err := c.enqueue(payload)
	if errors.Is(err, ErrSlowConsumer) {
		h.log.Warn("Client too slow, closing", "connection_id", c.ID)
		c.Close()
	}
	return err
}

// Ready is closed once the hub listens for relayed pushes.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// Run listens for pushes relayed to this instance until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.redis == nil {
		close(h.ready)
		<-ctx.Done()
		return nil
	}

	pubsub := h.redis.Subscribe(ctx, pushChannelPrefix+h.instanceID)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe relay channel: %w", err)
	}
	close(h.ready)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var envelope relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				h.log.Error("Unreadable relayed push", "error", err)
				continue
			}
			c, ok := h.local(envelope.ConnectionID)
			if !ok {
				h.forget(envelope.ConnectionID)
				continue
			}
			if err := h.deliver(c, envelope.Payload); err != nil {
				h.log.Warn(ErrDeliveryFailure.Error(), "connection_id", c.ID, "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Client, evt Event) {
	fn, ok := h.handlers[evt.Event]
	if !ok {
		_ = c.SendError(CodeInvalidRequest, fmt.Sprintf("unknown event %q", evt.Event))
		return
	}
	if err := fn(ctx, c, evt.Data); err != nil {
		_, code, message := describeError(err)
		if code == CodeUncategorized {
			h.log.Error("Event handler failed", "event", evt.Event, "connection_id", c.ID, "error", err)
		} else {
			h.log.Debug("Event handler rejected frame", "event", evt.Event, "connection_id", c.ID, "error", err)
		}
		_ = c.SendError(code, message)
	}
}

// ConnectionCount is the number of connections held by this instance.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
