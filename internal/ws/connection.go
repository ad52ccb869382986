package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"reliefhub/internal/convo"
	"reliefhub/internal/models"
	"reliefhub/internal/presence"

	"github.com/google/uuid"
)

type socket interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadMessage() (int, []byte, error)
}

type router interface {
	Subscribe(key convo.Key, connID string, events chan<- models.ServerEvent)
	Unsubscribe(key convo.Key, connID string)
	Relay(senderID string, key convo.Key, env models.ClientEnvelope) error
}

type registry interface {
	Register(principalID string, addr presence.Address)
	Unregister(principalID, connID string)
}

// Conn is the per-connection actor relaying between one websocket and
// the broadcast router. A new connect always builds a fresh Conn; a
// closed one is never resurrected.
type Conn struct {
	id          string
	ws          socket
	hub         router
	presence    registry
	principalID string
	key         convo.Key
	events      chan models.ServerEvent
	fromClient  chan models.ClientEnvelope
	errorCh     chan error
}

func NewConn(hub router, reg registry, ws socket, principalID string, key convo.Key) *Conn {
	return &Conn{
		id:          uuid.NewString(),
		ws:          ws,
		hub:         hub,
		presence:    reg,
		principalID: principalID,
		key:         key,
		events:      make(chan models.ServerEvent, 64),
		fromClient:  make(chan models.ClientEnvelope),
		errorCh:     make(chan error, 2),
	}
}

func (c *Conn) ID() string { return c.id }

// Handle drives the connection until the transport closes or the
// context is cancelled. On entry the connection joins its topic and,
// for authenticated principals, the presence registry; both are undone
// on exit, the presence removal guarded by connection id so a stale
// disconnect cannot erase a fast reconnect's entry.
func (c *Conn) Handle(ctx context.Context) error {
	c.hub.Subscribe(c.key, c.id, c.events)
	if c.principalID != "" {
		c.presence.Register(c.principalID, presence.Address{ConnID: c.id, Events: c.events})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		c.hub.Unsubscribe(c.key, c.id)
		if c.principalID != "" {
			c.presence.Unregister(c.principalID, c.id)
		}
		close(c.errorCh)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// pumpMessages reads inbound frames. Malformed or empty envelopes are
// dropped and the connection stays open; only transport errors end it.
func (c *Conn) pumpMessages(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		var env models.ClientEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Message == "" && env.ImageURL == "" {
			continue
		}
		select {
		case c.fromClient <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) mainLoop(ctx context.Context) error {
	for {
		select {
		case env := <-c.fromClient:
			// Persist-then-route. On failure the post dies here: no
			// broadcast, no echo back to the sender.
			if err := c.hub.Relay(c.principalID, c.key, env); err != nil {
				slog.Error("failed to relay message",
					"conversation", c.key, "principal_id", c.principalID, "error", err)
			}
		case ev := <-c.events:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
