package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"reliefhub/internal/convo"
	"reliefhub/internal/models"

	"github.com/google/uuid"
)

type locationStore interface {
	UpdateLocation(principalID string, latitude, longitude float64) error
}

// LocationConn is the location-reporting variant of the gateway. It
// shares the connection skeleton but joins a per-principal private
// topic; inbound payloads update the principal's last-known coordinates
// and are not broadcast.
type LocationConn struct {
	id          string
	ws          socket
	hub         router
	store       locationStore
	principalID string
	events      chan models.ServerEvent
	errorCh     chan error
}

func NewLocationConn(hub router, store locationStore, ws socket, principalID string) *LocationConn {
	return &LocationConn{
		id:          uuid.NewString(),
		ws:          ws,
		hub:         hub,
		store:       store,
		principalID: principalID,
		events:      make(chan models.ServerEvent, 8),
		errorCh:     make(chan error, 2),
	}
}

func (c *LocationConn) Handle(ctx context.Context) error {
	key := convo.LocationKey(c.principalID)
	c.hub.Subscribe(key, c.id, c.events)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		c.hub.Unsubscribe(key, c.id)
		close(c.errorCh)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pump(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.drain(ctx)
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

func (c *LocationConn) pump(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		var update models.LocationUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			continue
		}
		if err := c.store.UpdateLocation(c.principalID, update.Latitude, update.Longitude); err != nil {
			slog.Error("failed to update location", "principal_id", c.principalID, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (c *LocationConn) drain(ctx context.Context) error {
	for {
		select {
		case ev := <-c.events:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
