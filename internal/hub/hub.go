// Package hub is the broadcast router: it owns topic subscriptions,
// picks the delivery strategy per conversation kind and bridges plain
// HTTP callers into live connection fan-out.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"reliefhub/internal/authz"
	"reliefhub/internal/content"
	"reliefhub/internal/convo"
	"reliefhub/internal/models"
	"reliefhub/internal/presence"
)

// ErrRefused is returned for any post the caller may not make. It
// carries no detail on purpose.
var ErrRefused = errors.New("refused")

// Storage is the slice of the message store the router needs.
type Storage interface {
	AppendMessage(conversationID, senderID, content, imageURL string) (models.Message, error)
	ListMessages(conversationID string, limit int) ([]models.Message, error)
	GetMessage(id string) (models.Message, error)
	DeleteMessage(id string) (models.Message, error)
	GetPrincipal(id string) (models.Principal, error)
}

type Hub struct {
	store    Storage
	authz    *authz.Authorizer
	presence *presence.Registry

	mu     sync.RWMutex
	topics map[convo.Key]map[string]chan<- models.ServerEvent
}

func New(store Storage, authorizer *authz.Authorizer, registry *presence.Registry) *Hub {
	return &Hub{
		store:    store,
		authz:    authorizer,
		presence: registry,
		topics:   make(map[convo.Key]map[string]chan<- models.ServerEvent),
	}
}

// Subscribe attaches a connection's event channel to a conversation
// topic. Subscription is independent of the presence registry.
func (h *Hub) Subscribe(key convo.Key, connID string, events chan<- models.ServerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[key]
	if !ok {
		subs = make(map[string]chan<- models.ServerEvent)
		h.topics[key] = subs
	}
	subs[connID] = events
	topicSubscribers.Inc()
}

// Unsubscribe is a no-op for unknown subscribers.
func (h *Hub) Unsubscribe(key convo.Key, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[key]
	if !ok {
		return
	}
	if _, ok := subs[connID]; !ok {
		return
	}
	delete(subs, connID)
	topicSubscribers.Dec()
	if len(subs) == 0 {
		delete(h.topics, key)
	}
}

// Relay persists an inbound connection message and routes it.
// A connection admitted read-only (an anonymous terminal on a group)
// may still try to write; posting is authorized per message, not per
// join. Persistence failure aborts the post: nothing is broadcast for
// a message that was not stored.
func (h *Hub) Relay(senderID string, key convo.Key, env models.ClientEnvelope) error {
	if !h.authz.AdmittedPost(senderID, key) {
		return ErrRefused
	}
	msg, err := h.store.AppendMessage(string(key), senderID, content.Sanitize(env.Message), env.ImageURL)
	if err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}
	h.route(key, h.messageEvent(msg))
	return nil
}

// PostMessage is the synchronous ingestion entry point for plain HTTP
// callers (field devices, relay APIs). It re-derives authorization,
// persists, then performs the fan-out submission before returning; it
// does not wait for individual recipients.
func (h *Hub) PostMessage(senderID, selector, body, imageURL string) (models.Message, error) {
	key, err := convo.ParseSelector(senderID, selector)
	if err != nil {
		return models.Message{}, ErrRefused
	}
	if key.IsDM() {
		// DMs go through PostDirect; a selector cannot smuggle one in.
		return models.Message{}, ErrRefused
	}
	return h.post(senderID, key, body, imageURL)
}

// PostDirect posts a direct message to a recipient, delivered with the
// presence-filtered strategy.
func (h *Hub) PostDirect(senderID, recipientID, body, imageURL string) (models.Message, error) {
	if senderID == "" || recipientID == "" || recipientID == senderID {
		return models.Message{}, ErrRefused
	}
	return h.post(senderID, convo.DMKey(senderID, recipientID), body, imageURL)
}

func (h *Hub) post(senderID string, key convo.Key, body, imageURL string) (models.Message, error) {
	if !h.authz.AdmittedPost(senderID, key) {
		return models.Message{}, ErrRefused
	}
	msg, err := h.store.AppendMessage(string(key), senderID, content.Sanitize(body), imageURL)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}
	h.route(key, h.messageEvent(msg))
	return msg, nil
}

// History returns the newest limit messages, oldest first. The caller
// is authorized the same way a connection would be.
func (h *Hub) History(callerID, selector string, limit int) ([]models.Message, error) {
	key, err := convo.ParseSelector(callerID, selector)
	if err != nil {
		return nil, ErrRefused
	}
	if !h.authz.Admitted(callerID, key) {
		return nil, ErrRefused
	}
	return h.store.ListMessages(string(key), limit)
}

// Delete removes a message (sender or elevated role only) and notifies
// the conversation so open connections drop it from display.
func (h *Hub) Delete(callerID, messageID string) error {
	msg, err := h.store.GetMessage(messageID)
	if errors.Is(err, models.ErrNotFound) {
		// Idempotent from the caller's point of view.
		return nil
	}
	if err != nil {
		return err
	}
	if msg.SenderID != callerID && !h.elevated(callerID) {
		return ErrRefused
	}
	if _, err := h.store.DeleteMessage(messageID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	h.route(convo.Key(msg.ConversationID), models.ServerEvent{
		Type:      models.EventTypeDelete,
		MessageID: messageID,
	})
	return nil
}

func (h *Hub) elevated(principalID string) bool {
	if principalID == "" {
		return false
	}
	p, err := h.store.GetPrincipal(principalID)
	return err == nil && p.Role.Elevated()
}

// route picks the delivery strategy. Group and broadcast conversations
// use topic broadcast: every subscribed connection receives the event,
// present or not in the registry. DMs use presence-filtered direct
// send: only currently-registered participants get a live push, the
// rest catch up via history on reconnect.
func (h *Hub) route(key convo.Key, ev models.ServerEvent) {
	if a, b, ok := key.DMPeers(); ok {
		for _, addr := range h.presence.ListOnline([]string{a, b}) {
			h.send(addr.Events, ev)
		}
		messagesRouted.WithLabelValues("direct").Inc()
		return
	}

	h.mu.RLock()
	subs := make([]chan<- models.ServerEvent, 0, len(h.topics[key]))
	for _, ch := range h.topics[key] {
		subs = append(subs, ch)
	}
	h.mu.RUnlock()

	for _, ch := range subs {
		h.send(ch, ev)
	}
	messagesRouted.WithLabelValues("topic").Inc()
}

// send never blocks: a connection that cannot keep up loses the event
// rather than stalling delivery to everyone else.
func (h *Hub) send(ch chan<- models.ServerEvent, ev models.ServerEvent) {
	select {
	case ch <- ev:
	default:
		deliveriesDropped.Inc()
	}
}

func (h *Hub) messageEvent(msg models.Message) models.ServerEvent {
	ev := models.ServerEvent{
		Type:           models.EventTypeMessage,
		ID:             msg.ID,
		Message:        msg.Content,
		Sender:         msg.SenderID,
		ImageURL:       msg.ImageURL,
		ConversationID: msg.ConversationID,
	}
	switch {
	case msg.SenderID == "":
		ev.SenderDisplayName = "Field terminal"
	default:
		p, err := h.store.GetPrincipal(msg.SenderID)
		if err != nil {
			ev.SenderDisplayName = "Deleted user"
		} else if p.DisplayName != "" {
			ev.SenderDisplayName = p.DisplayName
		} else {
			ev.SenderDisplayName = p.UserName
		}
	}
	return ev
}
