// Package presence tracks which principals are currently reachable and
// at which connection. One entry per principal; a reconnect overwrites
// the previous entry, so only the most recently connected device
// receives presence-filtered direct sends.
package presence

import (
	"github.com/c-pro/geche"

	"reliefhub/internal/models"
)

// Address is the delivery handle of one live connection.
type Address struct {
	ConnID string
	Events chan<- models.ServerEvent
}

type Registry struct {
	entries *geche.Locker[string, Address]
}

func NewRegistry() *Registry {
	return &Registry{
		entries: geche.NewLocker[string, Address](geche.NewMapCache[string, Address]()),
	}
}

// Register upserts unconditionally: last writer wins.
func (r *Registry) Register(principalID string, addr Address) {
	tx := r.entries.Lock()
	defer tx.Unlock()
	tx.Set(principalID, addr)
}

// Unregister removes the entry only if it still belongs to the given
// connection. A delayed disconnect of a superseded connection must not
// erase the live entry written by a fast reconnect.
func (r *Registry) Unregister(principalID, connID string) {
	tx := r.entries.Lock()
	defer tx.Unlock()
	cur, err := tx.Get(principalID)
	if err != nil || cur.ConnID != connID {
		return
	}
	_ = tx.Del(principalID)
}

// ListOnline returns addresses for the subset of ids currently present.
func (r *Registry) ListOnline(principalIDs []string) []Address {
	tx := r.entries.Lock()
	defer tx.Unlock()
	var online []Address
	for _, id := range principalIDs {
		if addr, err := tx.Get(id); err == nil {
			online = append(online, addr)
		}
	}
	return online
}

// Online reports whether the principal has a live connection.
func (r *Registry) Online(principalID string) bool {
	tx := r.entries.Lock()
	defer tx.Unlock()
	_, err := tx.Get(principalID)
	return err == nil
}
