// Package authz decides whether a principal may use a conversation.
// Denials are silent: callers close the transport or drop the request
// without explaining why, so an unauthorized caller cannot learn which
// conversations exist.
package authz

import (
	"errors"
	"log/slog"

	"reliefhub/internal/convo"
	"reliefhub/internal/models"
)

// Directory is the persistent state the policy consults.
type Directory interface {
	GroupExists(groupID string) (bool, error)
	IsGroupMember(groupID, principalID string) (bool, error)
	HasAcceptedConnection(a, b string) (bool, error)
	GetPrincipal(id string) (models.Principal, error)
}

// Policy holds the operator-controlled knobs.
type Policy struct {
	// AnonymousRead admits unauthenticated field terminals to group and
	// broadcast conversations for reading. Anonymous principals are
	// never registered in presence, so they can observe topic fan-out
	// but cannot be individually targeted.
	AnonymousRead bool
}

type Authorizer struct {
	dir    Directory
	policy Policy
}

func New(dir Directory, policy Policy) *Authorizer {
	return &Authorizer{dir: dir, policy: policy}
}

// Admitted evaluates read admission for a principal (empty id means
// anonymous) and a conversation key. It governs connecting and fetching
// history; posting is the stricter AdmittedPost.
func (a *Authorizer) Admitted(principalID string, key convo.Key) bool {
	switch {
	case key == convo.Broadcast:
		if principalID == "" {
			return a.policy.AnonymousRead
		}
		return true

	case key.IsGroup():
		groupID, _ := key.GroupID()
		exists, err := a.dir.GroupExists(groupID)
		if err != nil {
			slog.Error("authz group lookup failed", "group_id", groupID, "error", err)
			return false
		}
		if !exists {
			return false
		}
		if principalID == "" {
			return a.policy.AnonymousRead
		}
		member, err := a.dir.IsGroupMember(groupID, principalID)
		if err != nil {
			slog.Error("authz membership lookup failed", "group_id", groupID, "error", err)
			return false
		}
		return member || a.elevated(principalID)

	case key.IsDM():
		if principalID == "" || !key.HasPeer(principalID) {
			return false
		}
		x, y, _ := key.DMPeers()
		if !a.exists(x) || !a.exists(y) {
			return false
		}
		if a.elevated(x) || a.elevated(y) {
			return true
		}
		accepted, err := a.dir.HasAcceptedConnection(x, y)
		if err != nil {
			slog.Error("authz connection lookup failed", "error", err)
			return false
		}
		return accepted
	}
	return false
}

// AdmittedPost evaluates posting. Anonymous terminals are read-only on
// group conversations; broadcast is the one place operator policy lets
// them report in. Authenticated principals post wherever they read.
func (a *Authorizer) AdmittedPost(principalID string, key convo.Key) bool {
	if principalID == "" && key != convo.Broadcast {
		return false
	}
	return a.Admitted(principalID, key)
}

func (a *Authorizer) exists(principalID string) bool {
	_, err := a.dir.GetPrincipal(principalID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("authz principal lookup failed", "principal_id", principalID, "error", err)
		}
		return false
	}
	return true
}

func (a *Authorizer) elevated(principalID string) bool {
	p, err := a.dir.GetPrincipal(principalID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("authz principal lookup failed", "principal_id", principalID, "error", err)
		}
		return false
	}
	return p.Role.Elevated()
}
