// Package convo computes canonical conversation keys. It is pure: the
// same selector always resolves to the same key, and a DM key is
// identical no matter which of the two participants initiated it.
package convo

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Key addresses one conversation: "group:<id>", "broadcast" or
// "dm:<min>:<max>".
type Key string

const (
	// Broadcast is the portal-wide channel open to every authenticated
	// principal and, by operator policy, readable by anonymous terminals.
	Broadcast Key = "broadcast"

	groupPrefix    = "group:"
	dmPrefix       = "dm:"
	locationPrefix = "location:"
)

var (
	ErrMalformedSelector = errors.New("malformed conversation selector")

	// Principal and group ids are uuids, but any dense identifier works
	// as long as it cannot contain the key separator.
	idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func validID(id string) bool {
	return idPattern.MatchString(id)
}

func GroupKey(groupID string) Key {
	return Key(groupPrefix + groupID)
}

// LocationKey is the per-principal private topic of the location
// gateway. It has exactly one consumer and is never broadcast to.
func LocationKey(principalID string) Key {
	return Key(locationPrefix + principalID)
}

// DMKey orders the pair so either initiator converges on the same key.
func DMKey(a, b string) Key {
	if a > b {
		a, b = b, a
	}
	return Key(dmPrefix + a + ":" + b)
}

// ParseSelector resolves a connect-request selector to a Key. Selectors
// are "group:<id>", the literal "broadcast", or "dm:<peer-id>" which is
// resolved against the calling principal. Anonymous callers cannot open
// direct conversations.
func ParseSelector(selfID, selector string) (Key, error) {
	switch {
	case selector == string(Broadcast):
		return Broadcast, nil
	case strings.HasPrefix(selector, groupPrefix):
		id := selector[len(groupPrefix):]
		if !validID(id) {
			return "", fmt.Errorf("%w: %q", ErrMalformedSelector, selector)
		}
		return GroupKey(id), nil
	case strings.HasPrefix(selector, dmPrefix):
		peer := selector[len(dmPrefix):]
		if selfID == "" || !validID(peer) || peer == selfID {
			return "", fmt.Errorf("%w: %q", ErrMalformedSelector, selector)
		}
		return DMKey(selfID, peer), nil
	}
	return "", fmt.Errorf("%w: %q", ErrMalformedSelector, selector)
}

func (k Key) IsGroup() bool {
	return strings.HasPrefix(string(k), groupPrefix)
}

func (k Key) IsDM() bool {
	return strings.HasPrefix(string(k), dmPrefix)
}

// GroupID returns the group id of a group key.
func (k Key) GroupID() (string, bool) {
	if !k.IsGroup() {
		return "", false
	}
	return string(k)[len(groupPrefix):], true
}

// DMPeers returns both participants of a DM key.
func (k Key) DMPeers() (string, string, bool) {
	if !k.IsDM() {
		return "", "", false
	}
	parts := strings.SplitN(string(k)[len(dmPrefix):], ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// HasPeer reports whether the principal is one of a DM key's participants.
func (k Key) HasPeer(principalID string) bool {
	a, b, ok := k.DMPeers()
	return ok && (a == principalID || b == principalID)
}
