package presence

import (
	"testing"

	"reliefhub/internal/models"
)

func TestRegisterLastWriterWins(t *testing.T) {
	r := NewRegistry()
	chA := make(chan models.ServerEvent, 1)
	chB := make(chan models.ServerEvent, 1)

	r.Register("u1", Address{ConnID: "conn-a", Events: chA})
	r.Register("u1", Address{ConnID: "conn-b", Events: chB})

	online := r.ListOnline([]string{"u1"})
	if len(online) != 1 {
		t.Fatalf("expected 1 online entry, got %d", len(online))
	}
	if online[0].ConnID != "conn-b" {
		t.Errorf("expected the later registration to win, got %q", online[0].ConnID)
	}
}

func TestUnregisterGuarded(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", Address{ConnID: "conn-a"})
	r.Register("u1", Address{ConnID: "conn-b"})

	// Teardown of the superseded connection must not evict the live one.
	r.Unregister("u1", "conn-a")
	if !r.Online("u1") {
		t.Fatal("stale unregister evicted the live connection")
	}

	r.Unregister("u1", "conn-b")
	if r.Online("u1") {
		t.Fatal("expected principal offline after live connection unregistered")
	}

	// Unregistering an absent principal is a no-op.
	r.Unregister("ghost", "conn-x")
}

func TestListOnlineFiltersOffline(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", Address{ConnID: "c1"})
	r.Register("u3", Address{ConnID: "c3"})

	online := r.ListOnline([]string{"u1", "u2", "u3"})
	if len(online) != 2 {
		t.Fatalf("expected 2 online, got %d", len(online))
	}
	got := map[string]bool{}
	for _, a := range online {
		got[a.ConnID] = true
	}
	if !got["c1"] || !got["c3"] {
		t.Errorf("unexpected online set: %v", got)
	}
}
