package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reliefhub/internal/auth"
	"reliefhub/internal/models"
)

func newTestStore(t *testing.T) *BboltStore {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "store_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	s, err := NewBboltStore(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	store := newTestStore(t)

	t.Run("Credentials", func(t *testing.T) {
		creds := auth.Credentials{
			Principal: models.Principal{
				ID:          "user1",
				UserName:    "alice",
				DisplayName: "Alice",
				Role:        models.RoleGeneral,
				Status:      models.PrincipalStatusActive,
			},
			PasswordHash: "hash",
		}
		if err := store.UpsertCredentials(creds); err != nil {
			t.Fatalf("UpsertCredentials failed: %v", err)
		}

		listCreds, err := store.ListCredentials()
		if err != nil {
			t.Fatalf("ListCredentials failed: %v", err)
		}
		if len(listCreds) != 1 {
			t.Fatalf("expected 1 credential, got %d", len(listCreds))
		}
		if listCreds[0].ID != creds.ID {
			t.Errorf("expected ID %s, got %s", creds.ID, listCreds[0].ID)
		}
		if listCreds[0].PasswordHash != creds.PasswordHash {
			t.Errorf("expected PasswordHash %s, got %s", creds.PasswordHash, listCreds[0].PasswordHash)
		}

		// Deleted principals are invisible to readers.
		deleted := auth.Credentials{
			Principal: models.Principal{
				ID:       "user2",
				UserName: "bob",
				Status:   models.PrincipalStatusDeleted,
			},
		}
		if err := store.UpsertCredentials(deleted); err != nil {
			t.Fatalf("UpsertCredentials deleted failed: %v", err)
		}
		listCreds, err = store.ListCredentials()
		if err != nil {
			t.Fatalf("ListCredentials failed: %v", err)
		}
		if len(listCreds) != 1 {
			t.Errorf("expected 1 active credential, got %d", len(listCreds))
		}
		if _, err := store.GetPrincipal("user2"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound for deleted principal, got %v", err)
		}
	})

	t.Run("Location", func(t *testing.T) {
		if err := store.UpdateLocation("user1", 48.2, 16.37); err != nil {
			t.Fatalf("UpdateLocation failed: %v", err)
		}
		p, err := store.GetPrincipal("user1")
		if err != nil {
			t.Fatalf("GetPrincipal failed: %v", err)
		}
		if p.Latitude != 48.2 || p.Longitude != 16.37 {
			t.Errorf("unexpected coordinates: %v %v", p.Latitude, p.Longitude)
		}
		if err := store.UpdateLocation("ghost", 0, 0); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown principal, got %v", err)
		}
	})

	t.Run("SafetyStatus", func(t *testing.T) {
		if err := store.UpdateSafetyStatus("user1", models.SafetyStatusSafe); err != nil {
			t.Fatalf("UpdateSafetyStatus failed: %v", err)
		}
		p, err := store.GetPrincipal("user1")
		if err != nil {
			t.Fatal(err)
		}
		if p.SafetyStatus != models.SafetyStatusSafe {
			t.Errorf("expected safety status %s, got %s", models.SafetyStatusSafe, p.SafetyStatus)
		}
	})

	t.Run("Groups", func(t *testing.T) {
		group, err := store.CreateGroup("Sector 7 cleanup", "user1")
		if err != nil {
			t.Fatalf("CreateGroup failed: %v", err)
		}
		if group.InviteToken == "" {
			t.Fatal("expected a non-empty invite token")
		}

		exists, err := store.GroupExists(group.ID)
		if err != nil || !exists {
			t.Fatalf("GroupExists = %v, %v", exists, err)
		}

		// Creator becomes the first member.
		member, err := store.IsGroupMember(group.ID, "user1")
		if err != nil || !member {
			t.Fatalf("creator should be a member, got %v, %v", member, err)
		}

		byInvite, err := store.GetGroupByInvite(group.InviteToken)
		if err != nil {
			t.Fatalf("GetGroupByInvite failed: %v", err)
		}
		if byInvite.ID != group.ID {
			t.Errorf("expected group %s, got %s", group.ID, byInvite.ID)
		}
		if _, err := store.GetGroupByInvite("bogus"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown invite, got %v", err)
		}

		// Joining twice keeps a single membership record.
		if err := store.AddMembership(group.ID, "user3", models.MemberRoleMember); err != nil {
			t.Fatalf("AddMembership failed: %v", err)
		}
		if err := store.AddMembership(group.ID, "user3", models.MemberRoleMember); err != nil {
			t.Fatalf("repeat AddMembership failed: %v", err)
		}
		members, err := store.ListGroupMembers(group.ID)
		if err != nil {
			t.Fatalf("ListGroupMembers failed: %v", err)
		}
		if len(members) != 2 {
			t.Errorf("expected 2 members, got %d: %v", len(members), members)
		}

		if err := store.AddMembership("nope", "user3", models.MemberRoleMember); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound joining unknown group, got %v", err)
		}

		groups, err := store.ListGroupsForMember("user3")
		if err != nil {
			t.Fatalf("ListGroupsForMember failed: %v", err)
		}
		if len(groups) != 1 || groups[0].ID != group.ID {
			t.Errorf("unexpected groups for user3: %v", groups)
		}
	})

	t.Run("Connections", func(t *testing.T) {
		conn := models.Connection{
			RequesterID: "user3",
			ReceiverID:  "user1",
			Status:      models.ConnectionStatusRequesting,
		}
		if err := store.UpsertConnection(conn); err != nil {
			t.Fatalf("UpsertConnection failed: %v", err)
		}
		accepted, err := store.HasAcceptedConnection("user1", "user3")
		if err != nil {
			t.Fatal(err)
		}
		if accepted {
			t.Error("a pending request is not an accepted connection")
		}

		// The record is readable from either side and keeps who asked whom.
		got, err := store.GetConnection("user1", "user3")
		if err != nil {
			t.Fatalf("GetConnection failed: %v", err)
		}
		if got.RequesterID != "user3" || got.ReceiverID != "user1" || got.Status != models.ConnectionStatusRequesting {
			t.Errorf("unexpected connection record: %+v", got)
		}
		if _, err := store.GetConnection("user1", "nobody"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown pair, got %v", err)
		}

		conn.Status = models.ConnectionStatusAccepted
		if err := store.UpsertConnection(conn); err != nil {
			t.Fatalf("UpsertConnection accept failed: %v", err)
		}
		// Order of the pair must not matter.
		for _, pair := range [][2]string{{"user1", "user3"}, {"user3", "user1"}} {
			accepted, err := store.HasAcceptedConnection(pair[0], pair[1])
			if err != nil || !accepted {
				t.Errorf("HasAcceptedConnection(%s, %s) = %v, %v", pair[0], pair[1], accepted, err)
			}
		}

		peers, err := store.ListAcceptedPeers("user1")
		if err != nil {
			t.Fatalf("ListAcceptedPeers failed: %v", err)
		}
		if len(peers) != 1 || peers[0] != "user3" {
			t.Errorf("unexpected peers: %v", peers)
		}
	})

	t.Run("Tokens", func(t *testing.T) {
		if err := store.UpsertToken("user1", "token_hash_123"); err != nil {
			t.Fatalf("UpsertToken failed: %v", err)
		}
		tokens, err := store.ListTokens()
		if err != nil {
			t.Fatalf("ListTokens failed: %v", err)
		}
		if tokens["token_hash_123"] != "user1" {
			t.Errorf("expected user1 for token, got %s", tokens["token_hash_123"])
		}
		if err := store.DeleteToken("token_hash_123"); err != nil {
			t.Fatalf("DeleteToken failed: %v", err)
		}
		tokens, err = store.ListTokens()
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := tokens["token_hash_123"]; ok {
			t.Error("expected token to be deleted")
		}
	})
}

func TestMessages(t *testing.T) {
	store := newTestStore(t)

	t.Run("AppendAndWindow", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			if _, err := store.AppendMessage("broadcast", "user1", fmt.Sprintf("msg %d", i), ""); err != nil {
				t.Fatalf("AppendMessage %d failed: %v", i, err)
			}
		}

		msgs, err := store.ListMessages("broadcast", 3)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(msgs) != 3 {
			t.Fatalf("expected window of 3, got %d", len(msgs))
		}
		// The window is the newest 3, presented oldest-first.
		if msgs[0].Content != "msg 2" || msgs[2].Content != "msg 4" {
			t.Errorf("unexpected window contents: %q .. %q", msgs[0].Content, msgs[2].Content)
		}
		for i := 1; i < len(msgs); i++ {
			if msgs[i].Timestamp <= msgs[i-1].Timestamp {
				t.Errorf("timestamps not ascending at %d: %d <= %d", i, msgs[i].Timestamp, msgs[i-1].Timestamp)
			}
		}
	})

	t.Run("MonotonicUnderClockStall", func(t *testing.T) {
		frozen := time.Now()
		store.now = func() time.Time { return frozen }

		first, err := store.AppendMessage("group:g1", "user1", "one", "")
		if err != nil {
			t.Fatal(err)
		}
		second, err := store.AppendMessage("group:g1", "user1", "two", "")
		if err != nil {
			t.Fatal(err)
		}
		if second.Timestamp <= first.Timestamp {
			t.Errorf("expected strictly increasing timestamps, got %d then %d", first.Timestamp, second.Timestamp)
		}
		store.now = time.Now
	})

	t.Run("GetAndDelete", func(t *testing.T) {
		msg, err := store.AppendMessage("broadcast", "user1", "ephemeral", "")
		if err != nil {
			t.Fatal(err)
		}

		got, err := store.GetMessage(msg.ID)
		if err != nil {
			t.Fatalf("GetMessage failed: %v", err)
		}
		if got.Content != "ephemeral" || got.ConversationID != "broadcast" {
			t.Errorf("unexpected message: %+v", got)
		}

		deleted, err := store.DeleteMessage(msg.ID)
		if err != nil {
			t.Fatalf("DeleteMessage failed: %v", err)
		}
		if deleted.ConversationID != "broadcast" {
			t.Errorf("expected conversation broadcast, got %s", deleted.ConversationID)
		}
		if _, err := store.GetMessage(msg.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if _, err := store.DeleteMessage(msg.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound on repeat delete, got %v", err)
		}
	})

	t.Run("EmptyConversation", func(t *testing.T) {
		msgs, err := store.ListMessages("group:empty", 50)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("expected no messages, got %d", len(msgs))
		}
		if _, err := store.AppendMessage("", "user1", "nope", ""); err == nil {
			t.Error("expected error for missing conversation id")
		}
	})
}

func TestReadState(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.AppendMessage("group:g1", "alice", "hello", ""); err != nil {
		t.Fatal(err)
	}

	// No read mark yet: someone else's message counts as unread.
	unread, err := store.Unread("bob", "group:g1")
	if err != nil {
		t.Fatal(err)
	}
	if !unread {
		t.Error("expected unread before any read mark")
	}

	// The author never sees their own messages as unread.
	unread, err = store.Unread("alice", "group:g1")
	if err != nil {
		t.Fatal(err)
	}
	if unread {
		t.Error("own messages should not count as unread")
	}

	if err := store.MarkRead("bob", "group:g1", time.Now().UnixNano()); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	unread, err = store.Unread("bob", "group:g1")
	if err != nil {
		t.Fatal(err)
	}
	if unread {
		t.Error("expected no unread after MarkRead")
	}

	if _, err := store.AppendMessage("group:g1", "alice", "newer", ""); err != nil {
		t.Fatal(err)
	}
	unread, err = store.Unread("bob", "group:g1")
	if err != nil {
		t.Fatal(err)
	}
	if !unread {
		t.Error("expected unread after a newer message arrived")
	}
}
