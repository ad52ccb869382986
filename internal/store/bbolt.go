package store

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"reliefhub/internal/auth"
	"reliefhub/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketPrincipals  = []byte("principals")
	bucketGroups      = []byte("groups")
	bucketInvites     = []byte("invites")
	bucketMemberships = []byte("memberships")
	bucketConnections = []byte("connections")
	bucketMessages    = []byte("messages")
	bucketMessageRefs = []byte("message_refs")
	bucketReadStates  = []byte("read_states")
	bucketTokens      = []byte("tokens")
)

type BboltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	buckets := [][]byte{
		bucketPrincipals,
		bucketGroups,
		bucketInvites,
		bucketMemberships,
		bucketConnections,
		bucketMessages,
		bucketMessageRefs,
		bucketReadStates,
		bucketTokens,
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStore{db: db, now: time.Now}, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

// --- Principals and credentials ---

// UpsertCredentials stores new or updated principal credentials.
func (s *BboltStore) UpsertCredentials(credentials auth.Credentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPrincipals)
		dbPrincipal := &DBPrincipal{
			ID:                  credentials.ID,
			UserName:            credentials.UserName,
			DisplayName:         credentials.DisplayName,
			Role:                string(credentials.Role),
			SafetyStatus:        string(credentials.SafetyStatus),
			Status:              string(credentials.Status),
			Latitude:            credentials.Latitude,
			Longitude:           credentials.Longitude,
			PasswordHash:        credentials.PasswordHash,
			FailedLoginAttempts: credentials.FailedLoginAttempts,
			LastAttemptTime:     credentials.LastAttemptTime,
		}
		data, err := dbPrincipal.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbPrincipal.Key(), data)
	})
}

// ListCredentials returns all active principal credentials.
func (s *BboltStore) ListCredentials() ([]auth.Credentials, error) {
	var credentials []auth.Credentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPrincipals)
		return b.ForEach(func(k, v []byte) error {
			var p DBPrincipal
			if err := p.UnmarshalBinary(v); err != nil {
				return err
			}
			if models.PrincipalStatus(p.Status) != models.PrincipalStatusActive {
				return nil
			}
			credentials = append(credentials, auth.Credentials{
				Principal:           principalFromDB(p),
				PasswordHash:        p.PasswordHash,
				FailedLoginAttempts: p.FailedLoginAttempts,
				LastAttemptTime:     p.LastAttemptTime,
			})
			return nil
		})
	})
	return credentials, err
}

func principalFromDB(p DBPrincipal) models.Principal {
	return models.Principal{
		ID:           p.ID,
		UserName:     p.UserName,
		DisplayName:  p.DisplayName,
		Role:         models.Role(p.Role),
		SafetyStatus: models.SafetyStatus(p.SafetyStatus),
		Status:       models.PrincipalStatus(p.Status),
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
	}
}

func (s *BboltStore) GetPrincipal(id string) (models.Principal, error) {
	var principal models.Principal
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPrincipals).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var p DBPrincipal
		if err := p.UnmarshalBinary(data); err != nil {
			return err
		}
		if models.PrincipalStatus(p.Status) == models.PrincipalStatusDeleted {
			return models.ErrNotFound
		}
		principal = principalFromDB(p)
		return nil
	})
	return principal, err
}

func (s *BboltStore) ListPrincipals() ([]models.Principal, error) {
	var principals []models.Principal
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPrincipals).ForEach(func(k, v []byte) error {
			var p DBPrincipal
			if err := p.UnmarshalBinary(v); err != nil {
				return err
			}
			if models.PrincipalStatus(p.Status) == models.PrincipalStatusActive {
				principals = append(principals, principalFromDB(p))
			}
			return nil
		})
	})
	return principals, err
}

// UpdateLocation stores a principal's last-known coordinates.
func (s *BboltStore) UpdateLocation(id string, latitude, longitude float64) error {
	return s.updatePrincipal(id, func(p *DBPrincipal) {
		p.Latitude = latitude
		p.Longitude = longitude
	})
}

func (s *BboltStore) UpdateSafetyStatus(id string, status models.SafetyStatus) error {
	return s.updatePrincipal(id, func(p *DBPrincipal) {
		p.SafetyStatus = string(status)
	})
}

func (s *BboltStore) updatePrincipal(id string, mutate func(*DBPrincipal)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPrincipals)
		data := b.Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var p DBPrincipal
		if err := p.UnmarshalBinary(data); err != nil {
			return err
		}
		mutate(&p)
		out, err := p.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(p.Key(), out)
	})
}

// --- Groups and memberships ---

// CreateGroup creates a group with a fresh invitation token and makes
// the creator its first member.
func (s *BboltStore) CreateGroup(name, creatorID string) (models.Group, error) {
	group := models.Group{
		ID:          uuid.NewString(),
		Name:        name,
		InviteToken: uuid.NewString(),
		CreatorID:   creatorID,
		CreatedAt:   s.now().Unix(),
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbGroup := &DBGroup{
			ID:          group.ID,
			Name:        group.Name,
			InviteToken: group.InviteToken,
			CreatorID:   group.CreatorID,
			CreatedAt:   group.CreatedAt,
		}
		data, err := dbGroup.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketGroups).Put(dbGroup.Key(), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketInvites).Put([]byte(group.InviteToken), []byte(group.ID)); err != nil {
			return err
		}
		if creatorID == "" {
			return nil
		}
		return putMembership(tx, DBMembership{
			GroupID:  group.ID,
			MemberID: creatorID,
			Role:     string(models.MemberRoleAdmin),
			JoinedAt: group.CreatedAt,
		})
	})
	if err != nil {
		return models.Group{}, fmt.Errorf("failed to create group: %w", err)
	}
	return group, nil
}

func (s *BboltStore) GetGroup(id string) (models.Group, error) {
	var group models.Group
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketGroups).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var g DBGroup
		if err := g.UnmarshalBinary(data); err != nil {
			return err
		}
		group = groupFromDB(g)
		return nil
	})
	return group, err
}

// GetGroupByInvite resolves an invitation token to its group.
func (s *BboltStore) GetGroupByInvite(token string) (models.Group, error) {
	var group models.Group
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketInvites).Get([]byte(token))
		if id == nil {
			return models.ErrNotFound
		}
		data := tx.Bucket(bucketGroups).Get(id)
		if data == nil {
			return models.ErrNotFound
		}
		var g DBGroup
		if err := g.UnmarshalBinary(data); err != nil {
			return err
		}
		group = groupFromDB(g)
		return nil
	})
	return group, err
}

func groupFromDB(g DBGroup) models.Group {
	return models.Group{
		ID:          g.ID,
		Name:        g.Name,
		InviteToken: g.InviteToken,
		CreatorID:   g.CreatorID,
		CreatedAt:   g.CreatedAt,
	}
}

func (s *BboltStore) GroupExists(id string) (bool, error) {
	_, err := s.GetGroup(id)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func putMembership(tx *bbolt.Tx, m DBMembership) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMemberships).Put(m.Key(), data)
}

// AddMembership is an upsert: joining twice keeps a single record.
func (s *BboltStore) AddMembership(groupID, memberID string, role models.MemberRole) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketGroups).Get([]byte(groupID)) == nil {
			return models.ErrNotFound
		}
		return putMembership(tx, DBMembership{
			GroupID:  groupID,
			MemberID: memberID,
			Role:     string(role),
			JoinedAt: s.now().Unix(),
		})
	})
}

func (s *BboltStore) IsGroupMember(groupID, principalID string) (bool, error) {
	var member bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		member = tx.Bucket(bucketMemberships).Get([]byte(groupID+"/"+principalID)) != nil
		return nil
	})
	return member, err
}

func (s *BboltStore) ListGroupMembers(groupID string) ([]string, error) {
	var members []string
	prefix := []byte(groupID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketMemberships).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m DBMembership
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			members = append(members, m.MemberID)
		}
		return nil
	})
	return members, err
}

// ListGroupsForMember scans all memberships; conversation counts are
// small enough that an inverse index is not worth carrying.
func (s *BboltStore) ListGroupsForMember(memberID string) ([]models.Group, error) {
	var groups []models.Group
	err := s.db.View(func(tx *bbolt.Tx) error {
		groupsBucket := tx.Bucket(bucketGroups)
		return tx.Bucket(bucketMemberships).ForEach(func(k, v []byte) error {
			var m DBMembership
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			if m.MemberID != memberID {
				return nil
			}
			data := groupsBucket.Get([]byte(m.GroupID))
			if data == nil {
				return nil
			}
			var g DBGroup
			if err := g.UnmarshalBinary(data); err != nil {
				return err
			}
			groups = append(groups, groupFromDB(g))
			return nil
		})
	})
	return groups, err
}

// --- Connections ---

func (s *BboltStore) UpsertConnection(conn models.Connection) error {
	if conn.CreatedAt == 0 {
		conn.CreatedAt = s.now().Unix()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbConn := &DBConnection{
			RequesterID: conn.RequesterID,
			ReceiverID:  conn.ReceiverID,
			Status:      string(conn.Status),
			CreatedAt:   conn.CreatedAt,
		}
		data, err := dbConn.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConnections).Put(dbConn.Key(), data)
	})
}

// GetConnection returns the relationship record for a pair, regardless
// of who requested it.
func (s *BboltStore) GetConnection(a, b string) (models.Connection, error) {
	if a > b {
		a, b = b, a
	}
	var conn models.Connection
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConnections).Get([]byte(a + "/" + b))
		if data == nil {
			return models.ErrNotFound
		}
		var c DBConnection
		if err := c.UnmarshalBinary(data); err != nil {
			return err
		}
		conn = models.Connection{
			RequesterID: c.RequesterID,
			ReceiverID:  c.ReceiverID,
			Status:      models.ConnectionStatus(c.Status),
			CreatedAt:   c.CreatedAt,
		}
		return nil
	})
	return conn, err
}

// HasAcceptedConnection reports whether an accepted mutual relationship
// exists between the pair, regardless of who requested it.
func (s *BboltStore) HasAcceptedConnection(a, b string) (bool, error) {
	if a > b {
		a, b = b, a
	}
	var accepted bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConnections).Get([]byte(a + "/" + b))
		if data == nil {
			return nil
		}
		var c DBConnection
		if err := c.UnmarshalBinary(data); err != nil {
			return err
		}
		accepted = models.ConnectionStatus(c.Status) == models.ConnectionStatusAccepted
		return nil
	})
	return accepted, err
}

// ListAcceptedPeers returns the ids of all principals the given one has
// an accepted connection with.
func (s *BboltStore) ListAcceptedPeers(principalID string) ([]string, error) {
	var peers []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConnections).ForEach(func(k, v []byte) error {
			var c DBConnection
			if err := c.UnmarshalBinary(v); err != nil {
				return err
			}
			if models.ConnectionStatus(c.Status) != models.ConnectionStatusAccepted {
				return nil
			}
			switch principalID {
			case c.RequesterID:
				peers = append(peers, c.ReceiverID)
			case c.ReceiverID:
				peers = append(peers, c.RequesterID)
			}
			return nil
		})
	})
	return peers, err
}

// --- Messages ---

// AppendMessage persists a message with a server timestamp strictly
// greater than the previous message's timestamp in the same
// conversation. Monotonicity is enforced inside the write transaction,
// so concurrent senders serialize at the storage layer.
func (s *BboltStore) AppendMessage(conversationID, senderID, content, imageURL string) (models.Message, error) {
	if conversationID == "" {
		return models.Message{}, errors.New("message missing conversation")
	}
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ImageURL:       imageURL,
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		ts := s.now().UnixNano()
		if _, v := convBucket.Cursor().Last(); v != nil {
			var prev DBMessage
			if err := prev.UnmarshalBinary(v); err != nil {
				return err
			}
			if ts <= prev.Timestamp {
				ts = prev.Timestamp + 1
			}
		}
		msg.Timestamp = ts

		dbMsg := DBMessage{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Content:        msg.Content,
			ImageURL:       msg.ImageURL,
			Timestamp:      msg.Timestamp,
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := DBMessageRef{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			Timestamp:      msg.Timestamp,
		}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMessageRefs).Put(ref.Key(), refData)
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListMessages returns the newest limit messages of a conversation,
// reordered oldest-first. The window is the most recent slice of the
// history, but it is displayed in ascending timestamp order.
func (s *BboltStore) ListMessages(conversationID string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil
		}
		c := convBucket.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(messages) < limit); k, v = c.Prev() {
			var m DBMessage
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				ID:             m.ID,
				ConversationID: m.ConversationID,
				SenderID:       m.SenderID,
				Content:        m.Content,
				ImageURL:       m.ImageURL,
				Timestamp:      m.Timestamp,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetMessage looks a message up by id through the ref index.
func (s *BboltStore) GetMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		refData := tx.Bucket(bucketMessageRefs).Get([]byte(id))
		if refData == nil {
			return models.ErrNotFound
		}
		var ref DBMessageRef
		if err := ref.UnmarshalBinary(refData); err != nil {
			return err
		}
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID))
		if convBucket == nil {
			return models.ErrNotFound
		}
		data := convBucket.Get((&DBMessage{Timestamp: ref.Timestamp}).Key())
		if data == nil {
			return models.ErrNotFound
		}
		var m DBMessage
		if err := m.UnmarshalBinary(data); err != nil {
			return err
		}
		msg = models.Message{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Content:        m.Content,
			ImageURL:       m.ImageURL,
			Timestamp:      m.Timestamp,
		}
		return nil
	})
	return msg, err
}

// DeleteMessage hard-deletes a message and returns the conversation it
// belonged to, so open connections can be told to reconcile. Deleting
// an unknown id returns ErrNotFound; callers treat that as idempotent.
func (s *BboltStore) DeleteMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		refs := tx.Bucket(bucketMessageRefs)
		refData := refs.Get([]byte(id))
		if refData == nil {
			return models.ErrNotFound
		}
		var ref DBMessageRef
		if err := ref.UnmarshalBinary(refData); err != nil {
			return err
		}
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID))
		if convBucket != nil {
			key := (&DBMessage{Timestamp: ref.Timestamp}).Key()
			data := convBucket.Get(key)
			if data != nil {
				var m DBMessage
				if err := m.UnmarshalBinary(data); err != nil {
					return err
				}
				msg = models.Message{
					ID:             m.ID,
					ConversationID: m.ConversationID,
					SenderID:       m.SenderID,
					Content:        m.Content,
					ImageURL:       m.ImageURL,
					Timestamp:      m.Timestamp,
				}
			}
			if err := convBucket.Delete(key); err != nil {
				return err
			}
		}
		return refs.Delete([]byte(id))
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// --- Read state ---

// MarkRead upserts the last-read timestamp for (principal, conversation).
func (s *BboltStore) MarkRead(principalID, conversationID string, at int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		state := &DBReadState{
			PrincipalID:    principalID,
			ConversationID: conversationID,
			LastReadAt:     at,
		}
		data, err := state.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketReadStates).Put(state.Key(), data)
	})
}

// Unread reports whether the conversation holds a message newer than
// the principal's last-read mark that the principal did not author.
// Own messages never count as unread.
func (s *BboltStore) Unread(principalID, conversationID string) (bool, error) {
	var unread bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var lastRead int64
		stateData := tx.Bucket(bucketReadStates).Get([]byte(principalID + "/" + conversationID))
		if stateData != nil {
			var state DBReadState
			if err := state.UnmarshalBinary(stateData); err != nil {
				return err
			}
			lastRead = state.LastReadAt
		}

		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil
		}
		c := convBucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var m DBMessage
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			if m.Timestamp <= lastRead {
				return nil
			}
			if m.SenderID != principalID {
				unread = true
				return nil
			}
		}
		return nil
	})
	return unread, err
}

// --- Session tokens ---

func (s *BboltStore) UpsertToken(principalID, tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		token := &DBToken{PrincipalID: principalID, TokenHash: tokenHash}
		data, err := token.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTokens).Put(token.Key(), data)
	})
}

func (s *BboltStore) DeleteToken(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

func (s *BboltStore) ListTokens() (map[string]string, error) {
	tokens := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var t DBToken
			if err := t.UnmarshalBinary(v); err != nil {
				return err
			}
			tokens[t.TokenHash] = t.PrincipalID
			return nil
		})
	})
	return tokens, err
}
