package store

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBPrincipal struct {
	ID                  string  `msgpack:"id"`
	UserName            string  `msgpack:"userName"`
	DisplayName         string  `msgpack:"displayName"`
	Role                string  `msgpack:"role"`
	SafetyStatus        string  `msgpack:"safetyStatus"`
	Status              string  `msgpack:"status"`
	Latitude            float64 `msgpack:"latitude"`
	Longitude           float64 `msgpack:"longitude"`
	PasswordHash        string  `msgpack:"passwordHash"`
	FailedLoginAttempts int64   `msgpack:"failedLoginAttempts"`
	LastAttemptTime     int64   `msgpack:"lastAttemptTime"`
}

func (p *DBPrincipal) Key() []byte {
	return []byte(p.ID)
}

func (p *DBPrincipal) MarshalBinary() (data []byte, err error) {
	type alias DBPrincipal
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPrincipal) UnmarshalBinary(data []byte) error {
	type alias DBPrincipal
	return msgpack.Unmarshal(data, (*alias)(p))
}

type DBGroup struct {
	ID          string `msgpack:"id"`
	Name        string `msgpack:"name"`
	InviteToken string `msgpack:"inviteToken"`
	CreatorID   string `msgpack:"creatorId"`
	CreatedAt   int64  `msgpack:"createdAt"`
}

func (g *DBGroup) Key() []byte {
	return []byte(g.ID)
}

func (g *DBGroup) MarshalBinary() (data []byte, err error) {
	type alias DBGroup
	return msgpack.Marshal((*alias)(g))
}

func (g *DBGroup) UnmarshalBinary(data []byte) error {
	type alias DBGroup
	return msgpack.Unmarshal(data, (*alias)(g))
}

type DBMembership struct {
	GroupID  string `msgpack:"groupId"`
	MemberID string `msgpack:"memberId"`
	Role     string `msgpack:"role"`
	JoinedAt int64  `msgpack:"joinedAt"`
}

// Membership keys are "<groupID>/<memberID>" so all members of one group
// share a key prefix. Ids are uuids and cannot contain the separator.
func (m *DBMembership) Key() []byte {
	return []byte(m.GroupID + "/" + m.MemberID)
}

func (m *DBMembership) MarshalBinary() (data []byte, err error) {
	type alias DBMembership
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMembership) UnmarshalBinary(data []byte) error {
	type alias DBMembership
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBConnection struct {
	RequesterID string `msgpack:"requesterId"`
	ReceiverID  string `msgpack:"receiverId"`
	Status      string `msgpack:"status"`
	CreatedAt   int64  `msgpack:"createdAt"`
}

// Connection keys use the sorted pair, so there is at most one
// relationship record per pair regardless of who requested it.
func (c *DBConnection) Key() []byte {
	a, b := c.RequesterID, c.ReceiverID
	if a > b {
		a, b = b, a
	}
	return []byte(a + "/" + b)
}

func (c *DBConnection) MarshalBinary() (data []byte, err error) {
	type alias DBConnection
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConnection) UnmarshalBinary(data []byte) error {
	type alias DBConnection
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID             string `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	Content        string `msgpack:"content"`
	ImageURL       string `msgpack:"imageUrl"`
	Timestamp      int64  `msgpack:"timestamp"`
}

// Messages are keyed by big-endian timestamp inside their conversation
// bucket, so cursor order is persistence order.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Timestamp))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message by id for delete-by-id.
type DBMessageRef struct {
	ID             string `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	Timestamp      int64  `msgpack:"timestamp"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.ID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBReadState struct {
	PrincipalID    string `msgpack:"principalId"`
	ConversationID string `msgpack:"conversationId"`
	LastReadAt     int64  `msgpack:"lastReadAt"`
}

func (r *DBReadState) Key() []byte {
	return []byte(r.PrincipalID + "/" + r.ConversationID)
}

func (r *DBReadState) MarshalBinary() (data []byte, err error) {
	type alias DBReadState
	return msgpack.Marshal((*alias)(r))
}

func (r *DBReadState) UnmarshalBinary(data []byte) error {
	type alias DBReadState
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBToken struct {
	PrincipalID string `msgpack:"principalId"`
	TokenHash   string `msgpack:"tokenHash"`
}

func (t *DBToken) Key() []byte {
	return []byte(t.TokenHash)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}
