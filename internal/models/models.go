package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
)

type Role string

const (
	RoleGeneral Role = "general"
	RoleAdmin   Role = "admin"
	RoleRescuer Role = "rescuer"
)

// Elevated roles bypass ordinary group membership checks.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleRescuer
}

type SafetyStatus string

const (
	SafetyStatusSafe    SafetyStatus = "safe"
	SafetyStatusHelp    SafetyStatus = "help"
	SafetyStatusUnknown SafetyStatus = "unknown"
)

type PrincipalStatus string

const (
	PrincipalStatusActive  PrincipalStatus = "active"
	PrincipalStatusDeleted PrincipalStatus = "deleted"
)

// Principal is an identity participating in conversations: a registered
// user, or (with an empty ID) an anonymous field terminal.
type Principal struct {
	ID           string          `json:"id"`
	UserName     string          `json:"userName"`
	DisplayName  string          `json:"displayName"`
	Role         Role            `json:"role"`
	SafetyStatus SafetyStatus    `json:"safetyStatus"`
	Status       PrincipalStatus `json:"status"`
	Latitude     float64         `json:"latitude,omitempty"`
	Longitude    float64         `json:"longitude,omitempty"`
}

// Group is a chat group. InviteToken is the opaque code embedded in
// invitation links; joining by token creates a Membership.
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	InviteToken string `json:"inviteToken,omitempty"`
	CreatorID   string `json:"creatorId"`
	CreatedAt   int64  `json:"createdAt"`
}

type MemberRole string

const (
	MemberRoleMember MemberRole = "member"
	MemberRoleAdmin  MemberRole = "admin"
)

// Membership is unique per (group, member).
type Membership struct {
	GroupID  string     `json:"groupId"`
	MemberID string     `json:"memberId"`
	Role     MemberRole `json:"role"`
	JoinedAt int64      `json:"joinedAt"`
}

type ConnectionStatus string

const (
	ConnectionStatusRequesting ConnectionStatus = "requesting"
	ConnectionStatusAccepted   ConnectionStatus = "accepted"
	ConnectionStatusBlocked    ConnectionStatus = "blocked"
)

// Connection is a mutual-relationship record between two principals.
// Only an accepted connection admits a direct-message conversation.
type Connection struct {
	RequesterID string           `json:"requesterId"`
	ReceiverID  string           `json:"receiverId"`
	Status      ConnectionStatus `json:"status"`
	CreatedAt   int64            `json:"createdAt"`
}

// Message is immutable once created, except for hard delete.
// Timestamp is server-assigned, in nanoseconds, strictly increasing
// within one conversation.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	ImageURL       string `json:"imageUrl,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// ClientEnvelope is the inbound application message. An envelope without
// a message body is dropped by the gateway.
type ClientEnvelope struct {
	Message  string `json:"message"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// LocationUpdate is the inbound payload of the location gateway.
type LocationUpdate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type EventType string

const (
	EventTypeMessage EventType = "message"
	EventTypeDelete  EventType = "delete"
)

// ServerEvent is the outbound envelope pushed to connections.
type ServerEvent struct {
	Type              EventType `json:"type"`
	ID                string    `json:"id,omitempty"`
	Message           string    `json:"message,omitempty"`
	Sender            string    `json:"sender,omitempty"`
	SenderDisplayName string    `json:"senderDisplayName,omitempty"`
	ImageURL          string    `json:"imageUrl,omitempty"`
	ConversationID    string    `json:"conversationId,omitempty"`
	MessageID         string    `json:"messageId,omitempty"`
}
