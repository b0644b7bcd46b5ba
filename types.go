package pulse

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic REST response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Message Types
// ============================================================================

// TempIDPrefix marks ids assigned locally to messages the server has not
// confirmed yet.
const TempIDPrefix = "temp-"

// TombstoneContent replaces the content of a message deleted for everyone.
const TombstoneContent = "This message was deleted"

// IsTemporaryID reports whether id belongs to the local temporary id space.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentVideo    AttachmentType = "video"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentFile     AttachmentType = "file"
	AttachmentLocation AttachmentType = "location"
)

// Attachment is a media or location item carried by a message. Type-specific
// fields are left empty when they do not apply.
type Attachment struct {
	Type      AttachmentType `json:"type"`
	URL       string         `json:"url,omitempty"`
	Name      string         `json:"name,omitempty"`
	MimeType  string         `json:"mimeType,omitempty"`
	Size      int64          `json:"size,omitempty"`
	Thumbnail string         `json:"thumbnail,omitempty"`
	Duration  float64        `json:"duration,omitempty"`
	Latitude  *float64       `json:"latitude,omitempty"`
	Longitude *float64       `json:"longitude,omitempty"`
}

// SendState tracks whether the server has accepted a message. It is
// independent from delivery and read receipts.
type SendState string

const (
	SendPending SendState = "pending"
	SendSent    SendState = "sent"
)

// DisplayStatus is the single status shown next to an own message.
type DisplayStatus string

const (
	StatusNone      DisplayStatus = ""
	StatusSending   DisplayStatus = "sending"
	StatusSent      DisplayStatus = "sent"
	StatusDelivered DisplayStatus = "delivered"
	StatusRead      DisplayStatus = "read"
)

// Message is the unit of conversation content.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	SenderName     string         `json:"senderName,omitempty"`
	SenderAvatar   string         `json:"senderAvatar,omitempty"`
	Content        *string        `json:"content"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	SendState      SendState      `json:"sendState,omitempty"`
	DeliveredTo    []string       `json:"deliveredTo,omitempty"`
	ReadBy         []string       `json:"readBy,omitempty"`
	ParticipantIDs []string       `json:"participantIds,omitempty"`
	EditedAt       *time.Time     `json:"editedAt,omitempty"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
	SystemType     string         `json:"systemType,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Text returns the message content or "" when it has none.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// IsSystem reports whether the message was generated by the server rather
// than authored by a participant.
func (m Message) IsSystem() bool { return m.SystemType != "" }

// IsDeleted reports whether the message is a tombstone.
func (m Message) IsDeleted() bool { return m.DeletedAt != nil }

// IsPending reports whether the message still waits for server confirmation.
func (m Message) IsPending() bool {
	return m.SendState == SendPending || IsTemporaryID(m.ID)
}

// ============================================================================
// Conversation Types
// ============================================================================

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// ConversationRef identifies a conversation and the addressing needed for
// outbound events. Direct conversations address the peer, groups address
// the group id.
type ConversationRef struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	PeerID       string           `json:"peerId,omitempty"`
	GroupID      string           `json:"groupId,omitempty"`
	Participants []string         `json:"participants,omitempty"`
}

// IsGroup reports whether the conversation has more than one peer.
func (r ConversationRef) IsGroup() bool { return r.Kind == KindGroup }

func (r ConversationRef) participants(selfID string) []string {
	if len(r.Participants) > 0 {
		return r.Participants
	}
	if r.Kind == KindDirect && r.PeerID != "" {
		return []string{selfID, r.PeerID}
	}
	return nil
}

func strPtr(s string) *string { return &s }
