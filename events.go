package pulse

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Event Names
// ============================================================================

const (
	EventMessageSend       = "message:send"
	EventMessageNew        = "message:new"
	EventMessageDelivered  = "message:delivered"
	EventMessageRead       = "message:read"
	EventMessageEdit       = "message:edit"
	EventMessageEdited     = "message:edited"
	EventMessageDelete     = "message:delete"
	EventMessageDeleted    = "message:deleted"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventPresenceState     = "presence:state"
	EventPresenceUpdate    = "presence:update"
	EventPresenceSubscribe = "presence:subscribe"

	// eventAck carries the server acknowledgement for a request id.
	eventAck = "ack"
)

// ============================================================================
// Wire Envelope
// ============================================================================

// Envelope is the wire format for all realtime traffic in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ============================================================================
// Event Payload Types
// ============================================================================

// SendMessagePayload is emitted to create a message.
type SendMessagePayload struct {
	ConversationID string       `json:"conversationId"`
	Content        *string      `json:"content,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	TempID         string       `json:"tempId"`
}

// SendMessageAck is the server acknowledgement of a message:send.
type SendMessageAck struct {
	Message *Message  `json:"message,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// MessageNewPayload carries a confirmed message. TempID echoes the temporary
// id when the message originated from this client's own send.
type MessageNewPayload struct {
	Message Message `json:"message"`
	TempID  string  `json:"tempId,omitempty"`
}

type MessageDeliveredPayload struct {
	MessageID      string   `json:"messageId"`
	ParticipantIDs []string `json:"participantIds"`
}

// MessageReadPayload is the inbound read receipt; either MessageID or
// MessageIDs is set.
type MessageReadPayload struct {
	MessageID  string   `json:"messageId,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty"`
	ReaderID   string   `json:"readerId"`
}

func (p MessageReadPayload) ids() []string {
	if p.MessageID == "" {
		return p.MessageIDs
	}
	return append([]string{p.MessageID}, p.MessageIDs...)
}

// MarkReadPayload acknowledges reading. Direct conversations carry
// TargetUserID, groups carry GroupID.
type MarkReadPayload struct {
	MessageID      string   `json:"messageId,omitempty"`
	MessageIDs     []string `json:"messageIds,omitempty"`
	TargetUserID   string   `json:"targetUserId,omitempty"`
	GroupID        string   `json:"groupId,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
}

type EditMessagePayload struct {
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
}

type MessageEditedPayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId,omitempty"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"editedAt"`
}

type DeleteMessagePayload struct {
	MessageID         string `json:"messageId"`
	ConversationID    string `json:"conversationId"`
	DeleteForEveryone bool   `json:"deleteForEveryone"`
}

type MessageDeletedPayload struct {
	MessageID         string    `json:"messageId"`
	ConversationID    string    `json:"conversationId,omitempty"`
	DeleteForEveryone bool      `json:"deleteForEveryone"`
	DeletedAt         time.Time `json:"deletedAt"`
}

// TypingPayload travels in both directions. UserID is filled by the server
// on inbound events.
type TypingPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	TargetUserID   string `json:"targetUserId,omitempty"`
	UserID         string `json:"userId,omitempty"`
}

type PresenceStatePayload struct {
	OnlineUserIDs []string `json:"onlineUserIds"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

type PresenceUpdatePayload struct {
	UserID string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}
