package chatsync

import (
	"encoding/json"
	"fmt"
)

// Socket events. The same names are used inbound (server push) and outbound
// (mirror events emitted after a confirmed local action).
const (
	EventNewMessage             = "newMessage"
	EventNewGroupMessage        = "newGroupMessage"
	EventReactionAdded          = "reactionAdded"
	EventReactionRemoved        = "reactionRemoved"
	EventMessageRecalled        = "messageRecalled"
	EventMessageDeleted         = "messageDeleted"
	EventMessageRead            = "messageRead"
	EventTyping                 = "typing"
	EventStopTyping             = "stopTyping"
	EventFriendRequestSent      = "friendRequestSent"
	EventFriendRequestWithdrawn = "friendRequestWithdrawn"
	EventFriendRequestResponded = "friendRequestResponded"
	EventFriendAdded            = "friendAdded"
	EventFriendRemoved          = "friendRemoved"
	EventUserOnline             = "userOnline"
	EventUserOffline            = "userOffline"
	EventGroupCreated           = "groupCreated"
	EventGroupJoined            = "groupJoined"
	EventGroupMembersChanged    = "groupMembersChanged"
	EventGroupLeft              = "groupLeft"
)

// Meta events raised by the Channel itself.
const (
	EventAuthenticated = "authenticated"
	EventConnect       = "connect"
	EventDisconnect    = "disconnect"
	EventReconnecting  = "reconnecting"
	EventReconnect     = "reconnect"
	EventOffline       = "offline"
)

// Envelope is the wire format for all socket frames.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is the first frame of every connection.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// DisconnectPayload accompanies EventDisconnect.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// ReconnectingPayload accompanies EventReconnecting.
type ReconnectingPayload struct {
	Attempt int   `json:"attempt"`
	DelayMs int64 `json:"delayMs"`
}

// ReactionEvent is the payload of reactionAdded and reactionRemoved.
type ReactionEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId"`
	Reaction       string `json:"reaction"`
}

// MessageRefEvent is the payload of messageRecalled, messageDeleted and messageRead.
type MessageRefEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
}

// TypingEvent is the payload of typing and stopTyping.
type TypingEvent struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	GroupID string `json:"groupId,omitempty"`
}

// ConversationKey resolves the conversation the signal belongs to, as seen by self.
func (e *TypingEvent) ConversationKey(self string) string {
	switch {
	case e.GroupID != "":
		return e.GroupID
	case e.From == self:
		return e.To
	default:
		return e.From
	}
}

// RelationEvent is the payload of the friend request and friendship events.
type RelationEvent struct {
	From      UserPayload `json:"from"`
	To        UserPayload `json:"to"`
	Accept    bool        `json:"accept,omitempty"`
	CreatedAt int64       `json:"createdAt,omitempty"`
}

// Counterpart returns the side of the event that is not self.
func (e *RelationEvent) Counterpart(self string) UserPayload {
	if e.From.ID == self {
		return e.To
	}
	return e.From
}

// PresenceEvent is the payload of userOnline and userOffline.
type PresenceEvent struct {
	UserID string `json:"userId"`
}

// GroupRefEvent is the payload of groupLeft.
type GroupRefEvent struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId,omitempty"`
}

// decodeEvent unmarshals payload into T. Any failure is reported as ErrMalformedPayload.
func decodeEvent[T any](event string, payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, fmt.Errorf("%w: %s without payload", ErrMalformedPayload, event)
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, event, err)
	}
	return v, nil
}
