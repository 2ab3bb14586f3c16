package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the chat backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns nil for a successful result and the backend error otherwise.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "UNKNOWN", Message: "request failed"}
}

// ============================================================================
// Data Model
// ============================================================================

// ContentKind is the kind of content a message carries.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
	KindFile  ContentKind = "file"
)

// DeliveryStatus is the delivery state of a message.
type DeliveryStatus string

const (
	StatusSent DeliveryStatus = "sent"
	StatusRead DeliveryStatus = "read"
)

// ConversationKind distinguishes personal and group conversations.
type ConversationKind string

const (
	ConversationPersonal ConversationKind = "personal"
	ConversationGroup    ConversationKind = "group"
)

// RecalledContent replaces the content of a recalled message.
const RecalledContent = "__recalled__"

// FileMeta describes an uploaded file or image referenced by a message.
type FileMeta struct {
	Name     string
	Size     int64
	MimeType string
}

// Reaction is one member of a message's reaction set.
type Reaction struct {
	Sender string
	Emoji  string
}

// Message is one entry of a conversation log.
type Message struct {
	ID             string
	LocalID        string
	ConversationID string
	SenderID       string
	Content        string
	Kind           ContentKind
	File           *FileMeta
	CreatedAt      time.Time
	Status         DeliveryStatus
	Recalled       bool
	Reactions      []Reaction
	Pending        bool
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.File != nil {
		f := *m.File
		m.File = &f
	}
	if m.Reactions != nil {
		m.Reactions = append(make([]Reaction, 0, len(m.Reactions)), m.Reactions...)
	}
	return m
}

// Draft is the locally composed content of a message that is about to be sent.
type Draft struct {
	Content string
	Kind    ContentKind
	File    *FileMeta
}

// Profile is the public identity of another user.
type Profile struct {
	ID     string
	Name   string
	Avatar string
}

// Friend is an established friendship.
type Friend struct {
	Profile
	Online bool
}

// RequestDirection tells whether a friend request was sent or received.
type RequestDirection string

const (
	DirectionSent     RequestDirection = "sent"
	DirectionReceived RequestDirection = "received"
)

// FriendRequest is a pending friend request.
type FriendRequest struct {
	Direction   RequestDirection
	Counterpart Profile
	CreatedAt   time.Time
}

// Group is group conversation metadata.
type Group struct {
	ID      string
	Name    string
	Avatar  string
	Members []string
}

// ============================================================================
// Wire Types
// ============================================================================

// ReactionPayload is the wire form of a reaction.
type ReactionPayload struct {
	UserID   string `json:"userId"`
	Reaction string `json:"reaction"`
}

// MessagePayload is the wire form of a message in REST responses and socket events.
// CreatedAt is a unix timestamp in milliseconds.
type MessagePayload struct {
	ID             string            `json:"id"`
	ClientID       string            `json:"clientId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	SenderID       string            `json:"senderId"`
	ReceiverID     string            `json:"receiverId,omitempty"`
	GroupID        string            `json:"groupId,omitempty"`
	Content        string            `json:"content"`
	Type           string            `json:"type,omitempty"`
	FileName       string            `json:"fileName,omitempty"`
	FileSize       int64             `json:"fileSize,omitempty"`
	MimeType       string            `json:"mimeType,omitempty"`
	CreatedAt      int64             `json:"createdAt"`
	Status         string            `json:"status,omitempty"`
	Recalled       bool              `json:"isRecalled,omitempty"`
	Reactions      []ReactionPayload `json:"reactions,omitempty"`
}

// ConversationKey resolves the conversation a message belongs to, as seen by self:
// the group for group messages, otherwise the peer.
func (p *MessagePayload) ConversationKey(self string) string {
	switch {
	case p.GroupID != "":
		return p.GroupID
	case p.ConversationID != "":
		return p.ConversationID
	case p.SenderID == self:
		return p.ReceiverID
	default:
		return p.SenderID
	}
}

// Message converts the payload to a Message for the given conversation.
func (p *MessagePayload) Message(conversationID string) (Message, error) {
	if p.ID == "" {
		return Message{}, fmt.Errorf("%w: message without id", ErrMalformedPayload)
	}
	if conversationID == "" {
		return Message{}, fmt.Errorf("%w: message %s without conversation", ErrMalformedPayload, p.ID)
	}
	m := Message{
		ID:             p.ID,
		LocalID:        p.ClientID,
		ConversationID: conversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		Kind:           inferKind(p),
		Status:         StatusSent,
		Recalled:       p.Recalled,
	}
	if p.CreatedAt != 0 {
		m.CreatedAt = time.UnixMilli(p.CreatedAt)
	}
	if p.Status == string(StatusRead) {
		m.Status = StatusRead
	}
	if p.FileName != "" || p.MimeType != "" {
		m.File = &FileMeta{Name: p.FileName, Size: p.FileSize, MimeType: p.MimeType}
	}
	if m.Recalled {
		m.Content = RecalledContent
		m.File = nil
	}
	// A nil list means the payload did not carry reactions at all.
	if p.Reactions != nil {
		m.Reactions = make([]Reaction, 0, len(p.Reactions))
		for _, r := range p.Reactions {
			m.Reactions = addReaction(m.Reactions, Reaction{Sender: r.UserID, Emoji: r.Reaction})
		}
	}
	return m, nil
}

// inferKind trusts the explicit type field. Sniffing the file metadata is only a
// fallback for backends that omit it.
func inferKind(p *MessagePayload) ContentKind {
	switch ContentKind(p.Type) {
	case KindText, KindImage, KindFile:
		return ContentKind(p.Type)
	}
	if p.FileName == "" && p.MimeType == "" {
		return KindText
	}
	if strings.HasPrefix(p.MimeType, "image/") {
		return KindImage
	}
	return KindFile
}

// UserPayload is the wire form of a user profile.
type UserPayload struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Online bool   `json:"online,omitempty"`
}

func (u UserPayload) profile() Profile {
	return Profile{ID: u.ID, Name: u.Name, Avatar: u.Avatar}
}

// FriendRequestPayload is the wire form of a pending friend request.
type FriendRequestPayload struct {
	User      UserPayload `json:"user"`
	CreatedAt int64       `json:"createdAt,omitempty"`
}

// GroupPayload is the wire form of a group.
type GroupPayload struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Avatar  string   `json:"avatar,omitempty"`
	Members []string `json:"members,omitempty"`
}

func (g GroupPayload) group() Group {
	return Group{ID: g.ID, Name: g.Name, Avatar: g.Avatar, Members: append([]string(nil), g.Members...)}
}

// MessageData is the payload of a successful send or forward.
type MessageData struct {
	ConversationID string         `json:"conversationId,omitempty"`
	Message        MessagePayload `json:"message"`
}

// ============================================================================
// REST Option Types
// ============================================================================

// LoginOptions carries login credentials.
type LoginOptions struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginData is returned by a successful login.
type LoginData struct {
	Token     string      `json:"token"`
	User      UserPayload `json:"user"`
	ExpiresIn string      `json:"expiresIn,omitempty"`
}

// SendOptions is the body of a message send.
type SendOptions struct {
	ClientID string `json:"clientId,omitempty"`
	Content  string `json:"content"`
	Type     string `json:"type"`
	FileName string `json:"fileName,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// PaginationOptions controls history page size.
type PaginationOptions struct {
	Limit  int
	Before time.Time
}

// PresignOptions requests an upload slot.
type PresignOptions struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// PresignResult is the upload slot granted by the backend.
type PresignResult struct {
	UploadID string            `json:"uploadId"`
	URL      string            `json:"url"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// UploadResult describes a confirmed upload.
type UploadResult struct {
	UploadID string `json:"uploadId"`
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// UploadOptions configures Upload.
type UploadOptions struct {
	FileName   string
	MimeType   string
	OnProgress func(uploaded, total int64)
}
