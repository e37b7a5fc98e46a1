package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

func (t ConversationType) Valid() bool {
	return t == ConversationDirect || t == ConversationGroup
}

// ParticipantInfo is a snapshot of a user's display fields, captured when the
// user joins a conversation or sends a message. It is never refreshed.
type ParticipantInfo struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Avatar    string `json:"avatar"`
}

func (p ParticipantInfo) DisplayName() string {
	if p.FirstName == "" && p.LastName == "" {
		return p.Username
	}
	if p.LastName == "" {
		return p.FirstName
	}
	if p.FirstName == "" {
		return p.LastName
	}
	return p.FirstName + " " + p.LastName
}

type Conversation struct {
	ID               string            `json:"id"`
	Type             ConversationType  `json:"type"`
	ParticipantsHash string            `json:"participantsHash"`
	Participants     []ParticipantInfo `json:"participants"`
	CreatedDate      time.Time         `json:"createdDate"`
	ModifiedDate     time.Time         `json:"modifiedDate"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Sender         ParticipantInfo `json:"sender"`
	Content        string          `json:"message"`
	Sequence       int64           `json:"sequence"`
	CreatedDate    time.Time       `json:"createdDate"`
}

// MessageResponse is a Message as seen by one viewer.
type MessageResponse struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Me             bool            `json:"me"`
	Message        string          `json:"message"`
	Sender         ParticipantInfo `json:"sender"`
	Sequence       int64           `json:"sequence"`
	CreatedDate    time.Time       `json:"createdDate"`
}

func (m *Message) ViewFor(viewerID string) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Me:             m.Sender.UserID == viewerID,
		Message:        m.Content,
		Sender:         m.Sender,
		Sequence:       m.Sequence,
		CreatedDate:    m.CreatedDate,
	}
}

type ConversationResponse struct {
	ID                 string            `json:"id"`
	Type               ConversationType  `json:"type"`
	ParticipantsHash   string            `json:"participantsHash"`
	ConversationAvatar string            `json:"conversationAvatar"`
	ConversationName   string            `json:"conversationName"`
	Participants       []ParticipantInfo `json:"participants"`
	CreatedDate        time.Time         `json:"createdDate"`
	ModifiedDate       time.Time         `json:"modifiedDate"`
}

// ViewFor names a conversation from the viewer's side: a DIRECT conversation
// takes the other participant's name and avatar.
func (c *Conversation) ViewFor(viewerID string) ConversationResponse {
	res := ConversationResponse{
		ID:               c.ID,
		Type:             c.Type,
		ParticipantsHash: c.ParticipantsHash,
		Participants:     c.Participants,
		CreatedDate:      c.CreatedDate,
		ModifiedDate:     c.ModifiedDate,
	}
	var names []string
	for _, p := range c.Participants {
		if p.UserID == viewerID {
			continue
		}
		if res.ConversationAvatar == "" {
			res.ConversationAvatar = p.Avatar
		}
		names = append(names, p.DisplayName())
	}
	switch {
	case len(names) == 0:
		res.ConversationName = "Me"
	case c.Type == ConversationDirect:
		res.ConversationName = names[0]
	default:
		res.ConversationName = strings.Join(names, ", ")
	}
	return res
}

// ---------------------------------------------
// ⚡ Request & Transport Models
// ---------------------------------------------

type ConversationRequest struct {
	Type           ConversationType `json:"type" validate:"required,oneof=DIRECT GROUP"`
	ParticipantIDs []string         `json:"participantIds" validate:"required,min=1,dive,required"`
}

type ChatMessageRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Message        string `json:"message" validate:"required"`
}

// Event is the envelope of every websocket frame, in both directions.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
