//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_chat.go -package=mocks
package chat

import (
	"context"

	"go-chat/internal/profile"
)

// ConversationStore owns Conversation records.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*Conversation, error)
	// Create fails with ErrDuplicateConversation when a conversation with the
	// same participants hash already exists.
	Create(ctx context.Context, convType ConversationType, participants []ParticipantInfo) (*Conversation, error)
	ListByParticipant(ctx context.Context, userID string) ([]*Conversation, error)
}

// MessageStore is an append-only, per-conversation ordered log.
type MessageStore interface {
	// Append assigns id, sequence and creation date. Appends to one
	// conversation are serialized.
	Append(ctx context.Context, msg *Message) (*Message, error)
	// ListByConversation returns newest first.
	ListByConversation(ctx context.Context, conversationID string) ([]*Message, error)
}

type ProfileClient interface {
	GetProfile(ctx context.Context, userID string) (*profile.Profile, error)
}

// SessionResolver maps live connection ids to their owners for a set of users.
type SessionResolver interface {
	Resolve(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Pusher delivers one payload to one live connection.
type Pusher interface {
	Push(ctx context.Context, connectionID string, payload []byte) error
}

func snapshotOf(p *profile.Profile) ParticipantInfo {
	return ParticipantInfo{
		UserID:    p.UserID,
		Username:  p.Username,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Avatar:    p.Avatar,
	}
}
