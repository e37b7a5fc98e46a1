package chat

import (
	"context"
	"errors"
	"fmt"
)

// MembershipValidator guards every read and write on a conversation.
type MembershipValidator struct {
	conversations ConversationStore
}

func NewMembershipValidator(conversations ConversationStore) *MembershipValidator {
	return &MembershipValidator{conversations: conversations}
}

// Authorize returns the conversation when userID is one of its participants.
// A missing conversation and a foreign one both yield ErrConversationNotFound,
// so a non-member cannot learn that it exists.
func (v *MembershipValidator) Authorize(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	c, err := v.conversations.Get(ctx, conversationID)
	if errors.Is(err, ErrConversationNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if !c.HasParticipant(userID) {
		return nil, ErrConversationNotFound
	}
	return c, nil
}
