package chat_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"go-chat/internal/chat"
	"go-chat/internal/mocks"
)

func TestMembershipValidator_Authorize(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockConversationStore(ctrl)
	validator := chat.NewMembershipValidator(store)
	ctx := context.Background()
	conv := testConversation("alice", "bob")

	store.EXPECT().Get(gomock.Any(), "conv-1").Return(conv, nil).Times(2)
	store.EXPECT().Get(gomock.Any(), "missing").Return(nil, chat.ErrConversationNotFound)
	store.EXPECT().Get(gomock.Any(), "broken").Return(nil, errors.New("db down"))

	got, err := validator.Authorize(ctx, "alice", "conv-1")
	req.NoError(err)
	req.Same(conv, got)

	// A stranger and a missing conversation look exactly the same
	_, strangerErr := validator.Authorize(ctx, "mallory", "conv-1")
	_, missingErr := validator.Authorize(ctx, "alice", "missing")
	req.ErrorIs(strangerErr, chat.ErrConversationNotFound)
	req.Equal(strangerErr, missingErr)

	_, err = validator.Authorize(ctx, "alice", "broken")
	req.Error(err)
	req.NotErrorIs(err, chat.ErrConversationNotFound)
}
