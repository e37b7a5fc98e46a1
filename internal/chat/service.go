package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"go-chat/internal/profile"
)

// MessageDispatcher takes persisted messages for live delivery. It must not
// block the caller.
type MessageDispatcher interface {
	Enqueue(msg *Message, conv *Conversation) bool
}

// Service is the only writer of conversations and messages. Every method
// takes the authenticated caller explicitly.
type Service struct {
	conversations ConversationStore
	messages      MessageStore
	validator     *MembershipValidator
	profiles      ProfileClient
	dispatcher    MessageDispatcher
	log           *slog.Logger
	// held across append+enqueue so this instance enqueues in append order
	locks stripedMutex
}

func NewService(
	conversations ConversationStore,
	messages MessageStore,
	profiles ProfileClient,
	dispatcher MessageDispatcher,
	log *slog.Logger,
) *Service {
	return &Service{
		conversations: conversations,
		messages:      messages,
		validator:     NewMembershipValidator(conversations),
		profiles:      profiles,
		dispatcher:    dispatcher,
		log:           log,
	}
}

// SendMessage persists the message, hands it to fanout and returns the
// caller's own view of it. Fanout outcome never affects the result.
func (s *Service) SendMessage(ctx context.Context, callerID, conversationID, content string) (MessageResponse, error) {
	if strings.TrimSpace(content) == "" {
		return MessageResponse{}, ErrEmptyMessage
	}
	conv, err := s.validator.Authorize(ctx, callerID, conversationID)
	if err != nil {
		return MessageResponse{}, err
	}

	sender, err := s.profiles.GetProfile(ctx, callerID)
	if err != nil {
		s.log.Warn("Sender profile lookup failed", "user_id", callerID, "error", err)
		return MessageResponse{}, fmt.Errorf("%w: %w", ErrSenderProfileUnavailable, err)
	}

	unlock := s.locks.lock(conv.ID)
	saved, err := s.messages.Append(ctx, &Message{
		ConversationID: conv.ID,
		Sender:         snapshotOf(sender),
		Content:        content,
	})
	if err != nil {
		unlock()
		return MessageResponse{}, fmt.Errorf("append message: %w", err)
	}
	s.dispatcher.Enqueue(saved, conv)
	unlock()

	return saved.ViewFor(callerID), nil
}

// ListMessages returns the conversation history, newest first, as seen by
// the caller.
func (s *Service) ListMessages(ctx context.Context, callerID, conversationID string) ([]MessageResponse, error) {
	if _, err := s.validator.Authorize(ctx, callerID, conversationID); err != nil {
		return nil, err
	}
	messages, err := s.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return lo.Map(messages, func(m *Message, _ int) MessageResponse {
		return m.ViewFor(callerID)
	}), nil
}

// CreateConversation always includes the caller. Participant snapshots are
// taken from the profile service now and never refreshed.
func (s *Service) CreateConversation(ctx context.Context, callerID string, convType ConversationType, participantIDs []string) (ConversationResponse, error) {
	if !convType.Valid() {
		return ConversationResponse{}, fmt.Errorf("%w: unknown type %q", ErrInvalidConversation, convType)
	}
	others := lo.Without(NormalizeParticipants(participantIDs), callerID)
	switch {
	case convType == ConversationDirect && len(others) != 1:
		return ConversationResponse{}, fmt.Errorf("%w: a direct conversation needs exactly one other participant", ErrInvalidConversation)
	case len(others) == 0:
		return ConversationResponse{}, fmt.Errorf("%w: no other participant", ErrInvalidConversation)
	}

	ids := append([]string{callerID}, others...)
	snapshots := make([]ParticipantInfo, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			p, err := s.profiles.GetProfile(gctx, id)
			switch {
			case errors.Is(err, profile.ErrNotFound):
				return fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
			case err != nil:
				return fmt.Errorf("%w: %w", ErrProfileUnavailable, err)
			}
			snapshots[i] = snapshotOf(p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ConversationResponse{}, err
	}

	conv, err := s.conversations.Create(ctx, convType, snapshots)
	if err != nil {
		return ConversationResponse{}, err
	}
	s.log.Info("Conversation created", "conversation_id", conv.ID, "type", conv.Type, "participants", len(ids))
	return conv.ViewFor(callerID), nil
}

func (s *Service) ListMyConversations(ctx context.Context, callerID string) ([]ConversationResponse, error) {
	conversations, err := s.conversations.ListByParticipant(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return lo.Map(conversations, func(c *Conversation, _ int) ConversationResponse {
		return c.ViewFor(callerID)
	}), nil
}
