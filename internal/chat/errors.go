package chat

import "errors"

var (
	// ErrConversationNotFound is returned both when a conversation does not
	// exist and when the caller is not one of its participants.
	ErrConversationNotFound     = errors.New("conversation not found")
	ErrDuplicateConversation    = errors.New("conversation already exists")
	ErrSenderProfileUnavailable = errors.New("sender profile unavailable")
	ErrParticipantNotFound      = errors.New("participant not found")
	ErrInvalidConversation      = errors.New("invalid conversation")
	ErrProfileUnavailable       = errors.New("profile unavailable")
	ErrEmptyMessage             = errors.New("message is empty")
	ErrInvalidEvent             = errors.New("malformed event")
	ErrDeliveryFailure          = errors.New("delivery failure")

	ErrConnectionGone = errors.New("connection gone")
	ErrSlowConsumer   = errors.New("slow consumer")
)
