package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"go-chat/internal/chat"
	"go-chat/internal/mocks"
)

func decodePush(t *testing.T, payload []byte) chat.MessageResponse {
	t.Helper()
	var evt chat.Event
	require.NoError(t, json.Unmarshal(payload, &evt))
	require.Equal(t, chat.EventMessage, evt.Event)
	var res chat.MessageResponse
	require.NoError(t, json.Unmarshal(evt.Data, &res))
	return res
}

func testConversation(ids ...string) *chat.Conversation {
	c := &chat.Conversation{ID: "conv-1", Type: chat.ConversationGroup}
	for _, id := range ids {
		c.Participants = append(c.Participants, chat.ParticipantInfo{UserID: id, Username: id})
	}
	return c
}

func TestFanoutDispatcher_PersonalizedPushPerConnection(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	sessions := mocks.NewMockSessionResolver(ctrl)
	pusher := mocks.NewMockPusher(ctrl)
	dispatcher := chat.NewFanoutDispatcher(sessions, pusher, slog.Default(), chat.FanoutOptions{Workers: 1, QueueSize: 1, Parallelism: 4})

	conv := testConversation("alice", "bob", "carol")
	msg := &chat.Message{ID: "m1", ConversationID: conv.ID, Sender: chat.ParticipantInfo{UserID: "alice"}, Content: "hi", Sequence: 1}

	// Given alice on two devices, bob on one and carol offline
	sessions.EXPECT().Resolve(gomock.Any(), []string{"alice", "bob", "carol"}).
		Return(map[string]string{"a1": "alice", "a2": "alice", "b1": "bob"}, nil)

	var mu sync.Mutex
	pushed := map[string]bool{}
	pusher.EXPECT().Push(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, connectionID string, payload []byte) error {
			res := decodePush(t, payload)
			mu.Lock()
			pushed[connectionID] = res.Me
			mu.Unlock()
			return nil
		}).Times(3)

	// When the message is dispatched
	delivered := dispatcher.Dispatch(context.Background(), msg, conv)

	// Then every live connection got its own copy
	req.Equal(3, delivered)
	req.Equal(map[string]bool{"a1": true, "a2": true, "b1": false}, pushed)
}

func TestFanoutDispatcher_FailureIsIsolated(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	sessions := mocks.NewMockSessionResolver(ctrl)
	pusher := mocks.NewMockPusher(ctrl)
	dispatcher := chat.NewFanoutDispatcher(sessions, pusher, slog.Default(), chat.FanoutOptions{Workers: 1, QueueSize: 1, Parallelism: 2})

	conv := testConversation("alice", "bob", "carol", "dave")
	msg := &chat.Message{ID: "m1", ConversationID: conv.ID, Sender: chat.ParticipantInfo{UserID: "alice"}, Content: "hi"}

	sessions.EXPECT().Resolve(gomock.Any(), gomock.Any()).
		Return(map[string]string{"a1": "alice", "b1": "bob", "c1": "carol", "d1": "dave"}, nil)
	// Given bob's socket closed between resolve and push
	pusher.EXPECT().Push(gomock.Any(), "b1", gomock.Any()).Return(chat.ErrConnectionGone)
	pusher.EXPECT().Push(gomock.Any(), gomock.Not("b1"), gomock.Any()).Return(nil).Times(3)

	// Then the other three still get theirs
	req.Equal(3, dispatcher.Dispatch(context.Background(), msg, conv))
}

func TestFanoutDispatcher_ResolveFailure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	sessions := mocks.NewMockSessionResolver(ctrl)
	pusher := mocks.NewMockPusher(ctrl)
	dispatcher := chat.NewFanoutDispatcher(sessions, pusher, slog.Default(), chat.FanoutOptions{Workers: 1, QueueSize: 1, Parallelism: 1})

	sessions.EXPECT().Resolve(gomock.Any(), gomock.Any()).Return(nil, errors.New("redis down"))

	req.Zero(dispatcher.Dispatch(context.Background(), &chat.Message{ID: "m1"}, testConversation("alice")))
}

func TestFanoutDispatcher_RunKeepsConversationOrder(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	sessions := mocks.NewMockSessionResolver(ctrl)
	pusher := mocks.NewMockPusher(ctrl)
	dispatcher := chat.NewFanoutDispatcher(sessions, pusher, slog.Default(), chat.FanoutOptions{Workers: 4, QueueSize: 64, Parallelism: 4})

	conv := testConversation("alice", "bob")
	const count = 50
	sessions.EXPECT().Resolve(gomock.Any(), gomock.Any()).
		Return(map[string]string{"b1": "bob"}, nil).Times(count)

	var mu sync.Mutex
	var sequences []int64
	done := make(chan struct{})
	pusher.EXPECT().Push(gomock.Any(), "b1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, payload []byte) error {
			mu.Lock()
			defer mu.Unlock()
			sequences = append(sequences, decodePush(t, payload).Sequence)
			if len(sequences) == count {
				close(done)
			}
			return nil
		}).Times(count)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dispatcher.Run(ctx) }()

	// When messages are enqueued in append order
	for i := 1; i <= count; i++ {
		req.True(dispatcher.Enqueue(&chat.Message{
			ID:       "m",
			Sender:   chat.ParticipantInfo{UserID: "alice"},
			Sequence: int64(i),
		}, conv))
	}

	// Then bob's connection observes them in that order
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		req.Fail("fanout did not finish in time")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, seq := range sequences {
		req.Equal(int64(i+1), seq)
	}
}

func TestFanoutDispatcher_EnqueueNeverBlocks(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	dispatcher := chat.NewFanoutDispatcher(mocks.NewMockSessionResolver(ctrl), mocks.NewMockPusher(ctrl),
		slog.Default(), chat.FanoutOptions{Workers: 1, QueueSize: 1, Parallelism: 1})
	conv := testConversation("alice")

	// Given no worker is running, the single slot fills up
	req.True(dispatcher.Enqueue(&chat.Message{ID: "m1"}, conv))
	// Then the next one is dropped instead of blocking the sender
	req.False(dispatcher.Enqueue(&chat.Message{ID: "m2"}, conv))
}
