package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

const EventMessage = "message"

type FanoutOptions struct {
	// Workers is the number of ordered dispatch shards. All messages of one
	// conversation go through the same shard.
	Workers int
	// QueueSize bounds each shard's backlog.
	QueueSize int
	// Parallelism bounds concurrent pushes for one message.
	Parallelism int
}

type dispatchJob struct {
	msg  *Message
	conv *Conversation
}

// FanoutDispatcher pushes persisted messages to the live connections of a
// conversation's participants, each copy personalized for its recipient.
// Push failures are logged and never reach the sender.
type FanoutDispatcher struct {
	sessions    SessionResolver
	pusher      Pusher
	log         *slog.Logger
	parallelism int
	queues      []chan dispatchJob
}

func NewFanoutDispatcher(sessions SessionResolver, pusher Pusher, log *slog.Logger, opts FanoutOptions) *FanoutDispatcher {
	d := &FanoutDispatcher{
		sessions:    sessions,
		pusher:      pusher,
		log:         log,
		parallelism: max(opts.Parallelism, 1),
		queues:      make([]chan dispatchJob, max(opts.Workers, 1)),
	}
	for i := range d.queues {
		d.queues[i] = make(chan dispatchJob, max(opts.QueueSize, 1))
	}
	return d
}

// Run drains the shard queues until ctx is done.
func (d *FanoutDispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, queue := range d.queues {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case job := <-queue:
					d.Dispatch(context.WithoutCancel(ctx), job.msg, job.conv)
				case <-ctx.Done():
					d.log.Debug("Context done, stopping fanout shard", "shard", i)
					return
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Enqueue hands a message to its conversation's shard without blocking.
// A full shard drops the live push; the message stays readable from history.
func (d *FanoutDispatcher) Enqueue(msg *Message, conv *Conversation) bool {
	queue := d.queues[xxhash.Sum64String(conv.ID)%uint64(len(d.queues))]
	select {
	case queue <- dispatchJob{msg: msg, conv: conv}:
		return true
	default:
		d.log.Warn("Fanout queue full, live push dropped",
			"conversation_id", conv.ID, "message_id", msg.ID)
		return false
	}
}

// Dispatch resolves the live connections of every participant and pushes a
// copy to each, returning how many pushes succeeded.
func (d *FanoutDispatcher) Dispatch(ctx context.Context, msg *Message, conv *Conversation) int {
	connections, err := d.sessions.Resolve(ctx, conv.ParticipantIDs())
	if err != nil {
		d.log.Error("Resolve live sessions failed", "conversation_id", conv.ID, "error", err)
		return 0
	}
	if len(connections) == 0 {
		return 0
	}

	mine, err := encodeMessageEvent(msg.ViewFor(msg.Sender.UserID))
	if err != nil {
		d.log.Error("Encode message failed", "message_id", msg.ID, "error", err)
		return 0
	}
	theirs, err := encodeMessageEvent(msg.ViewFor(""))
	if err != nil {
		d.log.Error("Encode message failed", "message_id", msg.ID, "error", err)
		return 0
	}

	var delivered atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(d.parallelism)
	for connectionID, recipientID := range connections {
		payload := theirs
		if recipientID == msg.Sender.UserID {
			payload = mine
		}
		g.Go(func() error {
			if err := d.pusher.Push(ctx, connectionID, payload); err != nil {
				d.log.Warn(ErrDeliveryFailure.Error(),
					"connection_id", connectionID,
					"recipient_id", recipientID,
					"message_id", msg.ID,
					"error", err,
					"stale", errors.Is(err, ErrConnectionGone))
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}

func encodeMessageEvent(res MessageResponse) ([]byte, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Event: EventMessage, Data: data})
}
