package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	conversationPrefix = "conv:"
	hashPrefix         = "convhash:"
	memberPrefix       = "member:"
	messagePrefix      = "msg:"
	sequenceKey        = "seq:messages"

	maxConflictRetries = 3
)

// BadgerRepository implements ConversationStore and MessageStore on an
// embedded badger database. It is meant for single-node deployments.
//
// Keys:
//
//	conv:{id}                   conversation JSON
//	convhash:{hash}             conversation id
//	member:{len}:{userId}:{convId} empty, participant index
//	msg:{convId}:{seq 19 digits} message JSON
type BadgerRepository struct {
	db    *badger.DB
	log   *slog.Logger
	seq   *badger.Sequence
	locks stripedMutex
}

func NewBadgerRepository(db *badger.DB, log *slog.Logger) (*BadgerRepository, error) {
	seq, err := db.GetSequence([]byte(sequenceKey), 1000)
	if err != nil {
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	return &BadgerRepository{db: db, log: log, seq: seq}, nil
}

// Close returns unused sequence leases to the database.
func (r *BadgerRepository) Close() error {
	return r.seq.Release()
}

func (r *BadgerRepository) Get(_ context.Context, id string) (*Conversation, error) {
	var c *Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getConversation(txn, id)
		return err
	})
	return c, err
}

func (r *BadgerRepository) Create(_ context.Context, convType ConversationType, participants []ParticipantInfo) (*Conversation, error) {
	now := time.Now().UTC()
	c := &Conversation{
		ID:           uuid.NewString(),
		Type:         convType,
		Participants: participants,
		CreatedDate:  now,
		ModifiedDate: now,
	}
	c.ParticipantsHash = ParticipantsHash(c.ParticipantIDs())
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		err = r.db.Update(func(txn *badger.Txn) error {
			hashKey := []byte(hashPrefix + c.ParticipantsHash)
			_, err := txn.Get(hashKey)
			if err == nil {
				return ErrDuplicateConversation
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(hashKey, []byte(c.ID)); err != nil {
				return err
			}
			if err := txn.Set([]byte(conversationPrefix+c.ID), raw); err != nil {
				return err
			}
			for _, p := range c.Participants {
				if err := txn.Set(memberKey(p.UserID, c.ID), []byte{}); err != nil {
					return err
				}
			}
			return nil
		})
		// A concurrent create of the same hash surfaces as a conflict; the
		// retry then sees the committed hash.
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *BadgerRepository) ListByParticipant(_ context.Context, userID string) ([]*Conversation, error) {
	var conversations []*Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := memberUserPrefix(userID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			convID := string(it.Item().Key()[len(prefix):])
			c, err := getConversation(txn, convID)
			if err != nil {
				return err
			}
			conversations = append(conversations, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].ModifiedDate.After(conversations[j].ModifiedDate)
	})
	return conversations, nil
}

func (r *BadgerRepository) Append(_ context.Context, msg *Message) (*Message, error) {
	unlock := r.locks.lock(msg.ConversationID)
	defer unlock()

	saved := *msg
	saved.ID = uuid.NewString()
	err := r.db.Update(func(txn *badger.Txn) error {
		c, err := getConversation(txn, msg.ConversationID)
		if err != nil {
			return err
		}
		seq, err := r.seq.Next()
		if err != nil {
			return err
		}
		// Sequence 0 is never handed out so that it can mean "unset".
		saved.Sequence = int64(seq) + 1
		saved.CreatedDate = time.Now().UTC()
		if last, ok, err := lastMessage(txn, msg.ConversationID); err != nil {
			return err
		} else if ok && saved.CreatedDate.Before(last.CreatedDate) {
			saved.CreatedDate = last.CreatedDate
		}

		raw, err := json.Marshal(saved)
		if err != nil {
			return err
		}
		if err := txn.Set(messageKey(saved.ConversationID, saved.Sequence), raw); err != nil {
			return err
		}
		c.ModifiedDate = saved.CreatedDate
		rawConv, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return txn.Set([]byte(conversationPrefix+c.ID), rawConv)
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// ListByConversation walks the conversation prefix backwards, so the
// zero-padded sequence in the key yields newest first.
func (r *BadgerRepository) ListByConversation(_ context.Context, conversationID string) ([]*Message, error) {
	var messages []*Message
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(messagePrefix + conversationID + ":")
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte{}, prefix...), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			msg := &Message{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, msg)
			}); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	return messages, err
}

func getConversation(txn *badger.Txn, id string) (*Conversation, error) {
	item, err := txn.Get([]byte(conversationPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	c := &Conversation{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, c)
	})
	return c, err
}

func lastMessage(txn *badger.Txn, conversationID string) (*Message, bool, error) {
	prefix := []byte(messagePrefix + conversationID + ":")
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(append(append([]byte{}, prefix...), 0xFF))
	if !it.ValidForPrefix(prefix) {
		return nil, false, nil
	}
	msg := &Message{}
	err := it.Item().Value(func(val []byte) error {
		return json.Unmarshal(val, msg)
	})
	return msg, err == nil, err
}

// memberUserPrefix length-prefixes the user id so that no id can be a key
// prefix of another, whatever characters it contains.
func memberUserPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%d:%s:", memberPrefix, len(userID), userID))
}

func memberKey(userID, conversationID string) []byte {
	return append(memberUserPrefix(userID), conversationID...)
}

func messageKey(conversationID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d", messagePrefix, conversationID, seq))
}
