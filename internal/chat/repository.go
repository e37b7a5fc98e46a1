package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PostgresRepository implements ConversationStore and MessageStore.
type PostgresRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewPostgresRepository(db *sql.DB, log *slog.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, log: log}
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, type, participants_hash, participants, created_date, modified_date
		FROM conversations
		WHERE id = $1
	`
	c, err := scanConversation(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	return c, err
}

func (r *PostgresRepository) Create(ctx context.Context, convType ConversationType, participants []ParticipantInfo) (*Conversation, error) {
	now := time.Now().UTC()
	c := &Conversation{
		ID:           uuid.NewString(),
		Type:         convType,
		Participants: participants,
		CreatedDate:  now,
		ModifiedDate: now,
	}
	c.ParticipantsHash = ParticipantsHash(c.ParticipantIDs())

	raw, err := json.Marshal(c.Participants)
	if err != nil {
		return nil, err
	}
	query := `
		INSERT INTO conversations (id, type, participants_hash, participants, created_date, modified_date)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.ExecContext(ctx, query, c.ID, string(c.Type), c.ParticipantsHash, raw, c.CreatedDate, c.ModifiedDate)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			r.log.Debug("Conversation hash already taken", "hash", c.ParticipantsHash)
			return nil, ErrDuplicateConversation
		}
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) ListByParticipant(ctx context.Context, userID string) ([]*Conversation, error) {
	filter, err := json.Marshal([]map[string]string{{"userId": userID}})
	if err != nil {
		return nil, err
	}
	query := `
		SELECT id, type, participants_hash, participants, created_date, modified_date
		FROM conversations
		WHERE participants @> $1::jsonb
		ORDER BY modified_date DESC
	`
	rows, err := r.db.QueryContext(ctx, query, string(filter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// Append locks the conversation row so appends to one conversation commit in
// sequence order, whichever instance performs them.
func (r *PostgresRepository) Append(ctx context.Context, msg *Message) (*Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, msg.ConversationID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	sender, err := json.Marshal(msg.Sender)
	if err != nil {
		return nil, err
	}
	saved := *msg
	saved.ID = uuid.NewString()
	query := `
		INSERT INTO messages (id, conversation_id, sender, content, created_date)
		VALUES ($1, $2, $3, $4, clock_timestamp())
		RETURNING seq, created_date
	`
	if err := tx.QueryRowContext(ctx, query, saved.ID, saved.ConversationID, sender, saved.Content).
		Scan(&saved.Sequence, &saved.CreatedDate); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET modified_date = $2 WHERE id = $1`,
		saved.ConversationID, saved.CreatedDate); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *PostgresRepository) ListByConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sender, content, seq, created_date
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_date DESC, seq DESC
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		var sender []byte
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Content, &msg.Sequence, &msg.CreatedDate); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(sender, &msg.Sender); err != nil {
			return nil, fmt.Errorf("decode sender of message %s: %w", msg.ID, err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	c := &Conversation{}
	var convType string
	var participants []byte
	if err := row.Scan(&c.ID, &convType, &c.ParticipantsHash, &participants, &c.CreatedDate, &c.ModifiedDate); err != nil {
		return nil, err
	}
	c.Type = ConversationType(convType)
	if err := json.Unmarshal(participants, &c.Participants); err != nil {
		return nil, fmt.Errorf("decode participants of conversation %s: %w", c.ID, err)
	}
	return c, nil
}
