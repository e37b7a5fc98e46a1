package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// Migrations are idempotent; they run on every start.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            type VARCHAR(10) NOT NULL CHECK (type IN ('DIRECT', 'GROUP')),
            participants_hash TEXT NOT NULL UNIQUE,
            participants JSONB NOT NULL,
            created_date TIMESTAMPTZ NOT NULL,
            modified_date TIMESTAMPTZ NOT NULL
        )`,

	`CREATE INDEX IF NOT EXISTS conversations_participants_idx
            ON conversations USING GIN (participants jsonb_path_ops)`,

	`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            seq BIGSERIAL UNIQUE,
            conversation_id TEXT NOT NULL REFERENCES conversations(id),
            sender JSONB NOT NULL,
            content TEXT NOT NULL,
            created_date TIMESTAMPTZ NOT NULL
        )`,

	`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
            ON messages (conversation_id, created_date DESC, seq DESC)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range Migrations {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
