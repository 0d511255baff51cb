// Package membership provides read access to persisted chat membership in
// PostgreSQL. The realtime layer only reads: it resolves which users belong
// to a chat at publish time and which users share a chat for presence
// scoping. Writes happen in the REST layer.
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Store resolves chat membership from PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("membership: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("membership: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate applies pending schema migrations from the given directory.
func Migrate(dsn string, dir string) error {
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return fmt.Errorf("membership: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("membership: migrate up: %w", err)
	}
	return nil
}

// ParticipantsOf returns the user IDs currently belonging to the chat. The
// result reflects the persisted chat record at call time.
func (s *Store) ParticipantsOf(ctx context.Context, chatID string) ([]string, error) {
	const query = `
		SELECT user_id
		FROM chat_participants
		WHERE chat_id = $1`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("membership: participants of %s: %w", chatID, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("membership: scan participant: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

// PeersOf returns the distinct users who share at least one chat with the
// given user, excluding the user themselves. Presence transitions fan out to
// exactly this set.
func (s *Store) PeersOf(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT DISTINCT cp.user_id
		FROM chat_participants cp
		WHERE cp.chat_id IN (
			SELECT chat_id FROM chat_participants WHERE user_id = $1
		)
		AND cp.user_id <> $1`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("membership: peers of %s: %w", userID, err)
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, fmt.Errorf("membership: scan peer: %w", err)
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

// IsParticipant reports whether the user belongs to the chat. Used to
// validate inbound typing signals before they fan out.
func (s *Store) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2
		)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, chatID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("membership: is participant: %w", err)
	}
	return exists, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
