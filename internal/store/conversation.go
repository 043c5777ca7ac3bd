package store

import (
	"database/sql"
	"time"

	"github.com/referly/leadchat/internal/model"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c model.Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, counterpart_id, counterpart_name, counterpart_avatar_url,
			last_message_preview, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			counterpart_id = excluded.counterpart_id,
			counterpart_name = excluded.counterpart_name,
			counterpart_avatar_url = excluded.counterpart_avatar_url,
			last_message_preview = excluded.last_message_preview,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.CounterpartID, c.CounterpartDisplayName, c.CounterpartAvatarURL,
		c.LastMessagePreview, toMillis(c.LastMessageAt), c.UnreadCount, now)
	return err
}

// ListConversations returns conversations, most recent activity first.
func (db *DB) ListConversations() ([]model.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, counterpart_id, counterpart_name, counterpart_avatar_url,
			last_message_preview, last_message_at, unread_count
		FROM conversations
		ORDER BY last_message_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, nil if unknown.
func (db *DB) GetConversation(id string) (*model.Conversation, error) {
	row := db.QueryRow(`
		SELECT id, counterpart_id, counterpart_name, counterpart_avatar_url,
			last_message_preview, last_message_at, unread_count
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (model.Conversation, error) {
	var c model.Conversation
	var lastAt int64
	err := s.Scan(&c.ID, &c.CounterpartID, &c.CounterpartDisplayName, &c.CounterpartAvatarURL,
		&c.LastMessagePreview, &lastAt, &c.UnreadCount)
	c.LastMessageAt = fromMillis(lastAt)
	return c, err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
