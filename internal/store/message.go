package store

import (
	"fmt"

	"github.com/referly/leadchat/internal/model"
)

// UpsertMessage inserts or updates a message keyed by (conversation, Key()).
// A row mirroring the same server id under another key is replaced, which
// happens when a confirmed message is later matched to its client id.
func (db *DB) UpsertMessage(m model.Message) error {
	key := m.Key()
	if key == "" {
		return fmt.Errorf("upsert message: no id")
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if m.ID != "" {
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND server_id = ? AND msg_key != ?`,
			m.ConversationID, m.ID, key); err != nil {
			return err
		}
	}
	_, err = tx.Exec(`
		INSERT INTO messages (conversation_id, msg_key, server_id, client_id, sender_id, sender_role,
			body, created_at, delivery_state, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_key) DO UPDATE SET
			server_id = excluded.server_id,
			sender_id = excluded.sender_id,
			sender_role = excluded.sender_role,
			body = excluded.body,
			created_at = excluded.created_at,
			delivery_state = excluded.delivery_state,
			error_message = excluded.error_message`,
		m.ConversationID, key, m.ID, m.ClientID, m.SenderID, string(m.SenderRole),
		m.Body, toMillis(m.CreatedAt), string(m.DeliveryState), m.Error)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteMessage removes a message by its key.
func (db *DB) DeleteMessage(conversationID, key string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_key = ?`, conversationID, key)
	return err
}

// ListMessages returns the newest limit messages of a conversation in
// ascending order.
func (db *DB) ListMessages(conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT conversation_id, server_id, client_id, sender_id, sender_role, body,
			created_at, delivery_state, error_message
		FROM (
			SELECT *, rowid AS rid FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, rid DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, rid ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var role, state string
		var createdAt int64
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.ClientID, &m.SenderID, &role, &m.Body,
			&createdAt, &state, &m.Error); err != nil {
			return nil, err
		}
		m.SenderRole = model.Role(role)
		m.DeliveryState = model.DeliveryState(state)
		m.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
