package store

import "time"

// Outbox statuses.
const (
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is one locally composed message and its delivery status.
type OutboxEntry struct {
	ClientID       string
	ConversationID string
	Body           string
	Status         string
	ErrorMessage   string
	ServerID       string
	CreatedAt      time.Time
}

// QueueOutbox records a send attempt. Re-queuing an entry (retry) resets it
// to 'sending'.
func (db *DB) QueueOutbox(clientID, conversationID, body string, createdAt time.Time) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_id, conversation_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'sending', ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			status = 'sending',
			error_message = '',
			updated_at = excluded.updated_at`,
		clientID, conversationID, body, toMillis(createdAt), now)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server id.
func (db *DB) MarkOutboxSent(clientID, serverID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_id = ?, error_message = '', updated_at = ? WHERE client_id = ?`,
		serverID, now, clientID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_id = ?`,
		errMsg, now, clientID)
	return err
}

// DeleteOutbox removes an entry (discarded by the user).
func (db *DB) DeleteOutbox(clientID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_id = ?`, clientID)
	return err
}

// UnfinishedOutbox returns entries left 'queued' or 'sending', oldest first.
// After a restart these sends have no owner and must be surfaced as FAILED.
func (db *DB) UnfinishedOutbox() ([]OutboxEntry, error) {
	return db.outboxWhere(`status IN ('queued', 'sending')`)
}

// FailedOutbox returns entries marked 'failed', oldest first.
func (db *DB) FailedOutbox() ([]OutboxEntry, error) {
	return db.outboxWhere(`status = 'failed'`)
}

func (db *DB) outboxWhere(cond string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT client_id, conversation_id, body, status, error_message, server_id, created_at
		FROM outbox WHERE ` + cond + ` ORDER BY created_at ASC, client_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var createdAt int64
		if err := rows.Scan(&e.ClientID, &e.ConversationID, &e.Body, &e.Status, &e.ErrorMessage, &e.ServerID, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
