package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message, idempotent on
// (conversation_id, msg_id). The caller decides the status it writes;
// reconciliation replaces the row in place without changing its identity.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, body, media_ref, reply_to_id, from_me, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			body = excluded.body,
			media_ref = excluded.media_ref,
			reply_to_id = excluded.reply_to_id,
			status = excluded.status,
			timestamp = excluded.timestamp`,
		m.ConversationID, m.MsgID, m.SenderID, m.Body, m.MediaRef, m.ReplyToID, m.FromMe, m.Status, m.Timestamp, now)
	return err
}

// GetMessage returns a message by its globally unique client identifier,
// or nil when absent.
func (db *DB) GetMessage(msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, msg_id, sender_id, body, media_ref, reply_to_id, from_me, status, timestamp
		FROM messages WHERE msg_id = ?`, msgID).
		Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Body, &m.MediaRef, &m.ReplyToID, &m.FromMe, &m.Status, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, body, media_ref, reply_to_id, from_me, status, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Body, &m.MediaRef, &m.ReplyToID, &m.FromMe, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SetMessageStatus writes a message's delivery status directly. Callers
// compute the transition first; this is plain persistence.
func (db *DB) SetMessageStatus(conversationID, msgID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE conversation_id = ? AND msg_id = ?`,
		status, conversationID, msgID)
	return err
}

// TombstoneMessage marks a message deleted in place. The row is kept so the
// conversation view shows a tombstone rather than a silent gap.
func (db *DB) TombstoneMessage(conversationID, msgID string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = 'deleted', body = '', media_ref = ''
		WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return err
}

// MarkIncomingRead flips every non-terminal incoming message in a
// conversation to read. Called when the local user opens the conversation.
func (db *DB) MarkIncomingRead(conversationID string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = 'read'
		WHERE conversation_id = ? AND from_me = 0 AND status NOT IN ('read', 'deleted')`,
		conversationID)
	return err
}

// MarkOutgoingReadUpTo applies a peer's read receipt: outgoing messages
// authored at or before the receipt cutoff advance to read.
func (db *DB) MarkOutgoingReadUpTo(conversationID string, upToTs int64) error {
	_, err := db.Exec(`
		UPDATE messages SET status = 'read'
		WHERE conversation_id = ? AND from_me = 1 AND timestamp <= ?
		  AND status IN ('sent', 'delivered')`,
		conversationID, upToTs)
	return err
}
