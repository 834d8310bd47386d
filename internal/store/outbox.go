package store

import "time"

// Enqueue adds a write to the durable outbox. Idempotent on msg_id:
// re-enqueuing updates the payload but keeps the entry's queue position,
// attempt counter, and creation time.
func (db *DB) Enqueue(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	kind := e.Kind
	if kind == "" {
		kind = "message"
	}
	_, err := db.Exec(`
		INSERT INTO outbox (msg_id, conversation_id, kind, body, media_ref, reply_to_id, read_up_to, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			body = excluded.body,
			media_ref = excluded.media_ref,
			reply_to_id = excluded.reply_to_id,
			read_up_to = excluded.read_up_to,
			updated_at = excluded.updated_at`,
		e.MsgID, e.ConversationID, kind, e.Body, e.MediaRef, e.ReplyToID, e.ReadUpTo, now, now)
	return err
}

// QueuedOutbox returns every queued entry in enqueue order, due or not.
// The flusher decides due-ness so that a backed-off entry still blocks
// later entries of the same conversation.
func (db *DB) QueuedOutbox() ([]OutboxEntry, error) {
	return db.queryOutbox(`
		SELECT id, msg_id, conversation_id, kind, body, media_ref, reply_to_id, read_up_to, status, attempts, last_error, next_attempt_at, created_at
		FROM outbox WHERE status = 'queued' ORDER BY id ASC`)
}

// FailedOutbox returns entries parked after exhausting their retry budget,
// awaiting a manual retry or discard.
func (db *DB) FailedOutbox() ([]OutboxEntry, error) {
	return db.queryOutbox(`
		SELECT id, msg_id, conversation_id, kind, body, media_ref, reply_to_id, read_up_to, status, attempts, last_error, next_attempt_at, created_at
		FROM outbox WHERE status = 'failed' ORDER BY id ASC`)
}

func (db *DB) queryOutbox(query string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.MsgID, &e.ConversationID, &e.Kind, &e.Body, &e.MediaRef, &e.ReplyToID, &e.ReadUpTo, &e.Status, &e.Attempts, &e.LastError, &e.NextAttemptAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutboxEntry returns one entry by message ID, or nil when absent.
func (db *DB) GetOutboxEntry(msgID string) (*OutboxEntry, error) {
	entries, err := db.queryOutbox(`
		SELECT id, msg_id, conversation_id, kind, body, media_ref, reply_to_id, read_up_to, status, attempts, last_error, next_attempt_at, created_at
		FROM outbox WHERE msg_id = ?`, msgID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// MarkOutboxSending flags an entry as handed to the channel and charges
// one attempt.
func (db *DB) MarkOutboxSending(msgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE msg_id = ?`, now, msgID)
	return err
}

// ScheduleOutboxRetry returns a failed dispatch to the queue with a
// next-attempt time, preserving the entry's position.
func (db *DB) ScheduleOutboxRetry(msgID string, nextAttemptAt int64, lastError string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE msg_id = ?`, nextAttemptAt, lastError, now, msgID)
	return err
}

// MarkOutboxFailed parks an entry after a permanent rejection or an
// exhausted retry budget. It stays until the user retries or discards it.
func (db *DB) MarkOutboxFailed(msgID string, lastError string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', last_error = ?, updated_at = ?
		WHERE msg_id = ?`, lastError, now, msgID)
	return err
}

// RequeueOutbox resets a parked entry for a manual retry.
func (db *DB) RequeueOutbox(msgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', attempts = 0, next_attempt_at = 0, last_error = '', updated_at = ?
		WHERE msg_id = ? AND status = 'failed'`, now, msgID)
	return err
}

// DeleteOutboxEntry removes an entry once the write is acknowledged or the
// user discards it.
func (db *DB) DeleteOutboxEntry(msgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE msg_id = ?`, msgID)
	return err
}

// ResetInflightOutbox demotes entries stuck in 'sending' back to 'queued'.
// Run at startup: a crash between dispatch and acknowledgment must not
// strand an entry. Redelivery is safe, the store dedups on message ID.
func (db *DB) ResetInflightOutbox() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingOutboxCount reports how many entries still need to leave this device.
func (db *DB) PendingOutboxCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE status IN ('queued', 'sending')`).Scan(&n)
	return n, err
}
