package store

import (
	"database/sql"
	"time"
)

// Checkpoint returns the last-delivered sequence marker for a conversation,
// zero when none was recorded yet.
func (db *DB) Checkpoint(conversationID string) (int64, error) {
	var seq int64
	err := db.QueryRow(`SELECT last_seq FROM checkpoints WHERE conversation_id = ?`, conversationID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// SetCheckpoint advances the last-delivered sequence marker. It never moves
// backward, so a redelivered record cannot rewind the resume point.
func (db *DB) SetCheckpoint(conversationID string, seq int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO checkpoints (conversation_id, last_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			last_seq = MAX(checkpoints.last_seq, excluded.last_seq),
			updated_at = excluded.updated_at`,
		conversationID, seq, now)
	return err
}
