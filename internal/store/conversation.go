package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertConversation inserts or updates a conversation record. Activity only
// moves forward: an older last_activity_at never overwrites a newer one.
func (db *DB) UpsertConversation(c *Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, participants, last_activity_at, pinned, muted, archived, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			pinned = excluded.pinned,
			muted = excluded.muted,
			archived = excluded.archived,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, string(participants), c.LastActivityAt, c.Pinned, c.Muted, c.Archived, c.UnreadCount, now)
	return err
}

// EnsureConversation inserts a bare conversation if missing and bumps its
// activity, leaving settings untouched for an existing one.
func (db *DB) EnsureConversation(id string, participants []string, activityAt int64) error {
	pj, err := json.Marshal(participants)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, participants, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = CASE WHEN excluded.participants != '[]' THEN excluded.participants ELSE conversations.participants END,
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			updated_at = excluded.updated_at`,
		id, string(pj), activityAt, now)
	return err
}

// BumpActivity advances a conversation's last-activity timestamp. The list
// ordering is recomputed from this column on every read.
func (db *DB) BumpActivity(id string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET last_activity_at = MAX(last_activity_at, ?), updated_at = ?
		WHERE id = ?`, ts, now, id)
	return err
}

// ListConversations returns conversations ordered by most recent activity first.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participants, last_activity_at, pinned, muted, archived, unread_count
		FROM conversations
		ORDER BY last_activity_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil when absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT id, participants, last_activity_at, pinned, muted, archived, unread_count
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SetConversationFlags updates the per-user settings sub-record.
func (db *DB) SetConversationFlags(id string, pinned, muted, archived bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET pinned = ?, muted = ?, archived = ?, updated_at = ?
		WHERE id = ?`, pinned, muted, archived, now, id)
	return err
}

// IncrementUnread bumps the unread counter by one.
func (db *DB) IncrementUnread(id string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1 WHERE id = ?`, id)
	return err
}

// ClearUnread zeroes the unread counter.
func (db *DB) ClearUnread(id string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE id = ?`, id)
	return err
}

// RemoveConversation deletes the local mirror row. Messages are kept; their
// source of truth is the remote store and they are re-fetched on rejoin.
func (db *DB) RemoveConversation(id string) error {
	_, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var participants string
	if err := row.Scan(&c.ID, &participants, &c.LastActivityAt, &c.Pinned, &c.Muted, &c.Archived, &c.UnreadCount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, err
	}
	return &c, nil
}
