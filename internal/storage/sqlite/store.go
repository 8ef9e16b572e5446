package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opschat/backend/internal/storage"
)

// AppendMessage inserts the message and reads back the row so the returned
// Message carries the server-assigned id and timestamp.
func (s *Sqlite) AppendMessage(ctx context.Context, channelID, senderID int64, content string) (storage.Message, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO messages (channel_id, sender_id, content) VALUES (?, ?, ?)`,
		channelID, senderID, content)
	if err != nil {
		return storage.Message{}, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.Message{}, fmt.Errorf("append message id: %w", err)
	}

	msg := storage.Message{
		ID:        id,
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   content,
	}

	var sentAt string
	err = s.DB.QueryRowContext(ctx,
		`SELECT m.sent_at, u.username FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id=?`,
		id).Scan(&sentAt, &msg.SenderName)
	if err != nil {
		return storage.Message{}, fmt.Errorf("append message readback: %w", err)
	}
	msg.SentAt = parseSqliteTime(sentAt)
	return msg, nil
}

func (s *Sqlite) IsMember(ctx context.Context, userID, channelID int64) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM participants WHERE channel_id=? AND user_id=?`,
		channelID, userID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Sqlite) SharedMemberIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT DISTINCT p2.user_id
		FROM participants p1
		JOIN participants p2 ON p1.channel_id = p2.channel_id
		WHERE p1.user_id = ? AND p2.user_id <> ?`,
		userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		ids = append(ids, uid)
	}
	return ids, rows.Err()
}

// UpsertReadMarker applies the last-writer-wins-if-newer rule in SQL; the
// WHERE on the conflict branch turns stale updates into no-ops.
func (s *Sqlite) UpsertReadMarker(ctx context.Context, channelID, userID, messageID int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO read_markers (channel_id, user_id, message_id, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(channel_id, user_id) DO UPDATE
		SET message_id = excluded.message_id, updated_at = CURRENT_TIMESTAMP
		WHERE excluded.message_id > read_markers.message_id`,
		channelID, userID, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Sqlite) ReadMarker(ctx context.Context, channelID, userID int64) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT message_id FROM read_markers WHERE channel_id=? AND user_id=?`,
		channelID, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	return id, err
}

// SQLite CURRENT_TIMESTAMP comes back as "2006-01-02 15:04:05" in UTC.
func parseSqliteTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
