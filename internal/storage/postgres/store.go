package postgres

import (
	"context"
	"fmt"

	"github.com/opschat/backend/internal/storage"
)

func (s *Postgres) AppendMessage(ctx context.Context, channelID, senderID int64, content string) (storage.Message, error) {
	msg := storage.Message{
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   content,
	}
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO messages (channel_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, sent_at, (SELECT username FROM users WHERE id = $2)`,
		channelID, senderID, content).Scan(&msg.ID, &msg.SentAt, &msg.SenderName)
	if err != nil {
		return storage.Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *Postgres) IsMember(ctx context.Context, userID, channelID int64) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM participants WHERE channel_id=$1 AND user_id=$2`,
		channelID, userID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Postgres) SharedMemberIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT DISTINCT p2.user_id
		FROM participants p1
		JOIN participants p2 ON p1.channel_id = p2.channel_id
		WHERE p1.user_id = $1 AND p2.user_id <> $1`,
		userID)
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

func (s *Postgres) UpsertReadMarker(ctx context.Context, channelID, userID, messageID int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO read_markers (channel_id, user_id, message_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (channel_id, user_id) DO UPDATE
		SET message_id = EXCLUDED.message_id, updated_at = NOW()
		WHERE read_markers.message_id < EXCLUDED.message_id`,
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
