package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) UpsertRoom(ctx context.Context, room CollaborationRoom) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaboration_rooms (id, site_id, page)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET last_activity_at=NOW()
	`, room.ID, room.SiteID, room.Page)
	if err != nil {
		return fmt.Errorf("upsert collaboration room: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, message ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, room_id, user_id, user_name, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, message.ID, message.RoomID, message.UserID, message.UserName, message.Body, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", translate(err))
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE collaboration_rooms SET last_activity_at=NOW() WHERE id=$1`, message.RoomID); err != nil {
		return fmt.Errorf("touch collaboration room: %w", err)
	}
	return nil
}

// ListChatMessages returns the latest messages of a room in chronological order.
func (s *PostgresStore) ListChatMessages(ctx context.Context, roomID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, user_name, body, created_at FROM (
			SELECT id, room_id, user_id, user_name, body, created_at
			FROM chat_messages WHERE room_id=$1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		if err := rows.Scan(&item.ID, &item.RoomID, &item.UserID, &item.UserName, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
