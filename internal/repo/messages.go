package repo

import (
	"context"
	"database/sql"
)

// MessageRef returns the chat message id stored for slot.
func (r Repo) MessageRef(ctx context.Context, slot string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT message_id FROM chat_messages WHERE slot=?`, slot).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

func (r Repo) SaveMessageRef(ctx context.Context, slot, messageID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO chat_messages(slot,message_id,updated_at) VALUES (?,?,?)
ON CONFLICT(slot) DO UPDATE SET message_id=excluded.message_id, updated_at=excluded.updated_at`, slot, messageID, nowString())
	return err
}

func (r Repo) DeleteMessageRef(ctx context.Context, slot string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM chat_messages WHERE slot=?`, slot)
	return err
}
