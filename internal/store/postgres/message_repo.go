package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dmchat/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (sender_id, receiver_id, text, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, string(m.SenderID), string(m.ReceiverID), m.Text, m.CreatedAt.UnixNano()).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	m, err := scanMessageRow(r.db.QueryRowContext(ctx, `
		SELECT id, sender_id, receiver_id, text, created_at
		FROM messages WHERE id = $1
	`, id))
	if err != nil {
		if err = notFound(err); err == domain.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) ListBetween(ctx context.Context, a, b domain.UserID) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, text, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC, id ASC
	`, string(a), string(b))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []*domain.Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r *MessageRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return requireAffected(res)
}

func scanMessageRow(row rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	var (
		sender, receiver string
		created          int64
	)
	if err := row.Scan(&m.ID, &sender, &receiver, &m.Text, &created); err != nil {
		return nil, err
	}
	m.SenderID, m.ReceiverID = domain.UserID(sender), domain.UserID(receiver)
	m.CreatedAt = time.Unix(0, created).UTC()
	return m, nil
}
