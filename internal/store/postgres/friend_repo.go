package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"dmchat/internal/domain"
)

type FriendRepo struct {
	db *sql.DB
}

func NewFriendRepo(db *sql.DB) *FriendRepo {
	return &FriendRepo{db: db}
}

var _ domain.FriendRepository = (*FriendRepo)(nil)

const requestColumns = `id, from_id, to_id, status, created_at`

func (r *FriendRepo) CreateRequest(ctx context.Context, fr *domain.FriendRequest) error {
	if fr.Status == "" {
		fr.Status = domain.FriendRequestPending
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO friend_requests (from_id, to_id, status, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, created_at
	`, string(fr.FromID), string(fr.ToID), string(fr.Status)).Scan(&fr.ID, &fr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert friend request: %w", err)
	}
	return nil
}

func (r *FriendRepo) GetRequest(ctx context.Context, id int64) (*domain.FriendRequest, error) {
	return r.scanRequest(ctx, `SELECT `+requestColumns+` FROM friend_requests WHERE id = $1`, id)
}

func (r *FriendRepo) FindPending(ctx context.Context, from, to domain.UserID) (*domain.FriendRequest, error) {
	return r.scanRequest(ctx, `
		SELECT `+requestColumns+`
		FROM friend_requests
		WHERE status = 'pending'
		  AND ((from_id = $1 AND to_id = $2) OR (from_id = $2 AND to_id = $1))
		ORDER BY id ASC
		LIMIT 1
	`, string(from), string(to))
}

func (r *FriendRepo) ListIncoming(ctx context.Context, to domain.UserID) ([]*domain.FriendRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM friend_requests
		WHERE to_id = $1 AND status = 'pending'
		ORDER BY created_at ASC, id ASC
	`, string(to))
	if err != nil {
		return nil, fmt.Errorf("list friend requests: %w", err)
	}
	defer rows.Close()

	var res []*domain.FriendRequest
	for rows.Next() {
		fr, err := scanRequestRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan friend request: %w", err)
		}
		res = append(res, fr)
	}
	return res, rows.Err()
}

func (r *FriendRepo) Accept(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var from, to, status string
	err = tx.QueryRowContext(ctx,
		`SELECT from_id, to_id, status FROM friend_requests WHERE id = $1 FOR UPDATE`, id,
	).Scan(&from, &to, &status)
	if err != nil {
		if err = notFound(err); err == domain.ErrNotFound {
			return err
		}
		return fmt.Errorf("get friend request: %w", err)
	}
	if domain.FriendRequestStatus(status) != domain.FriendRequestPending {
		return fmt.Errorf("friend request %d is %s: %w", id, status, domain.ErrConflict)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE friend_requests SET status = 'accepted' WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("accept friend request: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO friendships (user_id, friend_id)
		VALUES ($1, $2), ($2, $1)
		ON CONFLICT DO NOTHING
	`, from, to); err != nil {
		return fmt.Errorf("insert friendship: %w", err)
	}

	return tx.Commit()
}

func (r *FriendRepo) Reject(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE friend_requests SET status = 'rejected'
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("reject friend request: %w", err)
	}
	if err := requireAffected(res); err != nil {
		if _, getErr := r.GetRequest(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("friend request %d is not pending: %w", id, domain.ErrConflict)
	}
	return nil
}

func (r *FriendRepo) ListFriends(ctx context.Context, userID domain.UserID) ([]*domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.hashed_password, u.avatar, u.created_at
		FROM users u
		JOIN friendships f ON f.friend_id = u.id
		WHERE f.user_id = $1
		ORDER BY u.username ASC
	`, string(userID))
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	return scanUsers(rows)
}

func (r *FriendRepo) AreFriends(ctx context.Context, a, b domain.UserID) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM friendships WHERE user_id = $1 AND friend_id = $2)
	`, string(a), string(b)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check friendship: %w", err)
	}
	return ok, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func scanRequestRow(row rowScanner) (*domain.FriendRequest, error) {
	fr := &domain.FriendRequest{}
	var from, to, status string
	if err := row.Scan(&fr.ID, &from, &to, &status, &fr.CreatedAt); err != nil {
		return nil, err
	}
	fr.FromID, fr.ToID = domain.UserID(from), domain.UserID(to)
	fr.Status = domain.FriendRequestStatus(status)
	return fr, nil
}

func (r *FriendRepo) scanRequest(ctx context.Context, query string, args ...any) (*domain.FriendRequest, error) {
	fr, err := scanRequestRow(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err = notFound(err); err == domain.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan friend request: %w", err)
	}
	return fr, nil
}
