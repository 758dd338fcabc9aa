package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dmchat/internal/domain"
)

type FriendRepo struct {
	db *sql.DB
}

func NewFriendRepo(db *sql.DB) *FriendRepo {
	return &FriendRepo{db: db}
}

var _ domain.FriendRepository = (*FriendRepo)(nil)

func (r *FriendRepo) CreateRequest(ctx context.Context, fr *domain.FriendRequest) error {
	if fr.CreatedAt.IsZero() {
		fr.CreatedAt = time.Now().UTC()
	}
	if fr.Status == "" {
		fr.Status = domain.FriendRequestPending
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO friend_requests (from_id, to_id, status, created_at)
		VALUES (?, ?, ?, ?)
	`, fr.FromID, fr.ToID, fr.Status, toNanos(fr.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert friend request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	fr.ID = id
	return nil
}

func (r *FriendRepo) GetRequest(ctx context.Context, id int64) (*domain.FriendRequest, error) {
	return r.scanRequest(ctx, `
		SELECT id, from_id, to_id, status, created_at
		FROM friend_requests WHERE id = ?
	`, id)
}

// FindPending returns a pending request between the two users in either
// direction.
func (r *FriendRepo) FindPending(ctx context.Context, from, to domain.UserID) (*domain.FriendRequest, error) {
	return r.scanRequest(ctx, `
		SELECT id, from_id, to_id, status, created_at
		FROM friend_requests
		WHERE status = 'pending'
		  AND ((from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?))
		ORDER BY id ASC
		LIMIT 1
	`, from, to, to, from)
}

func (r *FriendRepo) ListIncoming(ctx context.Context, to domain.UserID) ([]*domain.FriendRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, from_id, to_id, status, created_at
		FROM friend_requests
		WHERE to_id = ? AND status = 'pending'
		ORDER BY created_at ASC, id ASC
	`, to)
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

	var from, to domain.UserID
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT from_id, to_id, status FROM friend_requests WHERE id = ?`, id,
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
		`UPDATE friend_requests SET status = 'accepted' WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("accept friend request: %w", err)
	}

	now := toNanos(time.Now())
	for _, pair := range [][2]domain.UserID{{from, to}, {to, from}} {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO friendships (user_id, friend_id, created_at)
			VALUES (?, ?, ?)
		`, pair[0], pair[1], now); err != nil {
			return fmt.Errorf("insert friendship: %w", err)
		}
	}

	return tx.Commit()
}

func (r *FriendRepo) Reject(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE friend_requests SET status = 'rejected'
		WHERE id = ? AND status = 'pending'
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
		WHERE f.user_id = ?
		ORDER BY u.username ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	return scanUsers(rows)
}

func (r *FriendRepo) AreFriends(ctx context.Context, a, b domain.UserID) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM friendships WHERE user_id = ? AND friend_id = ?`, a, b,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check friendship: %w", err)
	}
	return n > 0, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func scanRequestRow(row rowScanner) (*domain.FriendRequest, error) {
	fr := &domain.FriendRequest{}
	var created int64
	if err := row.Scan(&fr.ID, &fr.FromID, &fr.ToID, &fr.Status, &created); err != nil {
		return nil, err
	}
	fr.CreatedAt = fromNanos(created)
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
