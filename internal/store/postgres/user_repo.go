package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"dmchat/internal/domain"
)

const userColumns = `id, username, hashed_password, avatar, created_at`

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

var _ domain.UserRepository = (*UserRepo)(nil)

func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	if u.ID == "" {
		u.ID = domain.UserID(uuid.NewString())
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, hashed_password, avatar, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at
	`, string(u.ID), u.Username, u.HashedPassword, u.Avatar).Scan(&u.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert user %q: %w", u.Username, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	if _, err := uuid.Parse(string(id)); err != nil {
		return nil, domain.ErrNotFound
	}
	return r.scanUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, string(id))
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.scanUser(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (r *UserRepo) Search(ctx context.Context, query string, limit int) ([]*domain.User, error) {
	pattern := "%" + strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query) + "%"
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username ILIKE $1
		ORDER BY username ASC
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return scanUsers(rows)
}

func (r *UserRepo) Update(ctx context.Context, u *domain.User) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET username=$1, hashed_password=$2, avatar=$3
		WHERE id=$4
	`, u.Username, u.HashedPassword, u.Avatar, string(u.ID))
	if isUniqueViolation(err) {
		return fmt.Errorf("update user %q: %w", u.Username, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return requireAffected(res)
}

func (r *UserRepo) Delete(ctx context.Context, id domain.UserID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return requireAffected(res)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func scanUserRow(row rowScanner) (*domain.User, error) {
	u := &domain.User{}
	var id string
	if err := row.Scan(&id, &u.Username, &u.HashedPassword, &u.Avatar, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.ID = domain.UserID(id)
	return u, nil
}

func (r *UserRepo) scanUser(ctx context.Context, query string, arg any) (*domain.User, error) {
	u, err := scanUserRow(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if err = notFound(err); err == domain.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func scanUsers(rows *sql.Rows) ([]*domain.User, error) {
	defer rows.Close()
	var users []*domain.User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
