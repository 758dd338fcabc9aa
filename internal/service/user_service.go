package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hay-kot/criterio"

	"dmchat/internal/domain"
)

const defaultSearchLimit = 20

// UserService provides user-related operations.
type UserService struct {
	users domain.UserRepository
}

func NewUserService(users domain.UserRepository) *UserService {
	return &UserService{users: users}
}

func (s *UserService) Get(ctx context.Context, id domain.UserID) (*domain.User, error) {
	return s.users.GetByID(ctx, id)
}

// GetMany resolves ids to users, skipping ids that no longer exist.
func (s *UserService) GetMany(ctx context.Context, ids []domain.UserID) ([]*domain.User, error) {
	users := make([]*domain.User, 0, len(ids))
	for _, id := range ids {
		u, err := s.users.GetByID(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// Search returns users whose username contains query, excluding the caller.
func (s *UserService) Search(ctx context.Context, caller domain.UserID, query string, limit int) ([]*domain.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, criterio.NewFieldErrors("username", fmt.Errorf("is required")))
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	found, err := s.users.Search(ctx, query, limit+1)
	if err != nil {
		return nil, err
	}
	res := make([]*domain.User, 0, len(found))
	for _, u := range found {
		if u.ID == caller {
			continue
		}
		res = append(res, u)
	}
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// UpdateProfileInput holds optional profile changes; nil fields are left as is.
type UpdateProfileInput struct {
	Username *string `json:"username"`
	Avatar   *string `json:"avatar"`
}

func (s *UserService) UpdateProfile(ctx context.Context, id domain.UserID, in UpdateProfileInput) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Username != nil {
		name := strings.TrimSpace(*in.Username)
		if err := validateUsername(name); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrValidation, criterio.NewFieldErrors("username", err))
		}
		user.Username = name
	}
	if in.Avatar != nil {
		user.Avatar = *in.Avatar
	}

	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *UserService) Delete(ctx context.Context, id domain.UserID) error {
	return s.users.Delete(ctx, id)
}
