package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hay-kot/criterio"

	"dmchat/internal/domain"
	"dmchat/internal/security"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 50
	minPasswordLength = 6
)

// AuthService handles registration, login and token verification.
type AuthService struct {
	users  domain.UserRepository
	tokens *security.TokenService
	hash   *security.PasswordHasher
}

func NewAuthService(users domain.UserRepository, tokens *security.TokenService, hash *security.PasswordHasher) *AuthService {
	return &AuthService{
		users:  users,
		tokens: tokens,
		hash:   hash,
	}
}

type RegisterInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Avatar   string `json:"avatar"`
}

func (in RegisterInput) Validate() error {
	var errs criterio.FieldErrorsBuilder
	if err := validateUsername(in.Username); err != nil {
		errs = errs.Append("username", err)
	}
	if utf8.RuneCountInString(in.Password) < minPasswordLength {
		errs = errs.Append("password", fmt.Errorf("must be at least %d characters", minPasswordLength))
	} else if err := security.CheckLength(in.Password); err != nil {
		errs = errs.Append("password", err)
	}
	return errs.ToError()
}

type LoginInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string       `json:"accessToken"`
	TokenType   string       `json:"tokenType"`
	User        *domain.User `json:"user"`
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	existing, err := s.users.GetByUsername(ctx, in.Username)
	switch {
	case err == nil && existing != nil:
		return nil, domain.ErrConflict
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("check username: %w", err)
	}

	hashed, err := s.hash.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		Username:       in.Username,
		HashedPassword: hashed,
		Avatar:         in.Avatar,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *AuthService) Login(ctx context.Context, in LoginInput) (*TokenResponse, error) {
	user, err := s.users.GetByUsername(ctx, strings.TrimSpace(in.Username))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("incorrect username or password: %w", domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	if err := s.hash.Verify(in.Password, user.HashedPassword); err != nil {
		return nil, fmt.Errorf("incorrect username or password: %w", domain.ErrUnauthorized)
	}

	token, err := s.tokens.CreateForUser(string(user.ID))
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}

	return &TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        user,
	}, nil
}

// Authenticate verifies a bearer token and returns the user it was issued to.
// Tokens for deleted accounts are rejected.
func (s *AuthService) Authenticate(ctx context.Context, token string) (domain.UserID, error) {
	if token == "" {
		return "", fmt.Errorf("missing token: %w", domain.ErrUnauthorized)
	}
	sub, err := s.tokens.Subject(token)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", domain.ErrUnauthorized)
	}
	user, err := s.users.GetByID(ctx, domain.UserID(sub))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("unknown user: %w", domain.ErrUnauthorized)
		}
		return "", fmt.Errorf("get user: %w", err)
	}
	return user.ID, nil
}

func validateUsername(name string) error {
	n := utf8.RuneCountInString(name)
	if n < minUsernameLength || n > maxUsernameLength {
		return fmt.Errorf("must be between %d and %d characters", minUsernameLength, maxUsernameLength)
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("must not contain whitespace")
	}
	return nil
}
