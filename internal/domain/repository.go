package domain

import (
	"context"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id UserID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	Search(ctx context.Context, query string, limit int) ([]*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id UserID) error
}

// MessageRepository defines persistence operations for direct messages.
// Create must not return before the row is durable.
type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id int64) (*Message, error)
	ListBetween(ctx context.Context, a, b UserID) ([]*Message, error)
	Delete(ctx context.Context, id int64) error
}

// FriendRepository defines persistence operations for friend requests and
// friendships.
type FriendRepository interface {
	CreateRequest(ctx context.Context, fr *FriendRequest) error
	GetRequest(ctx context.Context, id int64) (*FriendRequest, error)
	FindPending(ctx context.Context, from, to UserID) (*FriendRequest, error)
	ListIncoming(ctx context.Context, to UserID) ([]*FriendRequest, error)
	// Accept marks the request accepted and records the mutual friendship
	// atomically.
	Accept(ctx context.Context, id int64) error
	Reject(ctx context.Context, id int64) error
	ListFriends(ctx context.Context, userID UserID) ([]*User, error)
	AreFriends(ctx context.Context, a, b UserID) (bool, error)
}
