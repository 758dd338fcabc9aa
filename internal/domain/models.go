package domain

import "time"

// UserID is the stable identity of a user. It is issued by the user store and
// verified by the authentication layer; the realtime core treats it as opaque.
type UserID string

// ConnectionID identifies one live transport session.
type ConnectionID string

// User represents an application user.
type User struct {
	ID             UserID    `json:"id"`
	Username       string    `json:"username"`
	HashedPassword string    `json:"-"`
	Avatar         string    `json:"avatar"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Message is a persisted direct message. Immutable once stored.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   UserID    `json:"senderId"`
	ReceiverID UserID    `json:"receiverId"`
	Text       string    `json:"text"` // encrypted at rest when an encryptor is configured
	CreatedAt  time.Time `json:"createdAt"`
}

// FriendRequestStatus is the state of a friend request.
type FriendRequestStatus string

const (
	FriendRequestPending  FriendRequestStatus = "pending"
	FriendRequestAccepted FriendRequestStatus = "accepted"
	FriendRequestRejected FriendRequestStatus = "rejected"
)

// FriendRequest is a pending or resolved request from one user to another.
type FriendRequest struct {
	ID        int64               `json:"id"`
	FromID    UserID              `json:"from"`
	ToID      UserID              `json:"to"`
	Status    FriendRequestStatus `json:"status"`
	CreatedAt time.Time           `json:"createdAt"`
}
