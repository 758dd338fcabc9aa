package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"dmchat/internal/domain"
	"dmchat/internal/realtime"
)

// FriendNotifier pushes friend-request events to connected users.
type FriendNotifier interface {
	RouteFriendRequestCreated(target domain.UserID)
	RouteFriendRequestAccepted(target domain.UserID, payload realtime.RequestAccepted)
}

// FriendService manages friend requests and friendships.
type FriendService struct {
	friends  domain.FriendRepository
	users    domain.UserRepository
	notifier FriendNotifier
	log      zerolog.Logger
}

func NewFriendService(friends domain.FriendRepository, users domain.UserRepository, notifier FriendNotifier, log zerolog.Logger) *FriendService {
	return &FriendService{
		friends:  friends,
		users:    users,
		notifier: notifier,
		log:      log,
	}
}

// SendRequest creates a pending request from one user to another and notifies
// the target. Requests to self, to existing friends, or duplicating a pending
// request in either direction are rejected.
func (s *FriendService) SendRequest(ctx context.Context, from, to domain.UserID) (*domain.FriendRequest, error) {
	if from == to {
		return nil, fmt.Errorf("%w: cannot send a friend request to yourself", domain.ErrValidation)
	}
	if _, err := s.users.GetByID(ctx, to); err != nil {
		return nil, err
	}

	friends, err := s.friends.AreFriends(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if friends {
		return nil, fmt.Errorf("already friends: %w", domain.ErrConflict)
	}

	if _, err := s.friends.FindPending(ctx, from, to); err == nil {
		return nil, fmt.Errorf("request already pending: %w", domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	fr := &domain.FriendRequest{FromID: from, ToID: to, Status: domain.FriendRequestPending}
	if err := s.friends.CreateRequest(ctx, fr); err != nil {
		return nil, err
	}

	s.log.Debug().Int64("request_id", fr.ID).Str("from", string(from)).Str("to", string(to)).Msg("friend request created")
	s.notifier.RouteFriendRequestCreated(to)
	return fr, nil
}

// Accept resolves a pending request addressed to the caller and notifies the
// original sender.
func (s *FriendService) Accept(ctx context.Context, requestID int64, caller domain.UserID) error {
	fr, err := s.requestFor(ctx, requestID, caller)
	if err != nil {
		return err
	}
	if err := s.friends.Accept(ctx, requestID); err != nil {
		return err
	}

	accepter, err := s.users.GetByID(ctx, caller)
	if err != nil {
		return err
	}
	s.notifier.RouteFriendRequestAccepted(fr.FromID, realtime.RequestAccepted{
		UserID:   accepter.ID,
		Username: accepter.Username,
	})
	return nil
}

func (s *FriendService) Reject(ctx context.Context, requestID int64, caller domain.UserID) error {
	if _, err := s.requestFor(ctx, requestID, caller); err != nil {
		return err
	}
	return s.friends.Reject(ctx, requestID)
}

func (s *FriendService) ListFriends(ctx context.Context, user domain.UserID) ([]*domain.User, error) {
	return s.friends.ListFriends(ctx, user)
}

// IncomingRequest is a pending request with its sender resolved.
type IncomingRequest struct {
	*domain.FriendRequest
	FromUser *domain.User `json:"fromUser,omitempty"`
}

func (s *FriendService) ListIncoming(ctx context.Context, user domain.UserID) ([]IncomingRequest, error) {
	reqs, err := s.friends.ListIncoming(ctx, user)
	if err != nil {
		return nil, err
	}
	res := make([]IncomingRequest, 0, len(reqs))
	for _, fr := range reqs {
		from, err := s.users.GetByID(ctx, fr.FromID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		res = append(res, IncomingRequest{FriendRequest: fr, FromUser: from})
	}
	return res, nil
}

func (s *FriendService) AreFriends(ctx context.Context, a, b domain.UserID) (bool, error) {
	return s.friends.AreFriends(ctx, a, b)
}

// AllowMessage restricts direct messages to friends. It satisfies
// realtime.MessagePolicy.
func (s *FriendService) AllowMessage(ctx context.Context, sender, receiver domain.UserID) error {
	if sender == receiver {
		return nil
	}
	ok, err := s.friends.AreFriends(ctx, sender, receiver)
	if err != nil {
		return fmt.Errorf("%w: check friendship: %w", domain.ErrStorage, err)
	}
	if !ok {
		return fmt.Errorf("can only message friends: %w", domain.ErrUnauthorized)
	}
	return nil
}

func (s *FriendService) requestFor(ctx context.Context, requestID int64, caller domain.UserID) (*domain.FriendRequest, error) {
	fr, err := s.friends.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if fr.ToID != caller {
		return nil, fmt.Errorf("friend request %d: %w", requestID, domain.ErrUnauthorized)
	}
	if fr.Status != domain.FriendRequestPending {
		return nil, fmt.Errorf("friend request %d is %s: %w", requestID, fr.Status, domain.ErrConflict)
	}
	return fr, nil
}

var _ realtime.MessagePolicy = (*FriendService)(nil)
