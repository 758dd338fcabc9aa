// Package presence tracks which users currently hold live connections.
package presence

import (
	"fmt"
	"slices"
	"sync"

	"dmchat/internal/domain"
)

// Registry maps user identities to their live connection ids. A connection id
// belongs to at most one user, and a user is online iff its set is non-empty.
// All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	users  map[domain.UserID]map[domain.ConnectionID]struct{}
	owners map[domain.ConnectionID]domain.UserID
}

func NewRegistry() *Registry {
	return &Registry{
		users:  make(map[domain.UserID]map[domain.ConnectionID]struct{}),
		owners: make(map[domain.ConnectionID]domain.UserID),
	}
}

// Bind registers conn under user. Binding the same pair twice is a no-op.
// cameOnline reports the offline->online transition for user.
func (r *Registry) Bind(user domain.UserID, conn domain.ConnectionID) (cameOnline bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[conn]; ok {
		if owner == user {
			return false, nil
		}
		return false, fmt.Errorf("bind %s: %w", conn, domain.ErrAlreadyBound)
	}

	set := r.users[user]
	if set == nil {
		set = make(map[domain.ConnectionID]struct{})
		r.users[user] = set
	}
	set[conn] = struct{}{}
	r.owners[conn] = user
	return len(set) == 1, nil
}

// Unbind removes conn from whichever user holds it. Unknown connections are
// ignored so duplicate disconnects are harmless. wentOffline reports the
// online->offline transition for the returned user.
func (r *Registry) Unbind(conn domain.ConnectionID) (user domain.UserID, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.owners[conn]
	if !ok {
		return "", false
	}
	delete(r.owners, conn)

	set := r.users[user]
	delete(set, conn)
	if len(set) == 0 {
		delete(r.users, user)
		return user, true
	}
	return user, false
}

func (r *Registry) IsOnline(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[user]) > 0
}

// ConnectionsFor returns a sorted copy of the connections bound to user.
func (r *Registry) ConnectionsFor(user domain.UserID) []domain.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[user]
	if len(set) == 0 {
		return nil
	}
	res := make([]domain.ConnectionID, 0, len(set))
	for c := range set {
		res = append(res, c)
	}
	slices.Sort(res)
	return res
}

// AllOnlineUsers returns the sorted set of users with at least one connection.
func (r *Registry) AllOnlineUsers() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]domain.UserID, 0, len(r.users))
	for u := range r.users {
		res = append(res, u)
	}
	slices.Sort(res)
	return res
}

// UserFor returns the user conn is bound to.
func (r *Registry) UserFor(conn domain.ConnectionID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.owners[conn]
	return u, ok
}

func (r *Registry) Stats() (users, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users), len(r.owners)
}
