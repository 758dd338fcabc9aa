package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"dmchat/internal/domain"
	"dmchat/internal/realtime"
	"dmchat/internal/store/sqlite"
)

type repos struct {
	users    *sqlite.UserRepo
	messages *sqlite.MessageRepo
	friends  *sqlite.FriendRepo
}

func newRepos(t *testing.T) repos {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))
	return repos{
		users:    sqlite.NewUserRepo(db),
		messages: sqlite.NewMessageRepo(db),
		friends:  sqlite.NewFriendRepo(db),
	}
}

func (r repos) user(t *testing.T, name string) *domain.User {
	t.Helper()
	u := &domain.User{Username: name, HashedPassword: "x"}
	require.NoError(t, r.users.Create(context.Background(), u))
	return u
}

type notification struct {
	target   domain.UserID
	accepted *realtime.RequestAccepted
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) RouteFriendRequestCreated(target domain.UserID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{target: target})
}

func (n *recordingNotifier) RouteFriendRequestAccepted(target domain.UserID, payload realtime.RequestAccepted) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{target: target, accepted: &payload})
}
