package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmchat/internal/domain"
	"dmchat/internal/metrics"
	"dmchat/internal/presence"
	"dmchat/internal/realtime"
	"dmchat/internal/security"
	"dmchat/internal/service"
	"dmchat/internal/store/sqlite"
)

type countingNotifier struct {
	created  []domain.UserID
	accepted []realtime.RequestAccepted
}

func (n *countingNotifier) RouteFriendRequestCreated(target domain.UserID) {
	n.created = append(n.created, target)
}

func (n *countingNotifier) RouteFriendRequestAccepted(_ domain.UserID, p realtime.RequestAccepted) {
	n.accepted = append(n.accepted, p)
}

type apiFixture struct {
	srv      *httptest.Server
	messages *service.MessageService
	registry *presence.Registry
	notifier *countingNotifier
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	log := zerolog.Nop()
	users := sqlite.NewUserRepo(db)
	reg := prometheus.NewRegistry()
	metrics.New(reg)

	f := &apiFixture{
		messages: service.NewMessageService(sqlite.NewMessageRepo(db), nil, 0, log),
		registry: presence.NewRegistry(),
		notifier: &countingNotifier{},
	}
	auth := service.NewAuthService(users, security.NewTokenService("test-secret", time.Hour), security.NewPasswordHasher(4))
	f.srv = httptest.NewServer(NewRouter(Deps{
		CORSOrigins: []string{"http://localhost:3000"},
		Auth:        auth,
		Users:       service.NewUserService(users),
		Friends:     service.NewFriendService(sqlite.NewFriendRepo(db), users, f.notifier, log),
		Messages:    f.messages,
		Registry:    f.registry,
		Gatherer:    reg,
		Log:         log,
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

type session struct {
	token string
	user  domain.User
}

func (f *apiFixture) register(t *testing.T, name string) session {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": name, "password": "Password1!",
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	var resp struct {
		AccessToken string      `json:"accessToken"`
		User        domain.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.AccessToken)
	return session{token: resp.AccessToken, user: resp.User}
}

func TestAuthRoutes(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.register(t, "alice")

	status, body := f.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "password": "Password1!",
	})
	assert.Equal(t, http.StatusConflict, status)

	status, body = f.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "x", "password": "1",
	})
	require.Equal(t, http.StatusBadRequest, status)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Len(t, errResp.Fields, 2)

	status, _ = f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = f.do(t, http.MethodGet, "/api/auth/me", alice.token, nil)
	require.Equal(t, http.StatusOK, status)
	var me map[string]any
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "alice", me["username"])
	assert.NotContains(t, me, "hashedPassword")

	status, _ = f.do(t, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = f.do(t, http.MethodGet, "/api/auth/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUserAndFriendRoutes(t *testing.T) {
	f := newAPIFixture(t)
	alice, bob := f.register(t, "alice"), f.register(t, "bob")

	status, body := f.do(t, http.MethodGet, "/api/users/search?username=BO", alice.token, nil)
	require.Equal(t, http.StatusOK, status)
	var found []domain.User
	require.NoError(t, json.Unmarshal(body, &found))
	require.Len(t, found, 1)
	assert.Equal(t, bob.user.ID, found[0].ID)

	status, body = f.do(t, http.MethodPost, "/api/friends/requests", alice.token, map[string]any{"userId": bob.user.ID})
	require.Equal(t, http.StatusCreated, status, string(body))
	var fr domain.FriendRequest
	require.NoError(t, json.Unmarshal(body, &fr))
	assert.Equal(t, []domain.UserID{bob.user.ID}, f.notifier.created)

	status, body = f.do(t, http.MethodGet, "/api/friends/requests", bob.token, nil)
	require.Equal(t, http.StatusOK, status)
	var incoming []map[string]any
	require.NoError(t, json.Unmarshal(body, &incoming))
	require.Len(t, incoming, 1)

	path := "/api/friends/requests/" + itoa(fr.ID) + "/accept"
	status, _ = f.do(t, http.MethodPost, path, alice.token, nil)
	assert.Equal(t, http.StatusForbidden, status, "sender cannot accept")
	status, _ = f.do(t, http.MethodPost, path, bob.token, nil)
	require.Equal(t, http.StatusNoContent, status)
	require.Len(t, f.notifier.accepted, 1)
	assert.Equal(t, "bob", f.notifier.accepted[0].Username)

	status, body = f.do(t, http.MethodGet, "/api/users/friends", alice.token, nil)
	require.Equal(t, http.StatusOK, status)
	var friends []domain.User
	require.NoError(t, json.Unmarshal(body, &friends))
	require.Len(t, friends, 1)
	assert.Equal(t, "bob", friends[0].Username)

	status, _ = f.do(t, http.MethodPost, "/api/friends/requests/abc/reject", bob.token, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	_, err := f.registry.Bind(alice.user.ID, "c1")
	require.NoError(t, err)
	status, body = f.do(t, http.MethodGet, "/api/users/online", bob.token, nil)
	require.Equal(t, http.StatusOK, status)
	var online []domain.User
	require.NoError(t, json.Unmarshal(body, &online))
	require.Len(t, online, 1)
	assert.Equal(t, alice.user.ID, online[0].ID)

	status, body = f.do(t, http.MethodPut, "/api/users/profile", bob.token, map[string]string{"avatar": "b.png"})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "b.png")

	status, _ = f.do(t, http.MethodDelete, "/api/users/me", bob.token, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, _ = f.do(t, http.MethodGet, "/api/auth/me", bob.token, nil)
	assert.Equal(t, http.StatusUnauthorized, status, "token of a deleted account")
}

func TestMessageRoutes(t *testing.T) {
	f := newAPIFixture(t)
	alice, bob := f.register(t, "alice"), f.register(t, "bob")

	ctx := context.Background()
	first, err := f.messages.Store(ctx, alice.user.ID, bob.user.ID, "hello")
	require.NoError(t, err)
	_, err = f.messages.Store(ctx, bob.user.ID, alice.user.ID, "hey")
	require.NoError(t, err)

	status, body := f.do(t, http.MethodGet, "/api/messages/"+string(bob.user.ID), alice.token, nil)
	require.Equal(t, http.StatusOK, status)
	var history []domain.Message
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Text)
	assert.Equal(t, "hey", history[1].Text)

	status, body = f.do(t, http.MethodGet, "/api/messages/nobody", alice.token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))

	path := "/api/messages/" + itoa(first.ID)
	status, _ = f.do(t, http.MethodDelete, path, bob.token, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = f.do(t, http.MethodDelete, path, alice.token, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = f.do(t, http.MethodDelete, path, alice.token, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, http.MethodDelete, "/api/messages/zero", alice.token, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"status":"healthy"`)

	status, body = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "dmchat_")
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
