package realtime

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmchat/internal/domain"
)

func TestLifecycle_JoinBroadcastsPresenceToEveryConnection(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lifecycle.Connect("anon", ""))
	f.join(t, "a1", "alice")

	for _, conn := range []domain.ConnectionID{"anon", "a1"} {
		got := f.transport.eventsFor(conn, EventOnlineUsers)
		require.Len(t, got, 1, "conn %s", conn)
		assert.Equal(t, []domain.UserID{"alice"}, got[0].payload)
	}

	c, ok := f.lifecycle.Get("a1")
	require.True(t, ok)
	assert.Equal(t, StateBound, c.State)
	assert.Equal(t, domain.UserID("alice"), c.User)
	assert.True(t, f.registry.IsOnline("alice"))
}

func TestLifecycle_SecondTabGetsSnapshotOnly(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a1", "alice")
	f.join(t, "b1", "bob")
	f.transport.reset()

	f.join(t, "a2", "alice")

	assert.Empty(t, f.transport.eventsFor("a1"))
	assert.Empty(t, f.transport.eventsFor("b1"))
	got := f.transport.eventsFor("a2", EventOnlineUsers)
	require.Len(t, got, 1)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, got[0].payload)
}

func TestLifecycle_JoinErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*testing.T, *fixture)
		conn    domain.ConnectionID
		user    domain.UserID
		wantErr error
	}{
		{
			name:    "unknown connection",
			setup:   func(*testing.T, *fixture) {},
			conn:    "ghost",
			user:    "alice",
			wantErr: domain.ErrConnectionClosed,
		},
		{
			name: "rebind is rejected",
			setup: func(t *testing.T, f *fixture) {
				f.join(t, "c1", "alice")
			},
			conn:    "c1",
			user:    "bob",
			wantErr: domain.ErrAlreadyBound,
		},
		{
			name: "identity differs from authenticated user",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.lifecycle.Connect("c1", "alice"))
			},
			conn:    "c1",
			user:    "mallory",
			wantErr: domain.ErrUnauthorized,
		},
		{
			name: "closed connection",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.lifecycle.Connect("c1", ""))
				f.lifecycle.Disconnect("c1")
			},
			conn:    "c1",
			user:    "alice",
			wantErr: domain.ErrConnectionClosed,
		},
		{
			name: "empty user",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.lifecycle.Connect("c1", ""))
			},
			conn:    "c1",
			user:    "",
			wantErr: domain.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)

			err := f.lifecycle.Join(context.Background(), tt.conn, tt.user)
			require.ErrorIs(t, err, tt.wantErr)
			assert.False(t, f.registry.IsOnline("bob"))
			assert.False(t, f.registry.IsOnline("mallory"))
		})
	}
}

func TestLifecycle_RebindKeepsOriginalBinding(t *testing.T) {
	f := newFixture(t)
	f.join(t, "c1", "alice")

	err := f.lifecycle.Join(context.Background(), "c1", "bob")
	require.ErrorIs(t, err, domain.ErrAlreadyBound)

	assert.Equal(t, []domain.ConnectionID{"c1"}, f.registry.ConnectionsFor("alice"))
	assert.Empty(t, f.registry.ConnectionsFor("bob"))
}

func TestLifecycle_DisconnectAllConnectionsBroadcastsOnce(t *testing.T) {
	f := newFixture(t)
	f.join(t, "obs", "observer")
	f.join(t, "a1", "alice")
	f.join(t, "a2", "alice")
	f.transport.reset()

	f.lifecycle.Disconnect("a1")
	assert.True(t, f.registry.IsOnline("alice"))
	assert.Empty(t, f.transport.eventsFor("obs", EventOnlineUsers))

	f.lifecycle.Disconnect("a2")
	assert.False(t, f.registry.IsOnline("alice"))

	got := f.transport.eventsFor("obs", EventOnlineUsers)
	require.Len(t, got, 1)
	assert.Equal(t, []domain.UserID{"observer"}, got[0].payload)

	// Duplicate disconnect events are harmless.
	f.lifecycle.Disconnect("a2")
	assert.Len(t, f.transport.eventsFor("obs", EventOnlineUsers), 1)
	assert.Empty(t, f.transport.eventsFor("a2"), "closed connections receive nothing")
}

func TestLifecycle_DisconnectClearsTypingIndicators(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a1", "alice")
	f.join(t, "b1", "bob")
	f.transport.reset()

	err := f.lifecycle.HandleEvent(context.Background(), "a1", EventTyping,
		rawJSON(`{"senderId":"alice","receiverId":"bob"}`))
	require.NoError(t, err)
	require.Len(t, f.transport.eventsFor("b1", EventUserTyping), 1)

	f.lifecycle.Disconnect("a1")

	stops := f.transport.eventsFor("b1", EventUserStopTyping)
	require.Len(t, stops, 1)
	assert.Equal(t, domain.UserID("alice"), stops[0].payload)
}

func TestLifecycle_StopTypingIsNotRepeatedOnDisconnect(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a1", "alice")
	f.join(t, "b1", "bob")

	ctx := context.Background()
	require.NoError(t, f.lifecycle.HandleEvent(ctx, "a1", EventTyping, rawJSON(`{"senderId":"alice","receiverId":"bob"}`)))
	require.NoError(t, f.lifecycle.HandleEvent(ctx, "a1", EventStopTyping, rawJSON(`{"senderId":"alice","receiverId":"bob"}`)))
	f.lifecycle.Disconnect("a1")

	assert.Len(t, f.transport.eventsFor("b1", EventUserStopTyping), 1)
}

func TestLifecycle_DisconnectKeepsTypingOpenInOtherTab(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a1", "alice")
	f.join(t, "a2", "alice")
	f.join(t, "b1", "bob")
	f.transport.reset()

	ctx := context.Background()
	typing := rawJSON(`{"senderId":"alice","receiverId":"bob"}`)
	require.NoError(t, f.lifecycle.HandleEvent(ctx, "a1", EventTyping, typing))
	require.NoError(t, f.lifecycle.HandleEvent(ctx, "a2", EventTyping, typing))
	// A repeated typing event from the same tab does not count twice.
	require.NoError(t, f.lifecycle.HandleEvent(ctx, "a2", EventTyping, typing))

	f.lifecycle.Disconnect("a1")
	assert.Empty(t, f.transport.eventsFor("b1", EventUserStopTyping), "a2 is still typing")

	f.lifecycle.Disconnect("a2")
	stops := f.transport.eventsFor("b1", EventUserStopTyping)
	require.Len(t, stops, 1)
	assert.Equal(t, domain.UserID("alice"), stops[0].payload)
}

func TestLifecycle_HandleEvent_SendMessage(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a1", "alice")
	f.join(t, "b1", "bob")
	f.transport.reset()

	err := f.lifecycle.HandleEvent(context.Background(), "a1", EventSendMessage,
		rawJSON(`{"senderId":"alice","receiverId":"bob","message":"hi"}`))
	require.NoError(t, err)

	got := f.transport.eventsFor("b1", EventReceiveMessage)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].payload.(MessagePayload).Message)
	assert.Len(t, f.transport.eventsFor("a1", EventReceiveMessage), 1)
}

func TestLifecycle_HandleEvent_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		joined   bool
		event    string
		data     string
		wantErr  error
		wantCode string
	}{
		{
			name:     "malformed payload",
			joined:   true,
			event:    EventSendMessage,
			data:     `{"senderId":`,
			wantErr:  domain.ErrValidation,
			wantCode: "validation",
		},
		{
			name:     "empty message",
			joined:   true,
			event:    EventSendMessage,
			data:     `{"senderId":"alice","receiverId":"bob","message":"  "}`,
			wantErr:  domain.ErrValidation,
			wantCode: "validation",
		},
		{
			name:     "spoofed sender",
			joined:   true,
			event:    EventSendMessage,
			data:     `{"senderId":"bob","receiverId":"alice","message":"hi"}`,
			wantErr:  domain.ErrUnauthorized,
			wantCode: "unauthorized",
		},
		{
			name:     "send before join",
			joined:   false,
			event:    EventSendMessage,
			data:     `{"senderId":"alice","receiverId":"bob","message":"hi"}`,
			wantErr:  domain.ErrNotBound,
			wantCode: "not_joined",
		},
		{
			name:     "typing without receiver",
			joined:   true,
			event:    EventTyping,
			data:     `{"senderId":"alice"}`,
			wantErr:  domain.ErrValidation,
			wantCode: "validation",
		},
		{
			name:     "unknown event",
			joined:   true,
			event:    "launch_rockets",
			data:     `{}`,
			wantErr:  domain.ErrValidation,
			wantCode: "validation",
		},
		{
			name:     "join without id",
			joined:   false,
			event:    EventJoinRoom,
			data:     `""`,
			wantErr:  domain.ErrValidation,
			wantCode: "validation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.joined {
				f.join(t, "a1", "alice")
			} else {
				require.NoError(t, f.lifecycle.Connect("a1", ""))
			}
			f.join(t, "b1", "bob")
			f.transport.reset()

			err := f.lifecycle.HandleEvent(context.Background(), "a1", tt.event, []byte(tt.data))
			require.ErrorIs(t, err, tt.wantErr)

			errs := f.transport.eventsFor("a1", EventError)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.wantCode, errs[0].payload.(ErrorPayload).Code)
			assert.Empty(t, f.transport.eventsFor("b1"))
			assert.Empty(t, f.store.all())

			_, ok := f.lifecycle.Get("a1")
			assert.True(t, ok, "rejected events must not close the connection")
		})
	}
}

func TestLifecycle_HandleEvent_StorageErrorReportedToSenderOnly(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a1", "alice")
	f.join(t, "a2", "alice")
	f.join(t, "b1", "bob")
	f.store.err = fmt.Errorf("%w: write failed", domain.ErrStorage)
	f.transport.reset()

	err := f.lifecycle.HandleEvent(context.Background(), "a1", EventSendMessage,
		rawJSON(`{"senderId":"alice","receiverId":"bob","message":"hi"}`))
	require.ErrorIs(t, err, domain.ErrStorage)

	errs := f.transport.eventsFor("a1", EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "storage", errs[0].payload.(ErrorPayload).Code)
	assert.Empty(t, f.transport.eventsFor("a2"))
	assert.Empty(t, f.transport.eventsFor("b1"))
}

type denyAll struct{}

func (denyAll) AllowMessage(context.Context, domain.UserID, domain.UserID) error {
	return fmt.Errorf("%w: not friends", domain.ErrUnauthorized)
}

func TestLifecycle_MessagePolicyVeto(t *testing.T) {
	f := newFixture(t, WithMessagePolicy(denyAll{}))
	f.join(t, "a1", "alice")
	f.join(t, "b1", "bob")
	f.transport.reset()

	err := f.lifecycle.HandleEvent(context.Background(), "a1", EventSendMessage,
		rawJSON(`{"senderId":"alice","receiverId":"bob","message":"hi"}`))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Empty(t, f.store.all())
	assert.Empty(t, f.transport.eventsFor("b1"))
}

func TestLifecycle_JoinRoomAcceptsObjectPayload(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lifecycle.Connect("c1", ""))

	err := f.lifecycle.HandleEvent(context.Background(), "c1", EventJoinRoom, rawJSON(`{"userId":"alice"}`))
	require.NoError(t, err)
	assert.True(t, f.registry.IsOnline("alice"))
}

func TestLifecycle_ConnectDuplicateID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lifecycle.Connect("c1", ""))
	require.ErrorIs(t, f.lifecycle.Connect("c1", ""), domain.ErrConflict)
}
