package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dmchat/internal/domain"
	"dmchat/internal/metrics"
	"dmchat/internal/presence"
)

// State is the lifecycle state of a connection.
type State int

const (
	StateConnected State = iota
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Connection is one live transport session as seen by the lifecycle handler.
type Connection struct {
	ID        domain.ConnectionID
	User      domain.UserID // empty until join
	AuthUser  domain.UserID // identity verified by the transport, if any
	CreatedAt time.Time
	State     State

	// receivers this connection has an open typing indicator towards
	typing map[domain.UserID]struct{}
}

// MessagePolicy lets an outside collaborator veto a message before it is
// routed, e.g. to restrict messaging to friends.
type MessagePolicy interface {
	AllowMessage(ctx context.Context, sender, receiver domain.UserID) error
}

// Lifecycle owns every connection from transport connect to disconnect and
// keeps the registry in step with it.
type Lifecycle struct {
	registry *presence.Registry
	router   *Router
	metrics  *metrics.Metrics
	policy   MessagePolicy
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	conns map[domain.ConnectionID]*Connection
	// typing counts the connections of a user with an open indicator
	// towards a receiver.
	typing map[typingPair]int

	// presenceMu orders presence snapshots with their broadcasts.
	presenceMu sync.Mutex
}

type typingPair struct {
	sender, receiver domain.UserID
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithMessagePolicy installs a policy consulted before every send_message.
func WithMessagePolicy(p MessagePolicy) LifecycleOption {
	return func(l *Lifecycle) {
		l.policy = p
	}
}

// WithClock overrides the clock used for connection timestamps.
func WithClock(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) {
		l.now = now
	}
}

func NewLifecycle(
	registry *presence.Registry,
	router *Router,
	m *metrics.Metrics,
	log zerolog.Logger,
	opts ...LifecycleOption,
) *Lifecycle {
	l := &Lifecycle{
		registry: registry,
		router:   router,
		metrics:  m,
		log:      log,
		now:      time.Now,
		conns:    make(map[domain.ConnectionID]*Connection),
		typing:   make(map[typingPair]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect records a new transport session in the Connected state.
func (l *Lifecycle) Connect(id domain.ConnectionID, authUser domain.UserID) error {
	l.mu.Lock()
	if _, ok := l.conns[id]; ok {
		l.mu.Unlock()
		return fmt.Errorf("connect %s: %w", id, domain.ErrConflict)
	}
	l.conns[id] = &Connection{
		ID:        id,
		AuthUser:  authUser,
		CreatedAt: l.now(),
		State:     StateConnected,
		typing:    make(map[domain.UserID]struct{}),
	}
	l.mu.Unlock()

	l.log.Debug().Str("conn", string(id)).Str("auth_user", string(authUser)).Msg("connection opened")
	l.observe()
	return nil
}

// Join binds the connection to user. A connection can join once; a second
// join is rejected without affecting the first binding.
func (l *Lifecycle) Join(ctx context.Context, id domain.ConnectionID, user domain.UserID) error {
	if user == "" {
		return fmt.Errorf("join: %w: empty user id", domain.ErrValidation)
	}

	l.mu.Lock()
	c, ok := l.conns[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("join %s: %w", id, domain.ErrConnectionClosed)
	}
	if c.State == StateBound {
		l.mu.Unlock()
		return fmt.Errorf("join %s as %s: %w", id, user, domain.ErrAlreadyBound)
	}
	if c.AuthUser != "" && c.AuthUser != user {
		l.mu.Unlock()
		return fmt.Errorf("join %s as %s: %w", id, user, domain.ErrUnauthorized)
	}
	cameOnline, err := l.registry.Bind(user, id)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("join %s: %w", id, err)
	}
	c.User = user
	c.State = StateBound
	l.mu.Unlock()

	l.log.Info().Str("conn", string(id)).Str("user", string(user)).Bool("came_online", cameOnline).Msg("user joined")

	if cameOnline {
		l.metrics.PresenceChanges.Inc()
		l.broadcastPresence()
	} else {
		// Presence did not change, but the new connection still needs the
		// current online set.
		l.router.BroadcastPresence([]domain.ConnectionID{id}, l.registry.AllOnlineUsers())
	}
	l.observe()
	return nil
}

// Disconnect closes the connection from any state. Unknown or already closed
// connections are ignored.
func (l *Lifecycle) Disconnect(id domain.ConnectionID) {
	l.mu.Lock()
	c, ok := l.conns[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.conns, id)
	c.State = StateClosed
	user, wentOffline := l.registry.Unbind(id)
	// Only clear indicators no other connection of user still holds open.
	receivers := make([]domain.UserID, 0, len(c.typing))
	for r := range c.typing {
		if l.releaseTyping(typingPair{c.User, r}) == 0 {
			receivers = append(receivers, r)
		}
	}
	c.typing = nil
	l.mu.Unlock()

	slices.Sort(receivers)
	for _, r := range receivers {
		l.router.RouteTyping(user, r, false)
	}

	l.log.Info().Str("conn", string(id)).Str("user", string(user)).Bool("went_offline", wentOffline).Msg("connection closed")

	if wentOffline {
		l.metrics.PresenceChanges.Inc()
		l.broadcastPresence()
	}
	l.observe()
}

// HandleEvent decodes and dispatches one inbound event. Failures are reported
// to the originating connection as an error event and returned for logging;
// they never close the connection.
func (l *Lifecycle) HandleEvent(ctx context.Context, id domain.ConnectionID, event string, data json.RawMessage) error {
	err := l.dispatch(ctx, id, event, data)
	if err == nil {
		return nil
	}

	code := ErrorCode(err)
	l.metrics.InboundRejected.WithLabelValues(code).Inc()
	if !errors.Is(err, domain.ErrConnectionClosed) {
		l.router.SendTo(id, EventError, ErrorPayload{Code: code, Message: err.Error()})
	}
	return err
}

func (l *Lifecycle) dispatch(ctx context.Context, id domain.ConnectionID, event string, data json.RawMessage) error {
	switch event {
	case EventJoinRoom:
		user, err := decodeJoin(data)
		if err != nil {
			return err
		}
		return l.Join(ctx, id, user)

	case EventSendMessage:
		p, err := decodeMessage(data)
		if err != nil {
			return err
		}
		if err := l.checkSender(id, p.SenderID); err != nil {
			return err
		}
		if l.policy != nil {
			if err := l.policy.AllowMessage(ctx, p.SenderID, p.ReceiverID); err != nil {
				return fmt.Errorf("send_message: %w", err)
			}
		}
		if _, err := l.router.RouteMessage(ctx, p.SenderID, p.ReceiverID, p.Message); err != nil {
			return fmt.Errorf("send_message: %w", err)
		}
		return nil

	case EventTyping, EventStopTyping:
		p, err := decodeTyping(data)
		if err != nil {
			return err
		}
		if err := l.checkSender(id, p.SenderID); err != nil {
			return err
		}
		isTyping := event == EventTyping
		l.trackTyping(id, p.ReceiverID, isTyping)
		l.router.RouteTyping(p.SenderID, p.ReceiverID, isTyping)
		return nil
	}

	return fmt.Errorf("%w: unknown event %q", domain.ErrValidation, event)
}

// checkSender ensures the connection has joined as sender.
func (l *Lifecycle) checkSender(id domain.ConnectionID, sender domain.UserID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.conns[id]
	if !ok {
		return domain.ErrConnectionClosed
	}
	if c.State != StateBound {
		return domain.ErrNotBound
	}
	if c.User != sender {
		return fmt.Errorf("%w: sender %s does not match joined user", domain.ErrUnauthorized, sender)
	}
	return nil
}

func (l *Lifecycle) trackTyping(id domain.ConnectionID, receiver domain.UserID, isTyping bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.conns[id]
	if !ok || c.typing == nil {
		return
	}
	_, open := c.typing[receiver]
	switch {
	case isTyping && !open:
		c.typing[receiver] = struct{}{}
		l.typing[typingPair{c.User, receiver}]++
	case !isTyping && open:
		delete(c.typing, receiver)
		l.releaseTyping(typingPair{c.User, receiver})
	}
}

// releaseTyping drops one open indicator for p and returns how many remain.
// Callers hold l.mu.
func (l *Lifecycle) releaseTyping(p typingPair) int {
	n := l.typing[p] - 1
	if n <= 0 {
		delete(l.typing, p)
		return 0
	}
	l.typing[p] = n
	return n
}

func (l *Lifecycle) broadcastPresence() {
	l.presenceMu.Lock()
	defer l.presenceMu.Unlock()

	online := l.registry.AllOnlineUsers()
	l.router.BroadcastPresence(l.openConnections(), online)
}

func (l *Lifecycle) openConnections() []domain.ConnectionID {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make([]domain.ConnectionID, 0, len(l.conns))
	for id := range l.conns {
		res = append(res, id)
	}
	slices.Sort(res)
	return res
}

func (l *Lifecycle) observe() {
	l.mu.Lock()
	open := len(l.conns)
	l.mu.Unlock()
	users, _ := l.registry.Stats()
	l.metrics.ObservePresence(users, open)
}

// Get returns a snapshot of the connection.
func (l *Lifecycle) Get(id domain.ConnectionID) (Connection, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.conns[id]
	if !ok {
		return Connection{}, false
	}
	snap := *c
	snap.typing = nil
	return snap, true
}

// ErrorCode maps an error to the short code sent in error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrStorage):
		return "storage"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAlreadyBound):
		return "already_joined"
	case errors.Is(err, domain.ErrNotBound):
		return "not_joined"
	case errors.Is(err, domain.ErrConnectionClosed):
		return "closed"
	}
	return "internal"
}
