// Package realtime routes chat events between live connections and owns the
// per-connection lifecycle.
package realtime

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dmchat/internal/domain"
	"dmchat/internal/metrics"
	"dmchat/internal/presence"
)

const (
	tracerName  = "dmchat/realtime"
	pairStripes = 64
)

// Transport delivers a named event to one connection. Implementations must
// not block and must treat unknown or dead connections as an error, never a
// panic.
type Transport interface {
	Send(conn domain.ConnectionID, event string, payload any) error
}

// MessageStore durably records messages before they are fanned out.
type MessageStore interface {
	Store(ctx context.Context, sender, receiver domain.UserID, text string) (*domain.Message, error)
}

// Router resolves event targets through the registry and hands events to the
// transport. It keeps no state of its own besides the pair locks.
type Router struct {
	registry  *presence.Registry
	store     MessageStore
	transport Transport
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	log       zerolog.Logger

	// pairs serialize persist+fan-out per sender->receiver pair so live
	// delivery order matches history order.
	pairs [pairStripes]sync.Mutex
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithTracerProvider sets the provider spans are started from. Without it
// the global provider installed with otel.SetTracerProvider is used.
func WithTracerProvider(tp trace.TracerProvider) RouterOption {
	return func(r *Router) {
		r.tracer = tp.Tracer(tracerName)
	}
}

func NewRouter(
	registry *presence.Registry,
	store MessageStore,
	transport Transport,
	m *metrics.Metrics,
	log zerolog.Logger,
	opts ...RouterOption,
) *Router {
	r := &Router{
		registry:  registry,
		store:     store,
		transport: transport,
		metrics:   m,
		tracer:    otel.Tracer(tracerName),
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) pairLock(sender, receiver domain.UserID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sender))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(receiver))
	return &r.pairs[h.Sum32()%pairStripes]
}

// RouteMessage stores the message and then delivers receive_message to every
// connection of the receiver and of the sender. If the write fails nothing is
// delivered and the error wraps domain.ErrStorage or domain.ErrValidation.
func (r *Router) RouteMessage(ctx context.Context, sender, receiver domain.UserID, text string) (*domain.Message, error) {
	ctx, span := r.tracer.Start(ctx, "realtime.RouteMessage", trace.WithAttributes(
		attribute.String("chat.sender_id", string(sender)),
		attribute.String("chat.receiver_id", string(receiver)),
	))
	defer span.End()

	mu := r.pairLock(sender, receiver)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	msg, err := r.store.Store(ctx, sender, receiver, text)
	if err != nil {
		if errors.Is(err, domain.ErrStorage) {
			r.metrics.StorageErrors.Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "store message")
		return nil, err
	}
	r.metrics.PersistDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int64("chat.message_id", msg.ID))

	createdAt := msg.CreatedAt
	payload := MessagePayload{
		ID:         msg.ID,
		SenderID:   sender,
		ReceiverID: receiver,
		Message:    text,
		CreatedAt:  &createdAt,
	}

	targets := r.registry.ConnectionsFor(receiver)
	if receiver != sender {
		targets = append(targets, r.registry.ConnectionsFor(sender)...)
	}
	delivered := r.fanout(targets, EventReceiveMessage, payload)
	span.SetAttributes(attribute.Int("chat.delivered", delivered))

	return msg, nil
}

// RouteTyping forwards a typing indicator to the receiver's connections only.
func (r *Router) RouteTyping(sender, receiver domain.UserID, isTyping bool) {
	event := EventUserStopTyping
	if isTyping {
		event = EventUserTyping
	}
	r.fanout(r.registry.ConnectionsFor(receiver), event, sender)
}

// RouteFriendRequestCreated notifies target that a new request is waiting.
func (r *Router) RouteFriendRequestCreated(target domain.UserID) {
	r.fanout(r.registry.ConnectionsFor(target), EventNewFriendRequest, nil)
}

// RouteFriendRequestAccepted notifies target that its request was accepted.
func (r *Router) RouteFriendRequestAccepted(target domain.UserID, payload RequestAccepted) {
	r.fanout(r.registry.ConnectionsFor(target), EventRequestAccepted, payload)
}

// BroadcastPresence sends the online set to the given connections.
func (r *Router) BroadcastPresence(conns []domain.ConnectionID, online []domain.UserID) {
	if online == nil {
		online = []domain.UserID{}
	}
	r.fanout(conns, EventOnlineUsers, online)
}

// SendTo delivers a single event to one connection, best effort.
func (r *Router) SendTo(conn domain.ConnectionID, event string, payload any) {
	r.fanout([]domain.ConnectionID{conn}, event, payload)
}

// fanout returns the number of connections that accepted the event.
func (r *Router) fanout(conns []domain.ConnectionID, event string, payload any) int {
	delivered := 0
	for _, c := range conns {
		if err := r.transport.Send(c, event, payload); err != nil {
			r.metrics.FanoutFailures.WithLabelValues(event).Inc()
			r.log.Debug().Err(err).Str("conn", string(c)).Str("event", event).Msg("fan-out skipped")
			continue
		}
		delivered++
	}
	if delivered > 0 {
		r.metrics.EventsRouted.WithLabelValues(event).Add(float64(delivered))
	}
	return delivered
}
