package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"dmchat/internal/domain"
	"dmchat/internal/metrics"
	"dmchat/internal/presence"
)

var errDeadConn = errors.New("connection gone")

type sentEvent struct {
	conn    domain.ConnectionID
	event   string
	payload any
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []sentEvent
	dead map[domain.ConnectionID]bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{dead: make(map[domain.ConnectionID]bool)}
}

func (t *recordingTransport) Send(conn domain.ConnectionID, event string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead[conn] {
		return errDeadConn
	}
	t.sent = append(t.sent, sentEvent{conn: conn, event: event, payload: payload})
	return nil
}

func (t *recordingTransport) kill(conn domain.ConnectionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dead[conn] = true
}

// eventsFor returns the events delivered to conn, optionally filtered by name.
func (t *recordingTransport) eventsFor(conn domain.ConnectionID, names ...string) []sentEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res []sentEvent
	for _, s := range t.sent {
		if s.conn != conn {
			continue
		}
		if len(names) > 0 && !contains(names, s.event) {
			continue
		}
		res = append(res, s)
	}
	return res
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *recordingTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type memStore struct {
	mu       sync.Mutex
	messages []*domain.Message
	err      error
	nextID   int64
}

func (s *memStore) Store(_ context.Context, sender, receiver domain.UserID, text string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.nextID++
	m := &domain.Message{
		ID:         s.nextID,
		SenderID:   sender,
		ReceiverID: receiver,
		Text:       text,
		CreatedAt:  time.Unix(0, s.nextID),
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *memStore) all() []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Message(nil), s.messages...)
}

type fixture struct {
	registry  *presence.Registry
	transport *recordingTransport
	store     *memStore
	metrics   *metrics.Metrics
	spans     *tracetest.SpanRecorder
	router    *Router
	lifecycle *Lifecycle
}

func newFixture(t *testing.T, opts ...LifecycleOption) *fixture {
	t.Helper()

	f := &fixture{
		registry:  presence.NewRegistry(),
		transport: newRecordingTransport(),
		store:     &memStore{},
		metrics:   metrics.New(prometheus.NewRegistry()),
		spans:     tracetest.NewSpanRecorder(),
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f.router = NewRouter(f.registry, f.store, f.transport, f.metrics, zerolog.Nop(), WithTracerProvider(tp))
	f.lifecycle = NewLifecycle(f.registry, f.router, f.metrics, zerolog.Nop(), opts...)
	return f
}

// join connects and binds conn as user, failing the test on error.
func (f *fixture) join(t *testing.T, conn domain.ConnectionID, user domain.UserID) {
	t.Helper()
	if err := f.lifecycle.Connect(conn, ""); err != nil {
		t.Fatalf("connect %s: %v", conn, err)
	}
	if err := f.lifecycle.Join(context.Background(), conn, user); err != nil {
		t.Fatalf("join %s as %s: %v", conn, user, err)
	}
}

func rawJSON(format string, args ...any) []byte {
	return []byte(fmt.Sprintf(format, args...))
}
