package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dmchat/internal/domain"
	"dmchat/internal/realtime"
)

// Authenticator resolves a bearer token to the user it was issued to.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.UserID, error)
}

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimRight(strings.TrimSpace(strings.ToLower(origin)), "/")
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin allows requests whose Origin is listed. "*" allows any
// origin, including requests without one.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if _, ok := allowed["*"]; ok {
		return func(r *http.Request) bool { return true }
	}
	if len(allowed) == 0 {
		return func(r *http.Request) bool {
			return false
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return false
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

// extractTokenFromWSRequest reads the bearer token from the Authorization
// header, the "bearer, <token>" subprotocol pair, or the token query param.
func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// Handler upgrades authenticated requests to WebSocket connections and
// drives them through the connection lifecycle.
type Handler struct {
	hub         *Hub
	lifecycle   *realtime.Lifecycle
	auth        Authenticator
	checkOrigin func(r *http.Request) bool
	upgrader    websocket.Upgrader
	sendBuffer  int
	log         zerolog.Logger
}

func NewHandler(
	hub *Hub,
	lifecycle *realtime.Lifecycle,
	auth Authenticator,
	allowedOrigins []string,
	sendBuffer int,
	log zerolog.Logger,
) *Handler {
	checkOrigin := makeCheckOrigin(allowedOrigins)
	return &Handler{
		hub:         hub,
		lifecycle:   lifecycle,
		auth:        auth,
		checkOrigin: checkOrigin,
		upgrader: websocket.Upgrader{
			CheckOrigin:  checkOrigin,
			Subprotocols: []string{"bearer"},
		},
		sendBuffer: sendBuffer,
		log:        log,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	tokenStr, err := extractTokenFromWSRequest(r)
	if err != nil {
		var authErr wsAuthError
		if errors.As(err, &authErr) {
			http.Error(w, authErr.msg, authErr.status)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	user, err := h.auth.Authenticate(ctx, tokenStr)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		h.log.Error().Err(err).Msg("authenticate websocket")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}

	id := domain.ConnectionID(uuid.NewString())
	log := h.log.With().Str("conn", string(id)).Str("user", string(user)).Logger()
	client := newClient(id, conn, h.sendBuffer, log)

	h.hub.Add(client)
	if err := h.lifecycle.Connect(id, user); err != nil {
		log.Error().Err(err).Msg("register connection")
		h.hub.Remove(id)
		client.close()
		return
	}
	defer func() {
		// Disconnect first so presence and typing teardown go out while the
		// hub can still reach the other connections.
		h.lifecycle.Disconnect(id)
		h.hub.Remove(id)
		client.close()
	}()

	go client.writePump()
	client.readPump(func(data []byte) {
		h.handleFrame(ctx, id, data, log)
	})
}

func (h *Handler) handleFrame(ctx context.Context, id domain.ConnectionID, data []byte, log zerolog.Logger) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		h.hub.Send(id, realtime.EventError, realtime.ErrorPayload{
			Code:    realtime.ErrorCode(domain.ErrValidation),
			Message: "malformed frame: expected {\"event\": ..., \"data\": ...}",
		})
		return
	}

	if err := h.lifecycle.HandleEvent(ctx, id, frame.Event, frame.Data); err != nil {
		log.Debug().Err(err).Str("event", frame.Event).Msg("event rejected")
	}
}
