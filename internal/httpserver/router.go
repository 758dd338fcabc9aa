package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hay-kot/criterio"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dmchat/internal/domain"
	"dmchat/internal/presence"
	"dmchat/internal/service"
)

// Deps are the collaborators the HTTP surface is built on.
type Deps struct {
	CORSOrigins []string
	Auth        *service.AuthService
	Users       *service.UserService
	Friends     *service.FriendService
	Messages    *service.MessageService
	Registry    *presence.Registry
	WS          http.Handler
	Gatherer    prometheus.Gatherer
	Log         zerolog.Logger
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		users, conns := d.Registry.Stats()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "healthy",
			"onlineUsers": users,
			"connections": conns,
		})
	})

	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", handleRegister(d.Auth))
			r.Post("/login", handleLogin(d.Auth))
		})

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(d.Auth, d.Users, d.Log))

			r.Get("/auth/me", handleMe())

			r.Route("/users", func(r chi.Router) {
				r.Get("/search", handleSearchUsers(d.Users))
				r.Get("/friends", handleListFriends(d.Friends))
				r.Get("/online", handleListOnlineUsers(d.Users, d.Registry))
				r.Put("/profile", handleUpdateProfile(d.Users))
				r.Delete("/me", handleDeleteMe(d.Users))
			})

			r.Route("/friends/requests", func(r chi.Router) {
				r.Post("/", handleSendFriendRequest(d.Friends))
				r.Get("/", handleListFriendRequests(d.Friends))
				r.Post("/{requestID}/accept", handleAcceptFriendRequest(d.Friends))
				r.Post("/{requestID}/reject", handleRejectFriendRequest(d.Friends))
			})

			r.Route("/messages", func(r chi.Router) {
				// GET takes a friend's user id, DELETE a message id.
				r.Get("/{id}", handleHistory(d.Messages))
				r.Delete("/{id}", handleDeleteMessage(d.Messages))
			})
		})
	})

	// The WebSocket route sits outside the /api timeout: sockets are long-lived.
	if d.WS != nil {
		r.Method(http.MethodGet, "/ws", d.WS)
	}

	return r
}

// requestLogger logs one line per request at info level.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error  string       `json:"error"`
	Fields []fieldError `json:"fields,omitempty"`
}

// writeError maps domain errors to status codes. ErrUnauthorized becomes 403
// here: the caller is authenticated but not allowed.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	}

	resp := errorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	var fe criterio.FieldErrors
	if errors.As(err, &fe) {
		for _, e := range fe {
			resp.Fields = append(resp.Fields, fieldError{Field: e.Field, Message: e.Err.Error()})
		}
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}
