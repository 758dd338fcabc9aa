package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"dmchat/internal/config"
	"dmchat/internal/domain"
	"dmchat/internal/httpserver"
	"dmchat/internal/metrics"
	"dmchat/internal/presence"
	"dmchat/internal/realtime"
	"dmchat/internal/security"
	"dmchat/internal/service"
	"dmchat/internal/store/postgres"
	"dmchat/internal/store/sqlite"
	"dmchat/internal/telemetry"
	"dmchat/internal/ws"
)

const shutdownTimeout = 10 * time.Second

type stores struct {
	db       *sql.DB
	users    domain.UserRepository
	messages domain.MessageRepository
	friends  domain.FriendRepository
}

// openStores opens the configured database and runs migrations.
func openStores(cfg *config.Config) (*stores, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		db, err := postgres.Open(cfg.DSN())
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
		return &stores{
			db:       db,
			users:    postgres.NewUserRepo(db),
			messages: postgres.NewMessageRepo(db),
			friends:  postgres.NewFriendRepo(db),
		}, nil
	default:
		db, err := sqlite.Open(cfg.DSN())
		if err != nil {
			return nil, err
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
		return &stores{
			db:       db,
			users:    sqlite.NewUserRepo(db),
			messages: sqlite.NewMessageRepo(db),
			friends:  sqlite.NewFriendRepo(db),
		}, nil
	}
}

func runMigrate(cfg *config.Config) error {
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.db.Close()
	log.Info().Str("driver", cfg.Database.Driver).Msg("schema is up to date")
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.db.Close()

	tokens := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	hasher := security.NewPasswordHasher(cfg.BcryptCost)

	var encryptor *security.Encryptor
	if cfg.EncryptKey != "" {
		encryptor, err = security.NewEncryptor([]byte(cfg.EncryptKey), cfg.EncryptLegacyKeys...)
		if err != nil {
			return fmt.Errorf("initialize encryptor: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	tp, err := telemetry.New(cfg.Tracing, cfg.AppName)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	otel.SetTracerProvider(tp)

	var (
		registry = presence.NewRegistry()
		hub      = ws.NewHub(log.With().Str("component", "ws").Logger())
		messages = service.NewMessageService(st.messages, encryptor, cfg.MaxMessageLength, log.With().Str("component", "messages").Logger())
		router   = realtime.NewRouter(registry, messages, hub, m, log.With().Str("component", "router").Logger(), realtime.WithTracerProvider(tp))
		friends  = service.NewFriendService(st.friends, st.users, router, log.With().Str("component", "friends").Logger())
		auth     = service.NewAuthService(st.users, tokens, hasher)
		users    = service.NewUserService(st.users)
	)

	var opts []realtime.LifecycleOption
	if cfg.FriendsOnlyMessaging {
		opts = append(opts, realtime.WithMessagePolicy(friends))
	}
	lifecycle := realtime.NewLifecycle(registry, router, m, log.With().Str("component", "lifecycle").Logger(), opts...)

	handler := httpserver.NewRouter(httpserver.Deps{
		CORSOrigins: cfg.CORSOrigins,
		Auth:        auth,
		Users:       users,
		Friends:     friends,
		Messages:    messages,
		Registry:    registry,
		WS:          ws.NewHandler(hub, lifecycle, auth, cfg.CORSOrigins, cfg.SendBuffer, log.With().Str("component", "ws").Logger()),
		Gatherer:    reg,
		Log:         log.With().Str("component", "http").Logger(),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.HTTPAddr()).
			Str("driver", cfg.Database.Driver).
			Bool("encryption", encryptor != nil).
			Bool("friends_only", cfg.FriendsOnlyMessaging).
			Str("tracing", cfg.Tracing.Exporter).
			Msg("starting dmchat server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	// Hijacked sockets are not tracked by the server; closing them runs the
	// normal disconnect path for each.
	hub.CloseAll()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("flush traces")
	}
	return nil
}
