package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/roomcast/backend/internal/auth"
	"github.com/roomcast/backend/internal/chat"
	"github.com/roomcast/backend/internal/config"
	"github.com/roomcast/backend/internal/db"
	"github.com/roomcast/backend/internal/handlers"
	"github.com/roomcast/backend/internal/invites"
	"github.com/roomcast/backend/internal/middleware"
	"github.com/roomcast/backend/internal/notify"
	"github.com/roomcast/backend/internal/realtime"
	"github.com/roomcast/backend/internal/repositories"
	"github.com/roomcast/backend/internal/rooms"
	"github.com/roomcast/backend/internal/sessions"
	"github.com/roomcast/backend/internal/signaling"
	"github.com/roomcast/backend/internal/storage"
)

const limiterIdleTTL = 10 * time.Minute

// services holds the wired components that outlive a single request.
type services struct {
	Deps       handlers.Dependencies
	Invites    *invites.Service
	Hub        *realtime.Hub
	Dispatcher *notify.Dispatcher
}

// openStore selects the persistence backend named by cfg.Store.
func openStore(ctx context.Context, cfg config.Config) (repositories.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		return repositories.NewMemoryStore(), func() {}, nil
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.PoolOptions())
	if err != nil {
		return nil, nil, err
	}
	return repositories.NewPostgresStore(pool), pool.Close, nil
}

// buildDependencies wires together concrete implementations used by the HTTP
// and WebSocket handlers. The cleanup function drains background workers.
func buildDependencies(ctx context.Context, store repositories.Store, cfg config.Config, logger *slog.Logger) (services, func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sink := notify.Multi{notify.LogSink{Logger: logger}}
	awsSinks, err := notify.NewAWSSinks(ctx, notify.AWSConfig{
		Region:   cfg.Notify.AWSRegion,
		Endpoint: cfg.Notify.AWSEndpoint,
		QueueURL: cfg.Notify.SQSQueueURL,
		TopicARN: cfg.Notify.SNSTopicARN,
	})
	if err != nil {
		return services{}, nil, fmt.Errorf("configure notification sinks: %w", err)
	}
	sink = append(sink, awsSinks...)

	dispatcher := notify.NewDispatcher(sink, notify.DispatcherConfig{
		QueueSize: cfg.Notify.QueueSize,
		Workers:   cfg.Notify.Workers,
	}, logger)

	var attachments chat.AttachmentStore
	if cfg.Attachments.Bucket != "" {
		s3, err := storage.NewS3Storage(ctx, cfg.Attachments)
		if err != nil {
			_ = dispatcher.Shutdown(ctx)
			return services{}, nil, fmt.Errorf("configure attachment storage: %w", err)
		}
		attachments = s3
	} else {
		logger.Info("attachment storage disabled: no bucket configured")
	}

	directory := auth.NewDirectory(store.Users(), cfg.DirectoryCacheTTL, logger)
	tokens := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTTTL)

	roomSvc := rooms.NewService(store, dispatcher, logger)
	hub := realtime.NewHub(sessions.NewRegistry(logger), logger).WithRoomGate(roomSvc)
	inviteSvc := invites.NewService(invites.Options{
		Store:    store,
		Notifier: dispatcher,
		Delivery: hub,
		Names:    directory,
		Logger:   logger,
		TTL:      cfg.Invites.TTL,
	})
	chatSvc := chat.NewService(chat.Deps{
		Rooms:       roomSvc,
		Messages:    store.Messages(),
		Router:      signaling.NewRouter(hub.Sessions(), hub, logger),
		Delivery:    hub,
		Notifier:    dispatcher,
		Names:       directory,
		Attachments: attachments,
		Logger:      logger,
	})

	ws := realtime.NewHandler(realtime.Options{
		Hub:       hub,
		Tokens:    tokens,
		Directory: directory,
		Rooms:     roomSvc,
		Chat:      chatSvc,
		Limiter:   middleware.NewKeyedRateLimiter(rate.Limit(cfg.Realtime.SendRate), cfg.Realtime.SendBurst, limiterIdleTTL),
		Logger:    logger,
	})

	svc := services{
		Deps: handlers.Dependencies{
			Rooms:     roomSvc,
			Chat:      chatSvc,
			Invites:   inviteSvc,
			Realtime:  ws,
			Tokens:    tokens,
			Directory: directory,
			Limiter:   middleware.NewIPRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.Burst, limiterIdleTTL),
			Store:     store,
			Sessions:  hub.Sessions(),
		},
		Invites:    inviteSvc,
		Hub:        hub,
		Dispatcher: dispatcher,
	}

	cleanup := func(ctx context.Context) error {
		hub.Close()
		if err := dispatcher.Shutdown(ctx); err != nil {
			return errors.Join(errors.New("drain notifications"), err)
		}
		return nil
	}
	return svc, cleanup, nil
}
