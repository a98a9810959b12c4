package main

import (
	"context"
	"fmt"

	"github.com/metastream/live/internal/auth"
	"github.com/metastream/live/internal/comments"
	"github.com/metastream/live/internal/config"
	"github.com/metastream/live/internal/database"
	"github.com/metastream/live/internal/eventstore"
	"github.com/metastream/live/internal/moderation"
	"github.com/metastream/live/internal/presence"
	"github.com/metastream/live/internal/server"
	"github.com/metastream/live/internal/streams"
	"github.com/metastream/live/internal/updates"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// serviceStack wires the server-side components over one database and event store.
type serviceStack struct {
	db         *gorm.DB
	store      eventstore.Store
	scheduler  *comments.Scheduler
	tracker    *presence.Tracker
	streams    *streams.Service
	gateway    *moderation.Gateway
	updates    *updates.Service
	realtime   *server.RealtimeDispatcher
	issuer     *auth.TokenIssuer
	closeFuncs []func() error
}

func newServiceStack(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*serviceStack, error) {
	stack := &serviceStack{realtime: server.NewRealtimeDispatcher()}
	fail := func(err error) (*serviceStack, error) {
		stack.close(logger)
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	stack.db = db
	sqlDB, err := db.DB()
	if err != nil {
		return fail(err)
	}
	stack.closeFuncs = append(stack.closeFuncs, sqlDB.Close)

	store, err := openStore(ctx, appConfig, logger)
	if err != nil {
		return fail(err)
	}
	stack.store = store
	stack.closeFuncs = append(stack.closeFuncs, store.Close)

	stack.scheduler, err = comments.NewScheduler(comments.SchedulerConfig{
		Log:          store,
		InitialLimit: appConfig.InitialLimit,
		Logger:       logger,
	})
	if err != nil {
		return fail(err)
	}
	stack.tracker, err = presence.NewTracker(presence.TrackerConfig{
		Set:    store,
		TTL:    appConfig.PresenceTTL,
		Logger: logger,
	})
	if err != nil {
		return fail(err)
	}
	stack.updates, err = updates.NewService(updates.ServiceConfig{
		Tracker:   stack.tracker,
		Scheduler: stack.scheduler,
		Flags:     store,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	stack.streams, err = streams.NewService(streams.ServiceConfig{
		Database:     db,
		Scheduler:    stack.scheduler,
		Flags:        store,
		Publisher:    stack.realtime,
		Viewers:      stack.tracker,
		CommentDelay: appConfig.CommentDelay,
		Logger:       logger,
	})
	if err != nil {
		return fail(err)
	}
	stack.gateway, err = moderation.NewGateway(moderation.GatewayConfig{
		Database:  db,
		Scheduler: stack.scheduler,
		Publisher: stack.realtime,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	stack.issuer, err = auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return fail(err)
	}
	return stack, nil
}

func openStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (eventstore.Store, error) {
	switch appConfig.StoreBackend {
	case config.StoreBackendMemory:
		logger.Warn("using the in-memory event store; state is lost on restart")
		return eventstore.NewMemoryStore(eventstore.MemoryConfig{Retention: appConfig.CommentRetention}), nil
	case config.StoreBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		store, err := eventstore.NewRedisStore(eventstore.RedisConfig{
			Client:    client,
			Retention: appConfig.CommentRetention,
			Logger:    logger,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			// Delivery degrades per request while Redis is down; startup continues.
			logger.Warn("redis is not reachable yet", zap.String("address", appConfig.RedisAddress), zap.Error(err))
		}
		return store, nil
	default:
		return nil, fmt.Errorf("store.backend %q is not supported", appConfig.StoreBackend)
	}
}

func (stack *serviceStack) close(logger *zap.Logger) {
	for i := len(stack.closeFuncs) - 1; i >= 0; i-- {
		if err := stack.closeFuncs[i](); err != nil {
			logger.Warn("failed to release resource", zap.Error(err))
		}
	}
	stack.closeFuncs = nil
}
