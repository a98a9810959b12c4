package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/metastream/live/internal/auth"
	"github.com/metastream/live/internal/config"
	"github.com/metastream/live/internal/logging"
	"github.com/metastream/live/internal/server"
	"github.com/metastream/live/internal/streams"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the heartbeat, polling and moderation HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := newServiceStack(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer stack.close(logger)

	authenticator, err := auth.NewRequestAuthenticator(auth.RequestAuthenticatorConfig{
		Issuer:     stack.issuer,
		CookieName: appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}
	approver, err := streams.NewApprover(streams.ApproverConfig{
		Database:  stack.db,
		Scheduler: stack.scheduler,
		Publisher: stack.realtime,
		Interval:  appConfig.ApproveInterval,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	peaks, err := streams.NewPeakRecorder(streams.PeakRecorderConfig{
		Database: stack.db,
		Viewers:  stack.tracker,
		Interval: appConfig.PeakInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Updates:        stack.updates,
		Streams:        stack.streams,
		Moderation:     stack.gateway,
		Authenticator:  authenticator,
		Realtime:       stack.realtime,
		Health:         stack.store,
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return approver.Run(groupCtx)
	})
	group.Go(func() error {
		return peaks.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
