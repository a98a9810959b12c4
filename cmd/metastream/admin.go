package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/metastream/live/internal/auth"
	"github.com/metastream/live/internal/config"
	"github.com/metastream/live/internal/logging"
	"github.com/metastream/live/internal/streams"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Moderator token helpers",
	}
	var (
		subject string
		role    string
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a moderator bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.TokenIssuer,
				Audience:      appConfig.TokenAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueModeratorToken(cmd.Context(), subject, role)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_in":   expiresIn,
			})
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "Moderator subject (channel or stream owner id)")
	issue.Flags().StringVar(&role, "role", "", "Optional role, e.g. admin")
	_ = issue.MarkFlagRequired("subject")
	cmd.AddCommand(issue)
	return cmd
}

func newStreamCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Operator helpers for channels and streams",
	}
	cmd.AddCommand(newStreamUpsertCommand(), newStreamStatusCommand(), newStreamAllowCommentsCommand())
	return cmd
}

func newStreamUpsertCommand() *cobra.Command {
	var (
		streamID      int64
		channel       string
		channelName   string
		owner         string
		title         string
		start         string
		duration      time.Duration
		allowComments bool
	)
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a channel and one of its streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			startTime, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return fmt.Errorf("--start must be RFC3339: %w", err)
			}
			return withStreams(cmd.Context(), func(ctx context.Context, service *streams.Service) error {
				savedChannel, err := service.UpsertChannel(ctx, streams.Channel{Username: channel, Name: channelName, OwnerID: owner})
				if err != nil {
					return err
				}
				stream := streams.Stream{
					ID:               streamID,
					ChannelID:        savedChannel.ID,
					OwnerID:          owner,
					Title:            title,
					StartTimeSeconds: startTime.Unix(),
					DurationSeconds:  int64(duration / time.Second),
					AllowComments:    allowComments,
				}
				if streamID > 0 {
					existing, err := service.GetStream(ctx, streamID)
					if err != nil {
						return err
					}
					stream.Status = existing.Status
					stream.StartedAtSeconds = existing.StartedAtSeconds
					stream.EndedAtSeconds = existing.EndedAtSeconds
				}
				saved, err := service.UpsertStream(ctx, stream)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), saved)
			})
		},
	}
	cmd.Flags().Int64Var(&streamID, "id", 0, "Existing stream id to update")
	cmd.Flags().StringVar(&channel, "channel", "", "Channel username")
	cmd.Flags().StringVar(&channelName, "channel-name", "", "Channel display name")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner subject allowed to moderate")
	cmd.Flags().StringVar(&title, "title", "", "Stream title")
	cmd.Flags().StringVar(&start, "start", "", "Scheduled start (RFC3339)")
	cmd.Flags().DurationVar(&duration, "duration", time.Hour, "Scheduled duration")
	cmd.Flags().BoolVar(&allowComments, "allow-comments", true, "Whether viewers may comment")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func newStreamStatusCommand() *cobra.Command {
	var streamID int64
	cmd := &cobra.Command{
		Use:   "status <scheduled|live|ended|cancelled>",
		Short: "Move a stream to a new canonical status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, ok := streams.ParseStatus(args[0])
			if !ok {
				return fmt.Errorf("unknown status %q", args[0])
			}
			return withStreams(cmd.Context(), func(ctx context.Context, service *streams.Service) error {
				saved, err := service.SetStatus(ctx, streamID, status)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), saved)
			})
		},
	}
	cmd.Flags().Int64Var(&streamID, "stream", 0, "Stream id")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func newStreamAllowCommentsCommand() *cobra.Command {
	var streamID int64
	cmd := &cobra.Command{
		Use:   "allow-comments <on|off>",
		Short: "Open or close comments on a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on", "true", "1":
				enabled = true
			case "off", "false", "0":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			return withStreams(cmd.Context(), func(ctx context.Context, service *streams.Service) error {
				if err := service.SetAllowComments(ctx, streamID, enabled); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"stream_id": streamID, "allow_comments": enabled})
			})
		},
	}
	cmd.Flags().Int64Var(&streamID, "stream", 0, "Stream id")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func withStreams(ctx context.Context, run func(context.Context, *streams.Service) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewConsoleLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	stack, err := newServiceStack(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer stack.close(logger)
	if err := run(ctx, stack.streams); err != nil {
		logger.Error("stream command failed", zap.Error(err))
		return err
	}
	return nil
}

func writeJSON(out io.Writer, value interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
