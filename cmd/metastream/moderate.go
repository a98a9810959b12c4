package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/metastream/live/internal/logging"
	"github.com/metastream/live/internal/moderator"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newModerateCommand() *cobra.Command {
	var (
		serverURL string
		streamID  int64
		token     string
	)
	cmd := &cobra.Command{
		Use:   "moderate",
		Short: "Moderate a stream's comments (commands: approve N, reject N, delete N, list)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runModerate(ctx, cmd.OutOrStdout(), cmd.InOrStdin(), serverURL, streamID, token)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:9000", "Comment service base URL")
	cmd.Flags().Int64Var(&streamID, "stream", 0, "Stream id to moderate")
	cmd.Flags().StringVar(&token, "token", "", "Moderator bearer token")
	_ = cmd.MarkFlagRequired("stream")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func runModerate(ctx context.Context, out io.Writer, in io.Reader, serverURL string, streamID int64, token string) error {
	logger, err := logging.NewConsoleLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	board := moderator.NewBoard()
	watcher, err := moderator.NewWatcher(moderator.WatcherConfig{
		ServerURL: serverURL,
		StreamID:  streamID,
		Token:     token,
		Board:     board,
		OnChange:  func() { printBoard(out, board) },
		OnResult: func(result moderator.ActionResult) {
			if !result.Success {
				_, _ = fmt.Fprintf(out, "! %s %d failed: %s\n", result.Action, result.CommentID, result.Error)
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case err := <-done:
			return err
		case line := <-lines:
			if err := runModerationCommand(ctx, watcher, out, line); err != nil {
				logger.Warn("moderation command failed", zap.String("command", line), zap.Error(err))
				_, _ = fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

func runModerationCommand(ctx context.Context, watcher *moderator.Watcher, out io.Writer, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	if fields[0] == "list" {
		printBoard(out, watcher.Board())
		return nil
	}
	if len(fields) != 2 {
		return fmt.Errorf("usage: approve|reject|delete <comment id>")
	}
	commentID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || commentID <= 0 {
		return fmt.Errorf("invalid comment id %q", fields[1])
	}
	switch fields[0] {
	case "approve":
		return watcher.Approve(ctx, commentID)
	case "reject":
		return watcher.Reject(ctx, commentID)
	case "delete":
		return watcher.Delete(ctx, commentID)
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func printBoard(out io.Writer, board *moderator.Board) {
	pending := board.Pending()
	approved := board.Approved()
	_, _ = fmt.Fprintf(out, "-- %d pending, %d approved --\n", len(pending), len(approved))
	for _, comment := range pending {
		_, _ = fmt.Fprintf(out, "  P %d %s: %s %s\n", comment.ID, comment.Username, comment.Message, comment.Contact)
	}
	for _, comment := range approved {
		_, _ = fmt.Fprintf(out, "  A %d %s: %s\n", comment.ID, comment.Username, comment.Message)
	}
}
