package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/metastream/live/internal/logging"
	"github.com/metastream/live/internal/viewer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newWatchCommand() *cobra.Command {
	var (
		serverURL    string
		channel      string
		identityPath string
		name         string
		contact      string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a channel's comments as a viewer; lines on stdin are posted as comments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd.OutOrStdout(), cmd.InOrStdin(), watchOptions{
				serverURL:    serverURL,
				channel:      channel,
				identityPath: identityPath,
				name:         name,
				contact:      contact,
			})
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:9000", "Comment service base URL")
	cmd.Flags().StringVar(&channel, "channel", "", "Channel username to watch")
	cmd.Flags().StringVar(&identityPath, "identity-file", defaultIdentityPath(), "Where the viewer id and identity are kept")
	cmd.Flags().StringVar(&name, "name", "", "Register a display name before watching")
	cmd.Flags().StringVar(&contact, "contact", "", "Optional contact shown to moderators")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

type watchOptions struct {
	serverURL    string
	channel      string
	identityPath string
	name         string
	contact      string
}

func defaultIdentityPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "metastream-identity.json"
	}
	return filepath.Join(dir, "metastream", "identity.json")
}

func runWatch(ctx context.Context, out io.Writer, in io.Reader, options watchOptions) error {
	logger, err := logging.NewConsoleLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := viewer.NewFileIdentityStore(options.identityPath)
	if err != nil {
		return err
	}
	session, err := viewer.NewSession(store, nil)
	if err != nil {
		return err
	}
	if strings.TrimSpace(options.name) != "" {
		if err := session.Register(viewer.Identity{Name: options.name, Contact: options.contact}); err != nil {
			return err
		}
	}
	client, err := viewer.NewHTTPClient(viewer.HTTPClientConfig{BaseURL: options.serverURL})
	if err != nil {
		return err
	}

	printer := &feedPrinter{out: out}
	lifecycle, err := viewer.NewLifecycle(viewer.LifecycleConfig{
		API:     client,
		Session: session,
		Channel: options.channel,
		PollerHooks: viewer.PollerHooks{
			OnRender: printer.comment,
			OnReset:  printer.reset,
		},
		OnState: printer.state,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer lifecycle.Close()
	if err := lifecycle.Start(ctx); err != nil {
		return err
	}
	printer.printf("watching %s as %s\n", options.channel, session.ViewerID())

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
		case <-ctx.Done():
			return nil
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := lifecycle.Submit(ctx, line); err != nil {
				if errors.Is(err, viewer.ErrNotPolling) {
					printer.printf("! comments are closed right now\n")
					continue
				}
				printer.printf("! comment not sent: %v\n", err)
			}
		}
	}
}

// feedPrinter is called from the poller loop, reveal timers and lifecycle
// hooks concurrently.
type feedPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *feedPrinter) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, format, args...)
}

func (p *feedPrinter) comment(item viewer.FeedItem) {
	marker := " "
	if item.Own {
		marker = "*"
	}
	stamp := time.UnixMilli(item.Comment.VisibleAt).Format("15:04:05")
	p.printf("%s [%s] %s: %s\n", marker, stamp, item.Comment.Username, item.Comment.Message)
}

func (p *feedPrinter) reset() {
	p.printf("-- comments cleared --\n")
}

func (p *feedPrinter) state(state viewer.State, snapshot viewer.PlayerSnapshot) {
	if snapshot.Stream == nil {
		p.printf("== %s ==\n", state)
		return
	}
	p.printf("== %s: %s (starts %s) ==\n", state, snapshot.Stream.Title, snapshot.Stream.StartTime.Local().Format(time.RFC1123))
}
