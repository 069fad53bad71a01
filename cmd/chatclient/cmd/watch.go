package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/npezzotti/go-teamchat/internal/cache"
	"github.com/npezzotti/go-teamchat/internal/coordinator"
	"github.com/npezzotti/go-teamchat/internal/history"
	"github.com/npezzotti/go-teamchat/internal/stats"
	"github.com/npezzotti/go-teamchat/internal/store"
	"github.com/npezzotti/go-teamchat/internal/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow rooms and send stdin lines",
	Long: `watch connects to the chat server, opens the given rooms (and, with the
known join policy, every subscribed room) and prints messages, presence and
typing as they happen. Lines read from stdin are sent to the --send-to room.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringSliceP("room", "r", nil, "room to open (repeatable)")
	watchCmd.Flags().String("send-to", "", "room that receives stdin lines")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Token == "" {
		return errors.New("no session token; run login first")
	}

	rooms, _ := cmd.Flags().GetStringSlice("room")
	sendTo, _ := cmd.Flags().GetString("send-to")
	if sendTo != "" {
		rooms = append(rooms, sendTo)
	}

	var msgCache store.Cache
	if cfg.CacheDir != "" {
		pc, err := cache.Open(log, filepath.Join(cfg.CacheDir, cfg.Workspace))
		if err != nil {
			return err
		}
		defer pc.Close()
		msgCache = pc
	}

	api, err := history.NewClient(log, cfg.ServerURL, cfg.Token, cfg.FetchTimeout)
	if err != nil {
		return err
	}
	dialer, err := transport.NewWebsocketDialer(cfg.ServerURL)
	if err != nil {
		return err
	}

	coord := coordinator.New(log, stats.NewStatsUpdater(nil, "teamchat_client"), dialer, api, msgCache, coordinator.Options{
		Auth:         transport.AuthContext{Token: cfg.Token, Workspace: cfg.Workspace},
		JoinPolicy:   cfg.JoinPolicy,
		PageSize:     cfg.PageSize,
		FetchTimeout: cfg.FetchTimeout,
		TypingTTL:    cfg.TypingTTL,
		Transport: transport.Options{
			Backoff:        transport.Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap, MaxAttempts: cfg.MaxAttempts},
			ConnectTimeout: cfg.ConnectTimeout,
		},
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(ctx) })

	g.Go(func() error {
		if err := coord.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		for _, roomId := range rooms {
			if err := coord.OpenRoom(ctx, roomId); err != nil {
				return fmt.Errorf("open %s: %w", roomId, err)
			}
		}
		return nil
	})

	p := &printer{out: cmd.OutOrStdout(), coord: coord, log: log}
	g.Go(func() error { return p.run(ctx) })

	if sendTo != "" {
		lines := readLines(cmd.InOrStdin())
		g.Go(func() error { return sendLines(ctx, coord, sendTo, lines, cmd.ErrOrStderr()) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLines feeds stdin lines into a channel. The reader goroutine is not
// part of the group since a blocked read cannot be cancelled.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

func sendLines(ctx context.Context, coord *coordinator.Coordinator, roomId string, lines <-chan string, errOut io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if _, err := coord.SendMessage(ctx, roomId, line, coordinator.SendOptions{}); err != nil {
				fmt.Fprintf(errOut, "send failed: %v\n", err)
			}
		}
	}
}

type printer struct {
	out   io.Writer
	coord *coordinator.Coordinator
	log   *zap.Logger
}

func (p *printer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-p.coord.Notifications():
			p.print(ctx, n)
		}
	}
}

func (p *printer) print(ctx context.Context, n coordinator.Notification) {
	switch n.Kind {
	case coordinator.ConnectionChanged:
		line := fmt.Sprintf("* connection %s", n.State)
		if n.Reauthenticate {
			line += " (token rejected, run login again)"
		}
		fmt.Fprintln(p.out, line)
	case coordinator.RoomChanged:
		if n.Removed {
			fmt.Fprintf(p.out, "[%s] * room closed\n", n.RoomId)
		}
	case coordinator.MessagesChanged:
		if n.Send != nil {
			if n.Send.State == coordinator.SendRejected || n.Send.State == coordinator.SendUnconfirmed {
				fmt.Fprintf(p.out, "[%s] * message %s %s %s\n", n.RoomId, n.Send.ClientId, n.Send.State, n.Send.Err)
			}
			return
		}
		if n.MessageId == "" {
			return
		}
		view, err := p.coord.Room(ctx, n.RoomId)
		if err != nil {
			p.log.Debug("room view", zap.String("room_id", n.RoomId), zap.Error(err))
			return
		}
		for _, m := range view.Messages {
			if m.Id != n.MessageId {
				continue
			}
			content := m.Content
			if m.Deleted {
				content = "(deleted)"
			} else if m.EditedAt != nil {
				content += " (edited)"
			}
			fmt.Fprintf(p.out, "[%s] %s, %s: %s\n", n.RoomId, m.SenderName, humanize.Time(m.CreatedAt), content)
		}
	case coordinator.TypingChanged:
		view, err := p.coord.Room(ctx, n.RoomId)
		if err == nil && view.Typing != "" {
			fmt.Fprintf(p.out, "[%s] * %s\n", n.RoomId, view.Typing)
		}
	case coordinator.PresenceChanged:
		view, err := p.coord.Room(ctx, n.RoomId)
		if err == nil {
			fmt.Fprintf(p.out, "[%s] * %d online\n", n.RoomId, len(view.Online))
		}
	}
}
