package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bazaarly/chatsync"
)

var watchNoSocket bool

var errChatFinished = errors.New("chat finished")

func init() {
	watchCmd.Flags().BoolVar(&watchNoSocket, "no-socket", false, "Rely on polling only")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <chat-id>",
	Short: "Follow a chat live",
	Long:  "Print new messages of a chat and the unread total as they change.\nUses the chat socket with polling as a fallback. Stop with Ctrl-C.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseChatID(args[0])
		if err != nil {
			return err
		}
		s, err := newSession()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if _, err := s.sync.Chats(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		msgs, err := s.sync.Messages(ctx, chatID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		seen := make(map[int64]bool, len(msgs))
		for _, m := range msgs {
			printMessage(m)
			seen[m.ID] = true
		}

		printNew := func(msgs []chatsync.Message) {
			for _, m := range msgs {
				if m.IsOptimistic() || seen[m.ID] {
					continue
				}
				seen[m.ID] = true
				printMessage(m)
			}
		}
		updates := make(chan []chatsync.Message, 16)
		push := func(msgs []chatsync.Message) {
			select {
			case updates <- msgs:
			default:
				logger.Debug().Msg("dropping update, printer busy")
			}
		}

		counter := chatsync.NewUnreadCounter(s.sync, chatsync.WithUnreadLogger(logger))
		defer counter.Close()
		unsub := counter.Subscribe(func(total int) {
			fmt.Fprintf(os.Stderr, "-- unread: %d\n", total)
		})
		defer unsub()

		key := chatsync.MessagesKey(chatID)
		unwatch := s.sync.Store().Subscribe(func(ev chatsync.StoreEvent) {
			if ev.Key == key && ev.Kind == chatsync.EventUpdated {
				push(s.sync.PeekMessages(chatID))
			}
		})
		defer unwatch()

		poller := s.sync.NewPoller(func(id int64, msgs []chatsync.Message) { push(msgs) },
			chatsync.WithPollInterval(s.pollInterval()),
		)

		var sock *chatsync.Socket
		if !watchNoSocket {
			sock = chatsync.NewSocket(chatsync.SocketConfig{
				URL:    s.env.SocketURL,
				Tokens: s.token,
				Logger: &logger,
			})
			defer sock.Close()

			counter.Attach(sock)
			sock.OnMessageNew(func(ev chatsync.MessageNewEvent) {
				if ev.ChatID != chatID {
					return
				}
				push(s.sync.ApplyIncoming(chatID, []chatsync.Message{ev.Message}, chatsync.MergeAppend))
			})
			sock.OnConnect(func() { logger.Info().Msg("socket connected") })
			sock.OnDisconnect(func(reason string) { logger.Warn().Str("reason", reason).Msg("socket disconnected") })
			sock.SetShouldConnect(true)
		}

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			poller.Start(ctx)
			poller.SetChat(chatID)
			<-ctx.Done()
			poller.Stop()
			return nil
		})

		g.Go(func() error {
			if err := s.sync.WatchMessages(ctx, chatID); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "-- chat %d is finished\n", chatID)
			return errChatFinished
		})

		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case msgs := <-updates:
					printNew(msgs)
				}
			}
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errChatFinished) {
			return err
		}
		if sock != nil && sock.LastError() != "" {
			logger.Warn().Str("error", sock.LastError()).Msg("last socket error")
		}
		return nil
	},
}
