package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bazaarly/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// create
	createTopic        string
	createParticipants string
)

func init() {
	for _, c := range []*cobra.Command{chatsCmd, messagesCmd, sendCmd, readCmd, finishCmd, createCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(unreadCmd)

	createCmd.Flags().StringVar(&createTopic, "topic", "", "Chat topic")
	createCmd.Flags().StringVar(&createParticipants, "participants", "", "Comma-separated list of participant user IDs")
	_ = createCmd.MarkFlagRequired("topic")
	_ = createCmd.MarkFlagRequired("participants")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(m chatsync.Message) {
	mark := ""
	if m.IsOptimistic() {
		mark = " (sending)"
	} else if m.Read {
		mark = " ✓"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.DateTime), senderName(m.Sender), m.Text, mark)
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List your chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		chats, err := s.sync.Chats(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(chats)
		}
		if len(chats) == 0 {
			fmt.Println("No chats found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTOPIC\tSTATUS\tUNREAD\tUPDATED")
		for _, c := range chats {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", c.ID, c.Topic, c.Status, c.UnreadCount, c.UpdatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Show the messages of a chat",
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
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := s.sync.Messages(ctx, chatID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a message to a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseChatID(args[0])
		if err != nil {
			return err
		}
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := s.sync.SendMessage(ctx, chatID, args[1])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to chat %d\n", chatID)
		fmt.Printf("  Message ID: %d\n", msg.ID)
		fmt.Printf("  Text:       %s\n", msg.Text)
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <chat-id>",
	Short: "Mark a chat as read",
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
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := s.sync.MarkAsRead(ctx, chatID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(msgs)
		}
		fmt.Printf("Chat %d marked as read (%d messages)\n", chatID, len(msgs))
		return nil
	},
}

// ============================================================================
// finish
// ============================================================================

var finishCmd = &cobra.Command{
	Use:   "finish <chat-id> <status>",
	Short: "Finish a chat",
	Long: "Move an active chat to a terminal status: " +
		strings.Join([]string{
			string(chatsync.ChatSuccessfullyCompleted),
			string(chatsync.ChatUnsuccessfullyCompleted),
			string(chatsync.ChatClosed),
		}, ", ") + ".",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseChatID(args[0])
		if err != nil {
			return err
		}
		status := chatsync.ChatStatus(args[1])
		if !status.IsTerminal() {
			return fmt.Errorf("status must be one of: successfully_completed, unsuccessfully_completed, closed")
		}
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// load the list so the transition is checked against the current status
		if _, err := s.sync.Chats(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		chat, err := s.sync.FinishChat(ctx, chatID, status)
		if err != nil {
			return fmt.Errorf("finish failed: %w", err)
		}
		if jsonOutput {
			return printJSON(chat)
		}
		fmt.Printf("Chat %d is now %s\n", chat.ID, chat.Status)
		return nil
	},
}

// ============================================================================
// create
// ============================================================================

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		var ids []int64
		for _, p := range strings.Split(createParticipants, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			id, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid participant id %q", p)
			}
			ids = append(ids, id)
		}

		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		chat, err := s.sync.CreateChat(ctx, chatsync.CreateChatInput{Topic: createTopic, ParticipantIDs: ids})
		if err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
		if jsonOutput {
			return printJSON(chat)
		}
		fmt.Printf("Chat created: %d (%s)\n", chat.ID, chat.Topic)
		return nil
	},
}

// ============================================================================
// unread
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the total unread count",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := s.sync.Chats(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		counter := chatsync.NewUnreadCounter(s.sync)
		defer counter.Close()
		fmt.Printf("Unread: %d\n", counter.Total())
		return nil
	},
}
