package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	meetpin "github.com/meetpin/meetpin-go"
	"github.com/spf13/cobra"
)

var (
	chatHistoryLimit int

	historyLimit int
	historyJSON  bool

	sendJSON bool
)

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id> <peer-user-id>",
	Short: "Open a live conversation",
	Long: "Open a conversation and stream it: incoming messages, typing\n" +
		"indicators, and presence. Lines typed on stdin are sent as messages.\n" +
		"Commands: /read marks incoming messages read, /who lists who is\n" +
		"online, /quit exits.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, peerID := args[0], args[1]
		cfg := getAuth()
		client := getClient(cfg)
		session := getSession(cfg, client)
		defer session.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		session.OnStatusChange(func(state meetpin.ConnState) {
			fmt.Printf("* %s\n", state)
		})
		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}

		var opts []meetpin.ConversationOption
		if chatHistoryLimit > 0 {
			opts = append(opts, meetpin.WithHistoryLimit(chatHistoryLimit))
		}
		conv := meetpin.NewConversation(session, client, conversationID, peerID, opts...)
		defer conv.Close()

		printed := make(map[string]bool)
		lastTypers := ""
		conv.OnChange(func() {
			for _, msg := range conv.Messages() {
				if printed[msg.ID] {
					continue
				}
				printed[msg.ID] = true
				printMessage(cfg, msg)
			}
			typers := typerLine(conv.Typing())
			if typers != lastTypers {
				lastTypers = typers
				if typers != "" {
					fmt.Printf("* %s\n", typers)
				}
			}
		})

		// Wait briefly for the backlog so it prints before the prompt.
		waitReady(conv, 5*time.Second)
		for _, msg := range conv.Messages() {
			printed[msg.ID] = true
			printMessage(cfg, msg)
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
				continue
			case line == "/quit":
				return nil
			case line == "/who":
				online := conv.Presence().OnlineUsers()
				if len(online) == 0 {
					fmt.Println("* nobody online")
				} else {
					fmt.Printf("* online: %s\n", strings.Join(online, ", "))
				}
			case line == "/read":
				if err := markAllIncoming(ctx, cfg, conv); err != nil {
					fmt.Fprintf(os.Stderr, "mark read failed: %v\n", err)
				}
			default:
				if err := conv.SendTyping(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "typing signal failed: %v\n", err)
				}
				if _, err := conv.Send(ctx, line); err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				}
			}
		}
		return scanner.Err()
	},
}

func waitReady(conv *meetpin.Conversation, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conv.State() == meetpin.StateReady {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func printMessage(cfg *Config, msg meetpin.Message) {
	name := msg.SenderName
	if name == "" {
		name = msg.SenderID
	}
	if msg.SenderID == cfg.Auth.UserID {
		name = "me"
	}
	fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04"), name, msg.Text)
}

func typerLine(typers []meetpin.TypingEvent) string {
	if len(typers) == 0 {
		return ""
	}
	names := make([]string, 0, len(typers))
	for _, ev := range typers {
		name := ev.DisplayName
		if name == "" {
			name = ev.UserID
		}
		names = append(names, name)
	}
	if len(names) == 1 {
		return names[0] + " is typing..."
	}
	return strings.Join(names, ", ") + " are typing..."
}

func markAllIncoming(ctx context.Context, cfg *Config, conv *meetpin.Conversation) error {
	for _, msg := range conv.Messages() {
		if msg.ReceiverID != cfg.Auth.UserID || msg.IsRead {
			continue
		}
		if err := conv.MarkRead(ctx, msg.ID); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation's message backlog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getAuth()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.History(ctx, args[0], historyLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			b, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, msg := range msgs {
			printMessage(cfg, msg)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <receiver-id> <text>",
	Short: "Send a single message without opening the conversation",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getAuth()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.SendMessage(ctx, args[0], &meetpin.SendOptions{
			Text:       args[2],
			ReceiverID: args[1],
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if sendJSON {
			b, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		fmt.Printf("Message sent: %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	chatCmd.Flags().IntVarP(&chatHistoryLimit, "limit", "n", 0, "Number of backlog messages to load")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum number of messages to return")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
}
