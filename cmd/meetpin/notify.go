package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	meetpin "github.com/meetpin/meetpin-go"
	"github.com/spf13/cobra"
)

var (
	notifyListUnread bool
	notifyListJSON   bool
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Notification feed commands",
	Long:  "List, watch, and acknowledge message notifications.",
}

// ============================================================================
// notify list
// ============================================================================

var notifyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getAuth()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		records, err := client.Notifications(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if notifyListUnread {
			filtered := records[:0]
			for _, rec := range records {
				if !rec.IsRead {
					filtered = append(filtered, rec)
				}
			}
			records = filtered
		}

		if notifyListJSON {
			b, _ := json.MarshalIndent(records, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(records) == 0 {
			fmt.Println("No notifications found.")
			return nil
		}
		for _, rec := range records {
			printNotification(rec)
		}
		return nil
	},
}

// ============================================================================
// notify watch
// ============================================================================

var notifyWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream notifications as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getAuth()
		client := getClient(cfg)
		session := getSession(cfg, client)
		defer session.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		session.OnStatusChange(func(state meetpin.ConnState) {
			fmt.Printf("* %s\n", state)
		})
		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}

		feed := meetpin.NewNotificationFeed(session, client, cfg.Auth.UserID)
		defer feed.Close()

		feed.OnNew(func(rec meetpin.NotificationRecord) {
			printNotification(rec)
			fmt.Printf("  unread: %d\n", feed.UnreadCount())
		})

		fmt.Println("Watching notifications. Ctrl-C to stop.")
		<-ctx.Done()
		return nil
	},
}

// ============================================================================
// notify read-all
// ============================================================================

var notifyReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getAuth()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.MarkAllNotificationsRead(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("All notifications marked as read.")
		return nil
	},
}

func printNotification(rec meetpin.NotificationRecord) {
	marker := " "
	if !rec.IsRead {
		marker = "*"
	}
	sender := rec.SenderName
	if sender == "" {
		sender = "someone"
	}
	fmt.Printf("%s [%s] %s: %s (conversation %s)\n",
		marker, rec.CreatedAt.Local().Format("Jan 2 15:04"), sender, rec.Text, rec.ConversationID)
}

func init() {
	notifyListCmd.Flags().BoolVar(&notifyListUnread, "unread", false, "Show only unread notifications")
	notifyListCmd.Flags().BoolVar(&notifyListJSON, "json", false, "Output raw JSON")

	notifyCmd.AddCommand(notifyListCmd)
	notifyCmd.AddCommand(notifyWatchCmd)
	notifyCmd.AddCommand(notifyReadAllCmd)
	rootCmd.AddCommand(notifyCmd)
}
