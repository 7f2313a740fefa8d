package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	desklink "github.com/desklink-io/desklink-go"
	"github.com/spf13/cobra"
)

var (
	messagesLimit  int
	messagesOffset int
	messagesJSON   bool

	searchLimit int
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(summaryCmd)

	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "Maximum messages to show")
	messagesCmd.Flags().IntVar(&messagesOffset, "offset", 0, "Messages to skip")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "Maximum results")
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <channel-id> <message>",
	Short: "Send a message to a channel",
	Long:  "Send a message. While offline the message is queued locally and replayed on reconnect.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := getMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := m.Connect(ctx); err != nil {
			fmt.Println("Offline; message will be queued.")
		}

		msg, err := m.SendMessage(ctx, args[0], args[1], desklink.KindText)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}

		fmt.Printf("Message %s: %s\n", msg.ID, msg.Status)
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <channel-id>",
	Short: "Show a channel's messages from the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := getMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		msgs, err := m.ListMessages(args[0], messagesLimit, messagesOffset)
		if err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}

		if messagesJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		for _, msg := range msgs {
			fmt.Printf("[%s] %s: %s  (%s)\n", msg.CreatedAt, msg.SenderID, msg.Content, msg.Status)
		}
		return nil
	},
}

// ============================================================================
// search
// ============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search message content",
	Long:  "Search messages. Falls back to the local store while offline.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := getMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := m.SearchMessages(ctx, args[0], searchLimit)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}

		if len(msgs) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, msg := range msgs {
			fmt.Printf("%s  %s: %s\n", msg.ChannelID, msg.SenderID, msg.Content)
		}
		return nil
	},
}

// ============================================================================
// summary
// ============================================================================

var summaryCmd = &cobra.Command{
	Use:   "summary <channel-id>",
	Short: "Summarize a channel's recent activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := getMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		summary, err := m.GenerateSummary(ctx, args[0])
		if err != nil {
			return fmt.Errorf("summary failed: %w", err)
		}

		fmt.Println(summary)
		return nil
	},
}
