package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	desklink "github.com/desklink-io/desklink-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch realtime activity",
	Long:  "Connect to the DeskLink service and print messages, notifications, and connection events until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := getMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		m.On(desklink.EventConnected, func(_ desklink.Event, _ any) {
			fmt.Println("-- connected --")
		})
		m.On(desklink.EventDisconnected, func(_ desklink.Event, payload any) {
			fmt.Printf("-- disconnected: %v --\n", payload)
		})
		m.On(desklink.EventOfflineMode, func(_ desklink.Event, _ any) {
			fmt.Println("-- offline mode: reconnect attempts exhausted --")
		})
		m.On(desklink.EventMessageReceived, func(_ desklink.Event, payload any) {
			if msg, ok := payload.(*desklink.Message); ok {
				fmt.Printf("[%s] %s: %s\n", msg.ChannelID, msg.SenderID, msg.Content)
			}
		})
		m.On(desklink.EventTyping, func(_ desklink.Event, payload any) {
			if t, ok := payload.(*desklink.TypingPayload); ok && t.IsTyping {
				fmt.Printf("[%s] %s is typing...\n", t.ChannelID, t.UserID)
			}
		})
		m.On(desklink.EventNotification, func(_ desklink.Event, payload any) {
			if n, ok := payload.(*desklink.NotificationPayload); ok {
				fmt.Printf("** %s: %s\n", n.Title, n.Body)
			}
		})
		m.On(desklink.EventReplayDrained, func(_ desklink.Event, _ any) {
			fmt.Println("-- offline queue drained --")
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err = m.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		return m.Disconnect()
	},
}
