package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	desklink "github.com/desklink-io/desklink-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	channelsListJSON bool

	// channels provision
	provisionRole         string
	provisionDepartment   string
	provisionProgram      string
	provisionYear         int
	provisionSpecialRoles string
)

func init() {
	rootCmd.AddCommand(channelsCmd)
	channelsCmd.AddCommand(channelsListCmd)
	channelsCmd.AddCommand(channelsCreateCmd)
	channelsCmd.AddCommand(channelsJoinCmd)
	channelsCmd.AddCommand(channelsProvisionCmd)

	channelsListCmd.Flags().BoolVar(&channelsListJSON, "json", false, "Output raw JSON")

	channelsProvisionCmd.Flags().StringVar(&provisionRole, "role", "", "Organizational role")
	channelsProvisionCmd.Flags().StringVar(&provisionDepartment, "department", "", "Department name")
	channelsProvisionCmd.Flags().StringVar(&provisionProgram, "program", "", "Program name")
	channelsProvisionCmd.Flags().IntVar(&provisionYear, "year", 0, "Program year")
	channelsProvisionCmd.Flags().StringVar(&provisionSpecialRoles, "special-roles", "", "Comma-separated administrative roles")
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Manage channels",
	Long:  "List, create, join, and provision DeskLink channels.",
}

// ============================================================================
// channels list
// ============================================================================

var channelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels visible to the current user",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := getMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		channels, err := m.ListChannels()
		if err != nil {
			return fmt.Errorf("failed to list channels: %w", err)
		}

		if channelsListJSON {
			data, err := json.MarshalIndent(channels, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(channels) == 0 {
			fmt.Println("No channels.")
			return nil
		}
		for _, ch := range channels {
			fmt.Printf("%s  [%s/%s]  %s  (%d members)\n", ch.ID, ch.Scope, ch.ScopeKey, ch.Name, len(ch.Members))
		}
		return nil
	},
}

// ============================================================================
// channels create
// ============================================================================

var channelsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a private channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := getMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ch, err := m.CreateChannel(ctx, &desklink.Channel{
			Name:     args[0],
			Scope:    desklink.ScopePrivate,
			ScopeKey: args[0],
		})
		if err != nil {
			return fmt.Errorf("failed to create channel: %w", err)
		}

		fmt.Printf("Created channel %s (%s)\n", ch.Name, ch.ID)
		return nil
	},
}

// ============================================================================
// channels join
// ============================================================================

var channelsJoinCmd = &cobra.Command{
	Use:   "join <channel-id>",
	Short: "Join a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := getMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ch, err := m.JoinChannel(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to join channel: %w", err)
		}

		fmt.Printf("Joined channel %s (%s)\n", ch.Name, ch.ID)
		return nil
	},
}

// ============================================================================
// channels provision
// ============================================================================

var channelsProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision the channels your role requires",
	Long:  "Derive and create the channel set for your organizational position: role, department, program year, councils, and announcements.",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := getMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		u := desklink.UserDescriptor{
			UserID:     cfg.Auth.UserID,
			Role:       provisionRole,
			Department: provisionDepartment,
			Program:    provisionProgram,
			Year:       provisionYear,
		}
		if provisionSpecialRoles != "" {
			u.SpecialRoles = strings.Split(provisionSpecialRoles, ",")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		channels, err := m.ProvisionTopology(ctx, u)
		if err != nil {
			return fmt.Errorf("provisioning failed: %w", err)
		}

		for _, ch := range channels {
			fmt.Printf("%s  [%s/%s]  %s\n", ch.ID, ch.Scope, ch.ScopeKey, ch.Name)
		}
		return nil
	},
}
