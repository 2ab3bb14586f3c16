package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, decode the stored token and check the backend is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:    (not logged in)")
			return nil
		}
		fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))

		id, err := chatsync.ParseIdentity(cfg.Auth.Token)
		if err != nil {
			fmt.Printf("  Identity: invalid (%v)\n", err)
			return nil
		}
		fmt.Printf("  User ID:  %s\n", id.ID)
		fmt.Printf("  Name:     %s\n", valueOrDefault(id.Name, "(none)"))
		switch {
		case id.ExpiresAt.IsZero():
			fmt.Println("  Expiry:   (no expiry set)")
		case id.Expired(time.Now()):
			fmt.Printf("  Expiry:   EXPIRED (expired %s)\n", id.ExpiresAt.Format(time.RFC3339))
			return nil
		default:
			fmt.Printf("  Expiry:   valid (expires %s)\n", id.ExpiresAt.Format(time.RFC3339))
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := chatsync.NewClient(cfg.Auth.Token, clientOptions(cfg)...)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		friends, err := client.Friends.List(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		received, err := client.Friends.ReceivedRequests(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		groups, err := client.Groups.List(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		fmt.Printf("  Friends:  %d\n", len(friends))
		fmt.Printf("  Requests: %d\n", len(received))
		fmt.Printf("  Groups:   %d\n", len(groups))
		return nil
	},
}
