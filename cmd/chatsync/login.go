package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email> <password>",
	Short: "Log in and store the session token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := chatsync.NewClient("", clientOptions(cfg)...)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		data, err := client.Auth.Login(ctx, &chatsync.LoginOptions{Email: args[0], Password: args[1]})
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg.Auth.Token = data.Token
		cfg.Auth.UserID = data.User.ID
		cfg.Auth.Name = data.User.Name
		cfg.Auth.TokenExpires = ""
		if id, err := chatsync.ParseIdentity(data.Token); err == nil && !id.ExpiresAt.IsZero() {
			cfg.Auth.TokenExpires = id.ExpiresAt.Format(time.RFC3339)
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  User ID: %s\n", data.User.ID)
		fmt.Printf("  Name:    %s\n", valueOrDefault(data.User.Name, "(none)"))
		if cfg.Auth.TokenExpires != "" {
			fmt.Printf("  Token expires: %s\n", cfg.Auth.TokenExpires)
		}
		return nil
	},
}
