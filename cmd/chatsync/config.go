package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored, without environment overrides")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

// configKey is one settable field. apply validates value before storing it.
type configKey struct {
	help  string
	get   func(cfg *Config) string
	apply func(cfg *Config, value string) error
}

var configKeys = map[string]configKey{
	"default.base_url": {
		help:  "backend URL (http or https)",
		get:   func(cfg *Config) string { return cfg.Default.BaseURL },
		apply: setBaseURL,
	},
	"default.log_level": {
		help:  "debug, info, warn or error",
		get:   func(cfg *Config) string { return cfg.Default.LogLevel },
		apply: setLogLevel,
	},
	"auth.token": {
		help:  "session token; user_id, name and token_expires are taken from its claims",
		get:   func(cfg *Config) string { return cfg.Auth.Token },
		apply: setToken,
	},
}

func setBaseURL(cfg *Config, value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL must use http or https, got %q", value)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL %q has no host", value)
	}
	cfg.Default.BaseURL = strings.TrimRight(u.String(), "/")
	return nil
}

func setLogLevel(cfg *Config, value string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(value)); err != nil {
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", value)
	}
	cfg.Default.LogLevel = strings.ToLower(l.String())
	return nil
}

func setToken(cfg *Config, value string) error {
	id, err := chatsync.ParseIdentity(value)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if id.Expired(time.Now()) {
		return fmt.Errorf("token expired at %s", id.ExpiresAt.Format(time.RFC3339))
	}
	cfg.Auth.Token = id.Token
	cfg.Auth.UserID = id.ID
	cfg.Auth.Name = id.Name
	cfg.Auth.TokenExpires = ""
	if !id.ExpiresAt.IsZero() {
		cfg.Auth.TokenExpires = id.ExpiresAt.Format(time.RFC3339)
	}
	return nil
}

// setConfigValue validates and stores one key in dot notation.
func setConfigValue(cfg *Config, key, value string) error {
	k, ok := configKeys[key]
	if !ok {
		return fmt.Errorf("unknown config key %q (valid: default.base_url, default.log_level, auth.token)", key)
	}
	return k.apply(cfg, value)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatsync init <base-url>' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Printf("%-20s %s\n", "default.base_url", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		fmt.Printf("%-20s %s\n", "default.log_level", valueOrDefault(cfg.Default.LogLevel, "warn (default)"))
		token := "(none)"
		if cfg.Auth.Token != "" {
			token = maskToken(cfg.Auth.Token)
		}
		fmt.Printf("%-20s %s\n", "auth.token", token)
		fmt.Printf("%-20s %s\n", "auth.user_id", valueOrDefault(cfg.Auth.UserID, "-"))
		fmt.Printf("%-20s %s\n", "auth.token_expires", valueOrDefault(cfg.Auth.TokenExpires, "-"))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n\nKeys:\n" +
		"  default.base_url   " + configKeys["default.base_url"].help + "\n" +
		"  default.log_level  " + configKeys["default.log_level"].help + "\n" +
		"  auth.token         " + configKeys["auth.token"].help,
	Example: "  chatsync config set default.base_url https://chat.example.com\n  chatsync config set default.log_level debug",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Environment overrides must not leak into the file.
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		stored := configKeys[key].get(cfg)
		if key == "auth.token" {
			stored = maskToken(stored)
		}
		fmt.Printf("Set %s = %s\n", key, stored)
		return nil
	},
}
