package main

import (
	"fmt"
	"os"

	meetpin "github.com/meetpin/meetpin-go"
)

// getAuth loads the config and exits if the session identity is incomplete.
func getAuth() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No session identity. Set auth.token and auth.user_id first.")
		os.Exit(1)
	}
	return cfg
}

// getClient creates a store client from the config.
func getClient(cfg *Config) *meetpin.Client {
	var opts []meetpin.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, meetpin.WithBaseURL(cfg.Default.BaseURL))
	}
	return meetpin.NewClient(cfg.Auth.Token, opts...)
}

// getSession creates a realtime session from the config. The caller connects.
func getSession(cfg *Config, client *meetpin.Client) *meetpin.Session {
	return meetpin.NewSession(client.BaseURL(), &meetpin.SessionConfig{
		Token:         cfg.Auth.Token,
		UserID:        cfg.Auth.UserID,
		DisplayName:   cfg.Auth.DisplayName,
		AutoReconnect: true,
	})
}
