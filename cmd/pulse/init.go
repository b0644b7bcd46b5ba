package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	initAPIURL string
	initToken  string
	initUserID string
)

func init() {
	initCmd.Flags().StringVar(&initAPIURL, "api-url", "", "REST base URL (defaults to the realtime host over http/https)")
	initCmd.Flags().StringVar(&initToken, "token", "", "Access token")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Your user id")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <realtime-url>",
	Short: "Store server endpoints in ~/.pulse/config.toml",
	Long:  "Initialize the pulse CLI by storing the realtime endpoint, and optionally credentials, in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Server.RealtimeURL = args[0]
		if initAPIURL != "" {
			cfg.Server.APIURL = initAPIURL
		} else if cfg.Server.APIURL == "" {
			cfg.Server.APIURL = apiURLFromRealtime(args[0])
		}
		if initToken != "" {
			cfg.Auth.Token = initToken
		}
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
		return nil
	},
}

// apiURLFromRealtime maps ws(s)://host/path to http(s)://host.
func apiURLFromRealtime(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}
