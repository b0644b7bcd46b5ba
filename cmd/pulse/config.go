package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "print config.toml as stored, token included")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the server endpoints and session credentials",
	Long: `View or modify ~/.pulse/config.toml.

Keys:
  server.realtime_url  websocket endpoint of the chat server
  server.api_url       REST base URL for history (derived from realtime_url when empty)
  auth.token           bearer token for this session
  auth.user_id         id of the signed-in user
  auth.user_name       display name shown in tail output`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			_, err = out.Write(data)
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Server.RealtimeURL == "" {
			fmt.Fprintln(out, "Not configured. Run 'pulse init <realtime-url>' first.")
			return nil
		}
		printConfig(out, cfg)
		return nil
	},
}

func printConfig(out io.Writer, cfg *Config) {
	api := cfg.Server.APIURL
	if api == "" {
		api = apiURLFromRealtime(cfg.Server.RealtimeURL) + " (derived)"
	}
	fmt.Fprintln(out, "[server]")
	fmt.Fprintf(out, "  realtime_url = %s\n", cfg.Server.RealtimeURL)
	fmt.Fprintf(out, "  api_url      = %s\n", api)
	fmt.Fprintln(out, "[auth]")
	fmt.Fprintf(out, "  user_id      = %s\n", valueOrDefault(cfg.Auth.UserID, "(unset)"))
	fmt.Fprintf(out, "  user_name    = %s\n", valueOrDefault(cfg.Auth.UserName, "(unset)"))
	token := "(unset)"
	if cfg.Auth.Token != "" {
		token = maskKey(cfg.Auth.Token)
	}
	fmt.Fprintf(out, "  token        = %s\n", token)
}

var configSetCmd = &cobra.Command{
	Use:     "set <section.field> <value>",
	Short:   "Set one key, see 'pulse config --help' for the list",
	Example: "  pulse config set auth.token eyJhbGciOi...\n  pulse config set server.api_url https://chat.example.com",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
		return nil
	},
}
