package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration and try to open the realtime connection with the stored credentials.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Realtime URL: %s\n", valueOrDefault(cfg.Server.RealtimeURL, "(not set)"))
		fmt.Fprintf(out, "  API URL:      %s\n", valueOrDefault(cfg.Server.APIURL, "(not set)"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.UserName != "" {
			fmt.Fprintf(out, "  User Name:    %s\n", cfg.Auth.UserName)
		}
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:        %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:        (not set)")
		}

		engine, err := newEngine(cfg, newLogger())
		if err != nil {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		start := time.Now()
		if err := engine.Start(ctx); err != nil {
			fmt.Fprintf(out, "  Connection:   failed (%v)\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Connection:   %s in %s\n", engine.Supervisor().State(), time.Since(start).Round(time.Millisecond))
		return engine.Stop()
	},
}
