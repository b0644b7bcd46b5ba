package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var presenceOnce bool

func init() {
	presenceCmd.Flags().BoolVar(&presenceOnce, "once", false, "Print the first snapshot and exit")
	rootCmd.AddCommand(presenceCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Watch which users are online",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger()
		defer log.Sync()

		engine, err := newEngine(cfg, log)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		changes := make(chan []string, 16)
		engine.Presence().OnChange(func(online []string) {
			select {
			case changes <- online:
			default:
			}
		})

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer engine.Stop()

		out := cmd.OutOrStdout()
		for {
			select {
			case online := <-changes:
				fmt.Fprintf(out, "%s online (%d): %s\n", time.Now().Format("15:04:05"), len(online), strings.Join(online, ", "))
				if presenceOnce {
					return nil
				}
			case <-ctx.Done():
				return nil
			}
		}
	},
}
