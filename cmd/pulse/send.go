package main

import (
	"context"
	"fmt"
	"time"

	pulse "github.com/nandankmr/pulse-sub000"
	"github.com/spf13/cobra"
)

var (
	sendPeer    string
	sendGroup   string
	sendTimeout time.Duration
)

func init() {
	sendCmd.Flags().StringVar(&sendPeer, "peer", "", "Peer user id of a direct conversation")
	sendCmd.Flags().StringVar(&sendGroup, "group", "", "Group id of a group conversation")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for the server to confirm")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message and wait for confirmation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ref, err := conversationRef(args[0], sendPeer, sendGroup)
		if err != nil {
			return err
		}
		log := newLogger()
		defer log.Sync()

		engine, err := newEngine(cfg, log, pulse.WithAckTimeout(sendTimeout))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout+5*time.Second)
		defer cancel()

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer engine.Stop()

		conv, err := engine.Open(ctx, ref)
		if err != nil {
			return err
		}

		type result struct {
			msg pulse.Message
			err error
		}
		done := make(chan result, 1)
		if _, err := conv.Send(ctx, args[1], nil, func(m pulse.Message, err error) {
			done <- result{m, err}
		}); err != nil {
			return fmt.Errorf("send: %w", err)
		}

		select {
		case r := <-done:
			if r.err != nil {
				return fmt.Errorf("send: %w", r.err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s at %s\n", r.msg.ID, r.msg.Timestamp.Local().Format(time.RFC3339))
			return nil
		case <-ctx.Done():
			return fmt.Errorf("send: %w", ctx.Err())
		}
	},
}
