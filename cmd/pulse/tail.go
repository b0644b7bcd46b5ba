package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	pulse "github.com/nandankmr/pulse-sub000"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	tailPeer        string
	tailGroup       string
	tailStore       string
	tailMetricsAddr string
)

func init() {
	tailCmd.Flags().StringVar(&tailPeer, "peer", "", "Peer user id of a direct conversation")
	tailCmd.Flags().StringVar(&tailGroup, "group", "", "Group id of a group conversation")
	tailCmd.Flags().StringVar(&tailStore, "store", "", "Directory for the persistent message cache")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Open a conversation, print its recent history, then print new messages, receipt changes and typing indicators until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ref, err := conversationRef(args[0], tailPeer, tailGroup)
		if err != nil {
			return err
		}
		log := newLogger()
		defer log.Sync()

		var opts []pulse.Option
		if tailStore != "" {
			store, err := pulse.OpenBadgerStore(tailStore, log)
			if err != nil {
				return err
			}
			defer store.Close()
			opts = append(opts, pulse.WithStore(store))
		}
		if tailMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			opts = append(opts, pulse.WithMetrics(pulse.NewMetrics(reg)))
			go serveMetrics(tailMetricsAddr, reg, log)
		}

		engine, err := newEngine(cfg, log, opts...)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer engine.Stop()

		engine.SetForeground(ctx, ref.ID)
		conv, err := engine.Open(ctx, ref)
		if err != nil {
			return err
		}

		printer := newTimelinePrinter(cmd.OutOrStdout(), cfg.Auth.UserID)
		printer.print(pulse.Snapshot{Messages: conv.Messages(), Typing: conv.Typing()})
		stop := conv.Observe(printer.print)
		defer stop()

		<-ctx.Done()
		return nil
	},
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}

// timelinePrinter prints each message once, and again whenever its content
// or status changes.
type timelinePrinter struct {
	out    io.Writer
	selfID string

	mu     sync.Mutex
	seen   map[string]string
	typing string
}

func newTimelinePrinter(out io.Writer, selfID string) *timelinePrinter {
	return &timelinePrinter{out: out, selfID: selfID, seen: make(map[string]string)}
}

func (p *timelinePrinter) print(s pulse.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range s.Messages {
		line := formatMessage(m, pulse.Status(m, p.selfID))
		if p.seen[m.ID] == line {
			continue
		}
		p.seen[m.ID] = line
		fmt.Fprintln(p.out, line)
	}
	typing := strings.Join(s.Typing, ", ")
	if typing != p.typing {
		p.typing = typing
		if typing != "" {
			fmt.Fprintf(p.out, "... %s typing\n", typing)
		}
	}
}
