package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	pulse "github.com/nandankmr/pulse-sub000"
	"go.uber.org/zap"
)

// sessionFromConfig returns the configured credentials or an error telling
// the user how to provide them.
func sessionFromConfig(cfg *Config) (pulse.StaticSession, error) {
	if cfg.Server.RealtimeURL == "" {
		return pulse.StaticSession{}, errors.New("no realtime URL. Run 'pulse init <realtime-url>' first")
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return pulse.StaticSession{}, errors.New("no credentials. Run 'pulse config set auth.token <token>' and 'pulse config set auth.user_id <id>'")
	}
	return pulse.StaticSession{ID: cfg.Auth.UserID, Token: cfg.Auth.Token}, nil
}

// newEngine builds an engine from the CLI config. History is wired when an
// API URL is configured.
func newEngine(cfg *Config, log *zap.Logger, opts ...pulse.Option) (*pulse.Engine, error) {
	session, err := sessionFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	base := []pulse.Option{
		pulse.WithLogger(log),
		pulse.WithSupervisorConfig(pulse.SupervisorConfig{
			URL:           cfg.Server.RealtimeURL,
			AutoReconnect: true,
		}),
	}
	if cfg.Server.APIURL != "" {
		base = append(base, pulse.WithHistory(pulse.NewHistoryClient(cfg.Server.APIURL, session)))
	}
	return pulse.New(session, append(base, opts...)...), nil
}

// conversationRef builds the addressing for conversationID from --peer or
// --group.
func conversationRef(conversationID, peer, group string) (pulse.ConversationRef, error) {
	switch {
	case peer != "" && group != "":
		return pulse.ConversationRef{}, errors.New("use either --peer or --group, not both")
	case group != "":
		return pulse.ConversationRef{ID: conversationID, Kind: pulse.KindGroup, GroupID: group}, nil
	case peer != "":
		return pulse.ConversationRef{ID: conversationID, Kind: pulse.KindDirect, PeerID: peer}, nil
	default:
		return pulse.ConversationRef{}, errors.New("--peer or --group is required")
	}
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// formatMessage renders one timeline line.
func formatMessage(m pulse.Message, status pulse.DisplayStatus) string {
	var b strings.Builder
	b.WriteString(m.Timestamp.Local().Format("15:04:05"))
	b.WriteString(" ")
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	if m.IsSystem() {
		sender = "*"
	}
	b.WriteString(sender)
	b.WriteString(": ")
	b.WriteString(m.Text())
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, " [%s %s]", a.Type, valueOrDefault(a.Name, a.URL))
	}
	if m.EditedAt != nil && !m.IsDeleted() {
		b.WriteString(" (edited)")
	}
	if status != pulse.StatusNone {
		fmt.Fprintf(&b, " [%s]", status)
	}
	return b.String()
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
