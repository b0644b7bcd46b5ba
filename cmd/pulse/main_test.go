package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pulse "github.com/nandankmr/pulse-sub000"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTempConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	configHome = dir
	t.Cleanup(func() { configHome = "" })
	return dir
}

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}

	require.NoError(t, setConfigValue(cfg, "server.realtime_url", "wss://chat.example.com/ws"))
	require.NoError(t, setConfigValue(cfg, "server.api_url", "https://chat.example.com"))
	require.NoError(t, setConfigValue(cfg, "auth.token", "tok"))
	require.NoError(t, setConfigValue(cfg, "auth.user_id", "u1"))
	require.NoError(t, setConfigValue(cfg, "auth.user_name", "Ada"))

	assert.Equal(t, Config{
		Server: ConfigServer{RealtimeURL: "wss://chat.example.com/ws", APIURL: "https://chat.example.com"},
		Auth:   ConfigAuth{Token: "tok", UserID: "u1", UserName: "Ada"},
	}, *cfg)

	assert.Error(t, setConfigValue(cfg, "token", "x"))
	assert.Error(t, setConfigValue(cfg, "server.nope", "x"))
	assert.Error(t, setConfigValue(cfg, "auth.nope", "x"))
	assert.Error(t, setConfigValue(cfg, "other.field", "x"))
}

func TestConfigRoundTrip(t *testing.T) {
	dir := useTempConfig(t)

	empty, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, empty)

	cfg := &Config{
		Server: ConfigServer{RealtimeURL: "ws://localhost:3000/ws"},
		Auth:   ConfigAuth{Token: "tok", UserID: "u1"},
	}
	require.NoError(t, saveConfig(cfg))

	data, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[server]")
	assert.Contains(t, string(data), "ws://localhost:3000/ws")

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfigRejectsMalformedFile(t *testing.T) {
	dir := useTempConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[server\n"), 0o600))

	_, err := loadConfig()
	assert.Error(t, err)
}

func TestAPIURLFromRealtime(t *testing.T) {
	assert.Equal(t, "https://chat.example.com", apiURLFromRealtime("wss://chat.example.com/ws"))
	assert.Equal(t, "http://localhost:3000", apiURLFromRealtime("ws://localhost:3000/socket?x=1"))
	assert.Equal(t, "", apiURLFromRealtime("not a url"))
}

func TestConversationRef(t *testing.T) {
	ref, err := conversationRef("c1", "u2", "")
	require.NoError(t, err)
	assert.Equal(t, pulse.ConversationRef{ID: "c1", Kind: pulse.KindDirect, PeerID: "u2"}, ref)

	ref, err = conversationRef("c1", "", "g1")
	require.NoError(t, err)
	assert.True(t, ref.IsGroup())
	assert.Equal(t, "g1", ref.GroupID)

	_, err = conversationRef("c1", "u2", "g1")
	assert.Error(t, err)
	_, err = conversationRef("c1", "", "")
	assert.Error(t, err)
}

func TestSessionFromConfig(t *testing.T) {
	_, err := sessionFromConfig(&Config{})
	assert.ErrorContains(t, err, "pulse init")

	_, err = sessionFromConfig(&Config{Server: ConfigServer{RealtimeURL: "ws://x"}})
	assert.ErrorContains(t, err, "auth.token")

	s, err := sessionFromConfig(&Config{
		Server: ConfigServer{RealtimeURL: "ws://x"},
		Auth:   ConfigAuth{Token: "tok", UserID: "u1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID())
	assert.Equal(t, "tok", s.AccessToken())
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcdef...6789", maskKey("abcdef0123456789"))
}

func msg(id, sender, content string) pulse.Message {
	return pulse.Message{ID: id, ConversationID: "c1", SenderID: sender, Content: &content, Timestamp: time.Now(), SendState: pulse.SendSent}
}

func TestFormatMessage(t *testing.T) {
	m := msg("m1", "u2", "hello")
	m.SenderName = "Bob"
	m.Attachments = []pulse.Attachment{{Type: pulse.AttachmentImage, URL: "https://cdn/x.png"}}
	edited := time.Now()
	m.EditedAt = &edited

	line := formatMessage(m, pulse.StatusRead)
	assert.True(t, strings.HasSuffix(line, "Bob: hello [image https://cdn/x.png] (edited) [read]"), line)

	sys := msg("m2", "server", "Ada joined")
	sys.SystemType = "member_joined"
	assert.True(t, strings.HasSuffix(formatMessage(sys, pulse.StatusNone), "*: Ada joined"))
}

func TestTimelinePrinterPrintsChangesOnly(t *testing.T) {
	var out bytes.Buffer
	p := newTimelinePrinter(&out, "u1")

	mine := msg("m1", "u1", "hi")
	mine.ParticipantIDs = []string{"u1", "u2"}
	p.print(pulse.Snapshot{Messages: []pulse.Message{mine}})
	p.print(pulse.Snapshot{Messages: []pulse.Message{mine}})
	mine.DeliveredTo = []string{"u2"}
	p.print(pulse.Snapshot{Messages: []pulse.Message{mine}, Typing: []string{"u2"}})
	p.print(pulse.Snapshot{Messages: []pulse.Message{mine}, Typing: []string{"u2"}})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[0], "u1: hi [sent]"), lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "u1: hi [delivered]"), lines[1])
	assert.Equal(t, "... u2 typing", lines[2])
}

func TestConfigSetCommand(t *testing.T) {
	useTempConfig(t)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "set", "auth.user_id", "u9"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "u9", cfg.Auth.UserID)
}

func TestConfigShowMasksTokenAndDerivesAPI(t *testing.T) {
	useTempConfig(t)
	require.NoError(t, saveConfig(&Config{
		Server: ConfigServer{RealtimeURL: "wss://chat.example.com/ws"},
		Auth:   ConfigAuth{Token: "abcdef0123456789", UserID: "u1"},
	}))

	var out bytes.Buffer
	printConfig(&out, mustLoadConfig(t))

	assert.Contains(t, out.String(), "api_url      = https://chat.example.com (derived)")
	assert.Contains(t, out.String(), "token        = abcdef...6789")
	assert.Contains(t, out.String(), "user_name    = (unset)")
	assert.NotContains(t, out.String(), "abcdef0123456789")
}

func TestConfigSetTokenEchoIsMasked(t *testing.T) {
	useTempConfig(t)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "set", "auth.token", "abcdef0123456789"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "auth.token = abcdef...6789\n", out.String())
	assert.Equal(t, "abcdef0123456789", mustLoadConfig(t).Auth.Token)
}

func mustLoadConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := loadConfig()
	require.NoError(t, err)
	return cfg
}
