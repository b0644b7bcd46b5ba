package pulse

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConnectNotifier struct {
	hooks []func()
}

func (f *fakeConnectNotifier) OnConnected(h func()) { f.hooks = append(f.hooks, h) }

func (f *fakeConnectNotifier) connect() {
	for _, h := range f.hooks {
		h()
	}
}

func TestPresenceSnapshotReplaces(t *testing.T) {
	p := NewPresence(zaptest.NewLogger(t))
	p.ApplySnapshot([]string{"a", "b"})
	assert.Equal(t, []string{"a", "b"}, p.Online())

	assert.True(t, p.ApplySnapshot([]string{"c"}))
	assert.Equal(t, []string{"c"}, p.Online())
	assert.False(t, p.IsOnline("a"))
	assert.False(t, p.ApplySnapshot([]string{"c"}))
}

func TestPresenceUpdateIsIdempotent(t *testing.T) {
	p := NewPresence(nil)

	assert.True(t, p.ApplyUpdate(PresenceUpdatePayload{UserID: "u", Status: PresenceOnline}))
	assert.False(t, p.ApplyUpdate(PresenceUpdatePayload{UserID: "u", Status: PresenceOnline}))
	assert.Equal(t, []string{"u"}, p.Online())

	assert.True(t, p.ApplyUpdate(PresenceUpdatePayload{UserID: "u", Status: PresenceOffline}))
	assert.False(t, p.ApplyUpdate(PresenceUpdatePayload{UserID: "u", Status: PresenceOffline}))
	assert.Empty(t, p.Online())

	assert.False(t, p.ApplyUpdate(PresenceUpdatePayload{UserID: "u", Status: "away"}))
	assert.False(t, p.ApplyUpdate(PresenceUpdatePayload{Status: PresenceOnline}))
}

func TestPresenceOnChange(t *testing.T) {
	p := NewPresence(nil)
	var seen [][]string
	p.OnChange(func(online []string) { seen = append(seen, online) })

	p.ApplySnapshot([]string{"b", "a"})
	p.ApplyUpdate(PresenceUpdatePayload{UserID: "a", Status: PresenceOnline})
	p.ApplyUpdate(PresenceUpdatePayload{UserID: "c", Status: PresenceOnline})

	assert.Equal(t, [][]string{{"a", "b"}, {"a", "b", "c"}}, seen)
}

func TestPresenceAttach(t *testing.T) {
	bus, transport, _ := newTestBus(t)
	conn := &fakeConnectNotifier{}
	p := NewPresence(zaptest.NewLogger(t))
	p.Attach(bus, conn)

	conn.connect()
	conn.connect()
	assert.Len(t, transport.events(EventPresenceSubscribe), 2, "subscribe requested on every connect")

	deliver(t, bus, EventPresenceState, PresenceStatePayload{OnlineUserIDs: []string{"x", "y"}})
	deliver(t, bus, EventPresenceUpdate, PresenceUpdatePayload{UserID: "y", Status: PresenceOffline})
	deliver(t, bus, EventPresenceUpdate, PresenceUpdatePayload{UserID: "z", Status: PresenceOnline})
	bus.Deliver(Envelope{Type: EventPresenceUpdate, Payload: json.RawMessage(`{"userId":`)})

	assert.Equal(t, []string{"x", "z"}, p.Online())

	p.Detach()
	require.Equal(t, 0, bus.ListenerCount(EventPresenceState))
	deliver(t, bus, EventPresenceState, PresenceStatePayload{})
	assert.Equal(t, []string{"x", "z"}, p.Online())
}
