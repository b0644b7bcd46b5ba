package pulse

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

type notifications struct {
	mu   sync.Mutex
	msgs []Message
}

func (n *notifications) Notify(m Message) {
	n.mu.Lock()
	n.msgs = append(n.msgs, m)
	n.mu.Unlock()
}

func (n *notifications) ids() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return ids(n.msgs)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *notifications) {
	t.Helper()
	n := &notifications{}
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithClock(newFakeClock()),
		WithNotifier(n),
		WithStore(NewMemoryStore()),
	}, opts...)
	e := New(StaticSession{ID: "me", Token: "tok"}, opts...)
	t.Cleanup(func() { e.Stop() })
	return e, n
}

func inbound(t *testing.T, e *Engine, convID, id, sender string) {
	m := textMessage(id, sender, "hi", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	m.ConversationID = convID
	deliver(t, e.Bus(), EventMessageNew, MessageNewPayload{Message: m})
}

func TestEngineCountsUnreadOutsideForeground(t *testing.T) {
	e, n := newTestEngine(t)

	inbound(t, e, "c1", "m1", "peer")
	inbound(t, e, "c1", "m2", "peer")
	inbound(t, e, "c1", "m2", "peer")
	inbound(t, e, "c1", "m3", "me")
	inbound(t, e, "c2", "m4", "other")

	assert.Equal(t, 2, e.Unread("c1"))
	assert.Equal(t, 1, e.Unread("c2"))
	assert.Equal(t, []string{"m1", "m2", "m4"}, n.ids())
}

func TestEngineIgnoresSystemMessages(t *testing.T) {
	e, n := newTestEngine(t)
	m := textMessage("m1", "server", "joined", time.Now())
	m.SystemType = "member_joined"

	deliver(t, e.Bus(), EventMessageNew, MessageNewPayload{Message: m})

	assert.Equal(t, 0, e.Unread("c1"))
	assert.Empty(t, n.ids())
}

func TestEngineForegroundSuppressesBadges(t *testing.T) {
	e, n := newTestEngine(t)
	inbound(t, e, "c1", "m1", "peer")
	require.Equal(t, 1, e.Unread("c1"))

	conv, err := e.Open(context.Background(), directRef())
	require.NoError(t, err)
	e.SetForeground(context.Background(), "c1")
	assert.Equal(t, 0, e.Unread("c1"))

	inbound(t, e, "c1", "m2", "peer")
	assert.Equal(t, 0, e.Unread("c1"))
	assert.Equal(t, []string{"m1"}, n.ids())
	assert.Equal(t, []string{"m2"}, ids(conv.Messages()))

	e.SetForeground(context.Background(), "")
	inbound(t, e, "c1", "m3", "peer")
	assert.Equal(t, 1, e.Unread("c1"))
}

func TestEngineReadOnOtherDeviceClearsBadge(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Open(context.Background(), directRef())
	require.NoError(t, err)
	inbound(t, e, "c1", "m1", "peer")
	require.Equal(t, 1, e.Unread("c1"))

	deliver(t, e.Bus(), EventMessageRead, MessageReadPayload{MessageID: "m1", ReaderID: "me"})

	assert.Equal(t, 0, e.Unread("c1"))
}

func TestEngineOpenReusesConversation(t *testing.T) {
	e, _ := newTestEngine(t)

	a, err := e.Open(context.Background(), directRef())
	require.NoError(t, err)
	b, err := e.Open(context.Background(), directRef())
	require.NoError(t, err)
	assert.Same(t, a, b)

	a.Close()
	c, err := e.Open(context.Background(), directRef())
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestEngineStopClosesConversations(t *testing.T) {
	e, _ := newTestEngine(t)
	conv, err := e.Open(context.Background(), directRef())
	require.NoError(t, err)

	require.NoError(t, e.Stop())

	_, err = conv.Send(context.Background(), "hi", nil, nil)
	assert.ErrorIs(t, err, ErrConversationClosed)
	assert.Equal(t, 0, e.Bus().ListenerCount(EventMessageRead))
}

func TestEngineOverWebsocket(t *testing.T) {
	srv := newWSServer(t)
	e, _ := newTestEngine(t,
		WithClock(SystemClock()),
		WithSupervisorConfig(SupervisorConfig{URL: srv.wsURL()}),
	)
	require.NoError(t, e.Start(context.Background()))
	conn := srv.nextConn(t)
	srv.nextEvent(t, EventPresenceSubscribe)

	push(t, conn, Envelope{Type: EventPresenceState, Payload: mustJSON(t, PresenceStatePayload{OnlineUserIDs: []string{"peer"}})})
	assert.Eventually(t, func() bool { return e.Presence().IsOnline("peer") }, 2*time.Second, 10*time.Millisecond)

	conv, err := e.Open(context.Background(), directRef())
	require.NoError(t, err)
	done := make(chan Message, 1)
	_, err = conv.Send(context.Background(), "hi", nil, func(m Message, err error) {
		assert.NoError(t, err)
		done <- m
	})
	require.NoError(t, err)

	env := srv.nextEvent(t, EventMessageSend)
	sent := decodePayload[SendMessagePayload](t, env)
	push(t, conn, Envelope{Type: eventAck, RequestID: env.RequestID, Payload: mustJSON(t, SendMessageAck{
		Message: &Message{ID: "m1", ConversationID: "c1", SenderID: "me", Content: sent.Content, Timestamp: time.Now()},
	})})

	select {
	case m := <-done:
		assert.Equal(t, "m1", m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("send not acknowledged")
	}
	assert.Equal(t, []string{"m1"}, ids(conv.Messages()))
}

func TestEngineFailsPendingAcksOnDisconnect(t *testing.T) {
	srv := newWSServer(t)
	e, _ := newTestEngine(t,
		WithClock(SystemClock()),
		WithSupervisorConfig(SupervisorConfig{URL: srv.wsURL()}),
	)
	require.NoError(t, e.Start(context.Background()))
	conn := srv.nextConn(t)

	conv, err := e.Open(context.Background(), directRef())
	require.NoError(t, err)
	failed := make(chan error, 1)
	conv.Send(context.Background(), "hi", nil, func(_ Message, err error) { failed <- err })
	srv.nextEvent(t, EventMessageSend)

	conn.Close(websocket.StatusGoingAway, "bye")

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending send not failed")
	}
	assert.Empty(t, conv.Messages())
	assert.Equal(t, 0, e.Bus().PendingAcks())
}

func TestEngineDeliversRawEnvelopes(t *testing.T) {
	e, _ := newTestEngine(t)
	var got []string
	e.Bus().On(EventTypingStart, func(raw json.RawMessage) { got = append(got, string(raw)) })

	e.Bus().Deliver(Envelope{Type: EventTypingStart, Payload: json.RawMessage(`{"userId":"peer"}`)})

	assert.Equal(t, []string{`{"userId":"peer"}`}, got)
}
