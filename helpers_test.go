package pulse

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// ============================================================================
// Fake clock
// ============================================================================

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that came due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of timers neither fired nor stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ============================================================================
// Fake transport
// ============================================================================

type fakeTransport struct {
	mu   sync.Mutex
	sent []Envelope
	err  error
}

func (t *fakeTransport) Send(ctx context.Context, env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// events returns the envelopes sent for event, in order.
func (t *fakeTransport) events(event string) []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Envelope
	for _, env := range t.sent {
		if env.Type == event {
			out = append(out, env)
		}
	}
	return out
}

func (t *fakeTransport) last(tb testing.TB, event string) Envelope {
	envs := t.events(event)
	require.NotEmpty(tb, envs, "no %s sent", event)
	return envs[len(envs)-1]
}

// ============================================================================
// Helpers
// ============================================================================

func mustJSON(tb testing.TB, v any) json.RawMessage {
	data, err := json.Marshal(v)
	require.NoError(tb, err)
	return data
}

func deliver(tb testing.TB, bus *Bus, event string, payload any) {
	bus.Deliver(Envelope{Type: event, Payload: mustJSON(tb, payload)})
}

func ack(tb testing.TB, bus *Bus, requestID string, payload any) {
	bus.Deliver(Envelope{Type: eventAck, RequestID: requestID, Payload: mustJSON(tb, payload)})
}

func decodePayload[T any](tb testing.TB, env Envelope) T {
	var v T
	require.NoError(tb, json.Unmarshal(env.Payload, &v))
	return v
}

func textMessage(id, sender, content string, ts time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Content:        strPtr(content),
		Timestamp:      ts,
		SendState:      SendSent,
	}
}

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

// fakeHistory serves pages keyed by cursor.
type fakeHistory struct {
	mu    sync.Mutex
	pages map[string]*HistoryPage
	err   error
	calls []string
}

func (h *fakeHistory) Page(ctx context.Context, conversationID, cursor string, limit int) (*HistoryPage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, cursor)
	if h.err != nil {
		return nil, h.err
	}
	if p, ok := h.pages[cursor]; ok {
		return p, nil
	}
	return &HistoryPage{}, nil
}

type convFixture struct {
	conv      *Conversation
	bus       *Bus
	transport *fakeTransport
	clock     *fakeClock
	store     *MemoryStore
}

func directRef() ConversationRef {
	return ConversationRef{ID: "c1", Kind: KindDirect, PeerID: "peer"}
}

// newConvFixture opens a conversation for user "me" on a fake transport.
func newConvFixture(t *testing.T, ref ConversationRef, history History) *convFixture {
	t.Helper()
	clock := newFakeClock()
	transport := &fakeTransport{}
	log := zaptest.NewLogger(t)
	bus := NewBus(transport, WithBusLogger(log), WithBusClock(clock))
	store := NewMemoryStore()
	conv := newConversation(ref, conversationDeps{
		selfID:     "me",
		bus:        bus,
		clock:      clock,
		log:        log,
		policy:     DefaultPolicy(),
		store:      store,
		history:    history,
		typingIdle: DefaultTypingIdle,
		typingTTL:  DefaultTypingTTL,
	})
	conv.open(context.Background())
	t.Cleanup(conv.Close)
	return &convFixture{conv: conv, bus: bus, transport: transport, clock: clock, store: store}
}
