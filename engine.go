// Package pulse keeps chat conversations in sync with a realtime server.
//
// One Engine owns the websocket for an authenticated session. Conversations
// opened on it show optimistic sends immediately and reconcile them with the
// server's confirmations. They also aggregate delivery and read receipts and
// carry typing indicators. Presence is tracked for the whole session.
//
// Example:
//
//	engine := pulse.New(pulse.StaticSession{ID: "u1", Token: token},
//		pulse.WithSupervisorConfig(pulse.SupervisorConfig{URL: "wss://chat.example.com/ws"}),
//		pulse.WithHistory(pulse.NewHistoryClient("https://chat.example.com", session)),
//	)
//	if err := engine.Start(ctx); err != nil { ... }
//	conv, _ := engine.Open(ctx, pulse.ConversationRef{ID: "c1", Kind: pulse.KindDirect, PeerID: "u2"})
//	conv.Send(ctx, "hi", nil, func(m pulse.Message, err error) { ... })
package pulse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notifier surfaces messages that arrive outside the foreground
// conversation.
type Notifier interface {
	Notify(m Message)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(m Message)

func (f NotifierFunc) Notify(m Message) { f(m) }

// ============================================================================
// Engine
// ============================================================================

// Engine is the session-scoped root: it owns the Supervisor, the Bus and the
// presence tracker, and keeps per-conversation unread badges.
type Engine struct {
	session    Session
	log        *zap.Logger
	metrics    *Metrics
	clock      Clock
	store      Store
	history    History
	notifier   Notifier
	policy     Policy
	supConfig  SupervisorConfig
	ackTimeout time.Duration
	typingIdle time.Duration
	typingTTL  time.Duration
	pageSize   int

	sup      *Supervisor
	bus      *Bus
	presence *Presence

	mu         sync.Mutex
	convs      map[string]*Conversation
	foreground string
	unread     map[string]map[string]struct{}
}

type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithStore caches confirmed messages and delete-for-me ids.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithHistory seeds conversations from the server when they open.
func WithHistory(h History) Option {
	return func(e *Engine) { e.history = h }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithSupervisorConfig(cfg SupervisorConfig) Option {
	return func(e *Engine) { e.supConfig = cfg }
}

func WithAckTimeout(d time.Duration) Option {
	return func(e *Engine) { e.ackTimeout = d }
}

func WithTypingTimeouts(idle, ttl time.Duration) Option {
	return func(e *Engine) {
		e.typingIdle = idle
		e.typingTTL = ttl
	}
}

func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

// New creates a stopped engine for session.
func New(session Session, opts ...Option) *Engine {
	e := &Engine{
		session:    session,
		log:        zap.NewNop(),
		clock:      SystemClock(),
		policy:     DefaultPolicy(),
		supConfig:  SupervisorConfig{AutoReconnect: true},
		ackTimeout: DefaultAckTimeout,
		typingIdle: DefaultTypingIdle,
		typingTTL:  DefaultTypingTTL,
		pageSize:   DefaultHistoryPageSize,
		convs:      make(map[string]*Conversation),
		unread:     make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.sup = NewSupervisor(session, e.supConfig, e.log, e.metrics)
	e.bus = NewBus(e.sup,
		WithBusLogger(e.log),
		WithBusMetrics(e.metrics),
		WithBusClock(e.clock),
		WithBusAckTimeout(e.ackTimeout),
	)
	e.sup.Attach(e.bus)
	e.sup.OnDisconnected(func(reason string) {
		e.bus.FailPending(ErrDisconnected)
	})

	e.presence = NewPresence(e.log)
	e.presence.Attach(e.bus, e.sup)

	e.bus.On(EventMessageNew, e.handleNew)
	return e
}

// Start connects the realtime transport.
func (e *Engine) Start(ctx context.Context) error {
	return e.sup.Connect(ctx)
}

// Stop closes every open conversation and disconnects.
func (e *Engine) Stop() error {
	e.mu.Lock()
	convs := make([]*Conversation, 0, len(e.convs))
	for _, c := range e.convs {
		convs = append(convs, c)
	}
	e.mu.Unlock()

	for _, c := range convs {
		c.Close()
	}
	return e.sup.Disconnect()
}

func (e *Engine) Supervisor() *Supervisor { return e.sup }
func (e *Engine) Bus() *Bus               { return e.bus }
func (e *Engine) Presence() *Presence     { return e.presence }

// Open returns the live view of ref, opening it if needed.
func (e *Engine) Open(ctx context.Context, ref ConversationRef) (*Conversation, error) {
	e.mu.Lock()
	if c, ok := e.convs[ref.ID]; ok {
		e.mu.Unlock()
		return c, nil
	}
	c := newConversation(ref, conversationDeps{
		selfID:     e.session.UserID(),
		bus:        e.bus,
		clock:      e.clock,
		log:        e.log,
		metrics:    e.metrics,
		policy:     e.policy,
		store:      e.store,
		history:    e.history,
		pageSize:   e.pageSize,
		typingIdle: e.typingIdle,
		typingTTL:  e.typingTTL,
		onRead:     e.clearUnread,
		onClose:    e.forget,
	})
	e.convs[ref.ID] = c
	active := e.foreground == ref.ID
	e.mu.Unlock()

	c.open(ctx)
	if active {
		c.setActive(true)
		if err := c.MarkAllRead(ctx); err != nil {
			e.log.Debug("mark read on open", zap.String("conversation_id", ref.ID), zap.Error(err))
		}
	}
	return c, nil
}

// SetForeground marks conversationID as the one on screen ("" for none).
// Its messages are read as they arrive and it raises no notifications.
func (e *Engine) SetForeground(ctx context.Context, conversationID string) {
	e.mu.Lock()
	prev := e.convs[e.foreground]
	e.foreground = conversationID
	next := e.convs[conversationID]
	e.mu.Unlock()

	if prev != nil && prev != next {
		prev.setActive(false)
	}
	if next == nil {
		return
	}
	next.setActive(true)
	e.clearUnread(conversationID)
	if err := next.MarkAllRead(ctx); err != nil {
		e.log.Debug("mark read on foreground", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Unread returns the number of unread messages counted for conversationID
// since it was last read.
func (e *Engine) Unread(conversationID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.unread[conversationID])
}

func (e *Engine) clearUnread(conversationID string) {
	e.mu.Lock()
	delete(e.unread, conversationID)
	e.mu.Unlock()
}

func (e *Engine) forget(c *Conversation) {
	e.mu.Lock()
	if e.convs[c.ref.ID] == c {
		delete(e.convs, c.ref.ID)
	}
	e.mu.Unlock()
}

// handleNew runs before any conversation's handler. It keeps badges and
// raises notifications for messages outside the foreground conversation.
func (e *Engine) handleNew(raw json.RawMessage) {
	var p MessageNewPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		e.log.Error("decode message:new", zap.Error(err))
		return
	}
	m := p.Message
	if m.ID == "" || m.SenderID == e.session.UserID() || m.IsSystem() {
		return
	}

	e.mu.Lock()
	_, open := e.convs[m.ConversationID]
	foreground := open && e.foreground == m.ConversationID
	if !foreground {
		set := e.unread[m.ConversationID]
		if set == nil {
			set = make(map[string]struct{})
			e.unread[m.ConversationID] = set
		}
		if _, seen := set[m.ID]; seen {
			e.mu.Unlock()
			return
		}
		set[m.ID] = struct{}{}
	}
	e.mu.Unlock()

	if !foreground && e.notifier != nil {
		e.notifier.Notify(m)
	}
}
