package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrAckTimeout   = errors.New("ack timeout")
	ErrDisconnected = errors.New("disconnected before ack")
)

// DefaultAckTimeout bounds how long an emitted request waits for its ack.
const DefaultAckTimeout = 10 * time.Second

// Handler receives the raw payload of one inbound event.
type Handler func(payload json.RawMessage)

// AckFunc receives the server acknowledgement for an emitted request, or an
// error when the ack timed out or the connection dropped first.
type AckFunc func(payload json.RawMessage, err error)

// Transport sends envelopes to the server. The Supervisor is the production
// implementation.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

// Receiver accepts inbound envelopes from a transport.
type Receiver interface {
	Deliver(env Envelope)
}

// Subscription is the handle returned by Bus.On. Unregistration is by handle
// identity, so the same function may be registered more than once.
type Subscription struct {
	bus     *Bus
	event   string
	handler Handler
}

// Cancel unregisters the handler. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s != nil && s.bus != nil {
		s.bus.Off(s)
	}
}

// ============================================================================
// Bus
// ============================================================================

// Bus multiplexes one transport connection into named event streams with any
// number of listeners per name.
type Bus struct {
	transport  Transport
	log        *zap.Logger
	metrics    *Metrics
	clock      Clock
	ackTimeout time.Duration

	mu        sync.RWMutex
	listeners map[string][]*Subscription

	pendingMu sync.Mutex
	pending   map[string]*pendingAck
}

type pendingAck struct {
	event string
	fn    AckFunc
	timer Timer
}

// BusOption configures a Bus.
type BusOption func(*Bus)

func WithBusLogger(log *zap.Logger) BusOption {
	return func(b *Bus) { b.log = log.Named("bus") }
}

func WithBusMetrics(m *Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

func WithBusClock(c Clock) BusOption {
	return func(b *Bus) { b.clock = c }
}

func WithBusAckTimeout(d time.Duration) BusOption {
	return func(b *Bus) { b.ackTimeout = d }
}

// NewBus creates a bus that emits through transport.
func NewBus(transport Transport, opts ...BusOption) *Bus {
	b := &Bus{
		transport:  transport,
		log:        zap.NewNop(),
		clock:      SystemClock(),
		ackTimeout: DefaultAckTimeout,
		listeners:  make(map[string][]*Subscription),
		pending:    make(map[string]*pendingAck),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers h for event. Handlers run in registration order.
func (b *Bus) On(event string, h Handler) *Subscription {
	sub := &Subscription{bus: b, event: event, handler: h}
	b.mu.Lock()
	b.listeners[event] = append(b.listeners[event], sub)
	b.mu.Unlock()
	return sub
}

// Off unregisters sub. Unknown or already removed subscriptions are ignored.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.listeners[sub.event]
	for i, s := range subs {
		if s == sub {
			// copy so in-flight Deliver snapshots stay intact
			next := make([]*Subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.listeners, sub.event)
			} else {
				b.listeners[sub.event] = next
			}
			return
		}
	}
}

// ListenerCount returns the number of handlers registered for event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// Deliver dispatches an inbound envelope. Every handler for the event runs to
// completion, in registration order, before Deliver returns.
func (b *Bus) Deliver(env Envelope) {
	b.metrics.received(env.Type)

	if env.Type == eventAck {
		b.resolve(env.RequestID, env.Payload, nil)
		return
	}

	b.mu.RLock()
	subs := b.listeners[env.Type]
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.log.Debug("no listeners", zap.String("event", env.Type))
		return
	}
	for _, s := range subs {
		b.invoke(env.Type, s.handler, env.Payload)
	}
}

func (b *Bus) invoke(event string, h Handler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.panicked(event)
			b.log.Warn("handler panic recovered", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	h(payload)
}

// Emit sends event with payload. When ack is non-nil the request is tagged
// with an id and ack runs once: with the server acknowledgement, or with
// ErrAckTimeout / ErrDisconnected. A send error is returned synchronously and
// ack is not called.
func (b *Bus) Emit(ctx context.Context, event string, payload any, ack AckFunc) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	env := Envelope{Type: event, Payload: data}

	if ack != nil {
		env.RequestID = uuid.NewString()
		id := env.RequestID
		p := &pendingAck{event: event, fn: ack}
		b.pendingMu.Lock()
		b.pending[id] = p
		p.timer = b.clock.AfterFunc(b.ackTimeout, func() {
			b.resolve(id, nil, ErrAckTimeout)
		})
		b.pendingMu.Unlock()
	}

	if err := b.transport.Send(ctx, env); err != nil {
		if env.RequestID != "" {
			b.drop(env.RequestID)
		}
		return fmt.Errorf("emit %s: %w", event, err)
	}
	b.metrics.emitted(event)
	b.log.Debug("emitted", zap.String("event", event), zap.String("request_id", env.RequestID))
	return nil
}

// PendingAcks returns the number of requests still waiting for an ack.
func (b *Bus) PendingAcks() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// FailPending resolves every outstanding ack with err.
func (b *Bus) FailPending(err error) {
	b.pendingMu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.pendingMu.Unlock()
	for _, id := range ids {
		b.resolve(id, nil, err)
	}
}

func (b *Bus) drop(id string) *pendingAck {
	b.pendingMu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()
	if ok && p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (b *Bus) resolve(id string, payload json.RawMessage, err error) {
	if id == "" {
		return
	}
	p := b.drop(id)
	if p == nil {
		b.log.Debug("ack for unknown request", zap.String("request_id", id))
		return
	}
	if err != nil {
		b.log.Warn("request failed", zap.String("event", p.event), zap.String("request_id", id), zap.Error(err))
	}
	defer func() {
		if r := recover(); r != nil {
			b.metrics.panicked(p.event)
			b.log.Warn("ack callback panic recovered", zap.String("event", p.event), zap.Any("panic", r))
		}
	}()
	p.fn(payload, err)
}

// ============================================================================
// Scope
// ============================================================================

// Scope groups subscriptions that share a lifetime, such as one open
// conversation. Close removes all of them.
type Scope struct {
	bus *Bus

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// Scope creates an empty subscription scope on b.
func (b *Bus) Scope() *Scope {
	return &Scope{bus: b}
}

// On registers h on the underlying bus and ties it to the scope. After Close
// it registers nothing and returns nil.
func (s *Scope) On(event string, h Handler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	sub := s.bus.On(event, h)
	s.subs = append(s.subs, sub)
	return sub
}

// Close unregisters every subscription made through the scope.
func (s *Scope) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}
