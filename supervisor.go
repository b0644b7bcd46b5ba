package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var ErrNotAuthenticated = errors.New("no access credential available")

// Session exposes the authenticated user. An empty AccessToken means the
// user is logged out.
type Session interface {
	UserID() string
	AccessToken() string
}

// StaticSession is a Session with fixed values.
type StaticSession struct {
	ID    string
	Token string
}

func (s StaticSession) UserID() string      { return s.ID }
func (s StaticSession) AccessToken() string { return s.Token }

// ============================================================================
// Configuration
// ============================================================================

// SupervisorConfig configures the realtime connection.
type SupervisorConfig struct {
	URL                  string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
}

func (c *SupervisorConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnectionState represents the connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SupervisorConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected(now time.Time) {
	r.connectedAt = now
}

// nextDelay returns the backoff before the next attempt. A connection that
// stayed up for a minute starts the sequence over.
func (r *reconnector) nextDelay(now time.Time) time.Duration {
	if !r.connectedAt.IsZero() && now.Sub(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Supervisor
// ============================================================================

// Supervisor owns the realtime websocket for one authenticated session.
// Connect and Disconnect are idempotent. Inbound envelopes are handed to the
// attached Receiver one at a time on the read goroutine.
type Supervisor struct {
	config   *SupervisorConfig
	session  Session
	log      *zap.Logger
	metrics  *Metrics
	receiver Receiver

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnectionState
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector

	hooksMu        sync.RWMutex
	onConnected    []func()
	onDisconnected []func(reason string)
	onError        []func(err error)
}

// NewSupervisor creates a disconnected supervisor for session.
func NewSupervisor(session Session, config SupervisorConfig, log *zap.Logger, metrics *Metrics) *Supervisor {
	cfg := config
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		config:  &cfg,
		session: session,
		log:     log.Named("supervisor"),
		metrics: metrics,
		state:   StateDisconnected,
		recon:   newReconnector(&cfg),
	}
}

// Attach sets the receiver for inbound envelopes. Call before Connect.
func (s *Supervisor) Attach(r Receiver) {
	s.mu.Lock()
	s.receiver = r
	s.mu.Unlock()
}

// OnConnected registers a handler for the connected signal. Subscribers
// should re-request authoritative state here.
func (s *Supervisor) OnConnected(h func()) {
	s.hooksMu.Lock()
	s.onConnected = append(s.onConnected, h)
	s.hooksMu.Unlock()
}

// OnDisconnected registers a handler for the disconnected signal.
func (s *Supervisor) OnDisconnected(h func(reason string)) {
	s.hooksMu.Lock()
	s.onDisconnected = append(s.onDisconnected, h)
	s.hooksMu.Unlock()
}

// OnConnectionError registers a handler for connection failures.
func (s *Supervisor) OnConnectionError(h func(err error)) {
	s.hooksMu.Lock()
	s.onError = append(s.onError, h)
	s.hooksMu.Unlock()
}

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the websocket. It is a no-op while connected or
// connecting. Failures are reported through OnConnectionError and returned;
// the supervisor is left disconnected.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		s.emitError(err)
		return err
	}
	s.mu.Lock()
	s.recon.attempt = 0
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) dial(ctx context.Context) error {
	token := s.session.AccessToken()
	if token == "" {
		return ErrNotAuthenticated
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, s.config.DialTimeout)
	defer cancelDial()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(dialCtx, s.config.URL, &websocket.DialOptions{
		HTTPClient: s.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The connection outlives Connect's ctx; Disconnect cancels it.
	connCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	s.conn = conn
	s.state = StateConnected
	s.cancelFn = cancel
	s.recon.markConnected(time.Now())
	s.mu.Unlock()

	s.metrics.setConnected(true)
	s.log.Info("connected", zap.String("url", s.config.URL), zap.String("user_id", s.session.UserID()))

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx, conn)

	s.emitConnected()
	return nil
}

// Disconnect closes the connection and stops reconnection. It is a no-op
// when already disconnected.
func (s *Supervisor) Disconnect() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.intentionalClose = true
		s.mu.Unlock()
		return nil
	}
	s.intentionalClose = true
	s.recon.reset()
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.metrics.setConnected(false)
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	s.log.Info("disconnected", zap.String("reason", "client disconnect"))
	s.emitDisconnected("client disconnect")
	return err
}

// Send writes one envelope. It returns ErrNotConnected when there is no live
// connection.
func (s *Supervisor) Send(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Supervisor) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleDrop(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}

		s.mu.Lock()
		r := s.receiver
		s.mu.Unlock()
		if r != nil {
			r.Deliver(env)
		}
	}
}

func (s *Supervisor) handleDrop(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.intentionalClose || s.conn != conn {
		s.mu.Unlock()
		return
	}
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.metrics.setConnected(false)
	s.log.Warn("connection lost", zap.Error(cause))
	s.emitDisconnected(cause.Error())
	s.emitError(cause)

	if s.config.AutoReconnect {
		go s.reconnectLoop()
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.log.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (s *Supervisor) reconnectLoop() {
	for {
		s.mu.Lock()
		if s.intentionalClose || s.state == StateConnected || !s.recon.shouldReconnect() {
			if s.state == StateReconnecting {
				s.state = StateDisconnected
			}
			s.mu.Unlock()
			return
		}
		delay := s.recon.nextDelay(time.Now())
		attempt := s.recon.attempt
		s.state = StateReconnecting
		s.mu.Unlock()

		s.metrics.reconnecting()
		s.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		time.Sleep(delay)

		s.mu.Lock()
		if s.intentionalClose || s.state != StateReconnecting {
			// Disconnect or an explicit Connect took over while sleeping.
			s.mu.Unlock()
			return
		}
		s.state = StateConnecting
		s.mu.Unlock()

		err := s.dial(context.Background())
		if err == nil {
			return
		}
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateReconnecting
		}
		s.mu.Unlock()
		s.emitError(err)
		if errors.Is(err, ErrNotAuthenticated) {
			s.mu.Lock()
			s.state = StateDisconnected
			s.mu.Unlock()
			return
		}
	}
}

func (s *Supervisor) emitConnected() {
	s.hooksMu.RLock()
	hooks := append([]func(){}, s.onConnected...)
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		h()
	}
}

func (s *Supervisor) emitDisconnected(reason string) {
	s.hooksMu.RLock()
	hooks := append([]func(string){}, s.onDisconnected...)
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		h(reason)
	}
}

func (s *Supervisor) emitError(err error) {
	s.log.Warn("connection error", zap.Error(err))
	s.hooksMu.RLock()
	hooks := append([]func(error){}, s.onError...)
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		h(err)
	}
}
