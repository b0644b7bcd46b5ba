package pulse

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTypingIdle is how long local input may pause before typing:stop.
	DefaultTypingIdle = 3 * time.Second
	// DefaultTypingTTL is how long a remote typing:start is displayed without
	// being renewed.
	DefaultTypingTTL = 5 * time.Second
)

// TypingEmitter sends a typing:start or typing:stop event. A start that
// returns an error is not in flight and is retried on the next keystroke.
type TypingEmitter func(event string, payload TypingPayload) error

// ============================================================================
// Local typing
// ============================================================================

// LocalTyping debounces the current user's keystrokes into one typing:start
// per burst and one typing:stop when input pauses, a message is sent, or the
// conversation is closed.
type LocalTyping struct {
	payload TypingPayload
	emit    TypingEmitter
	idle    *Deferred

	mu       sync.Mutex
	inFlight bool
	closed   bool
}

// NewLocalTyping creates a coordinator that addresses every event with
// payload.
func NewLocalTyping(clock Clock, idle time.Duration, payload TypingPayload, emit TypingEmitter) *LocalTyping {
	t := &LocalTyping{payload: payload, emit: emit}
	t.idle = NewDeferred(clock, idle, t.onIdle)
	return t
}

// Keystroke records local input. The first keystroke of a burst emits
// typing:start; every keystroke pushes the stop back by the idle delay.
func (t *LocalTyping) Keystroke() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if !t.inFlight {
		if err := t.emit(EventTypingStart, t.payload); err != nil {
			return
		}
		t.inFlight = true
	}
	t.idle.Reset()
}

// Sent stops typing immediately because a message went out.
func (t *LocalTyping) Sent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Close stops typing and disables the coordinator. No event is emitted after
// Close returns.
func (t *LocalTyping) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.stopLocked()
	t.closed = true
}

// InFlight reports whether a typing:start is awaiting its stop.
func (t *LocalTyping) InFlight() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

func (t *LocalTyping) stopLocked() {
	t.idle.Cancel()
	if !t.inFlight {
		return
	}
	t.inFlight = false
	_ = t.emit(EventTypingStop, t.payload)
}

func (t *LocalTyping) onIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	// re-armed by a keystroke that raced the timer
	if t.closed || t.idle.Armed() || !t.inFlight {
		return
	}
	t.inFlight = false
	_ = t.emit(EventTypingStop, t.payload)
}

// ============================================================================
// Remote typing
// ============================================================================

// RemoteTyping tracks which other participants are typing in one
// conversation. A direct conversation shows at most one actor. Every actor
// expires after the TTL unless a new typing:start renews it, so a lost
// typing:stop cannot leave the indicator on forever.
type RemoteTyping struct {
	clock    Clock
	ttl      time.Duration
	selfID   string
	ref      ConversationRef
	onChange func()

	mu     sync.Mutex
	actors map[string]*Deferred
	closed bool
}

// NewRemoteTyping creates a tracker for ref. onChange, if set, runs after
// every change to the actor set; call Actors from it to read the new state.
func NewRemoteTyping(clock Clock, ttl time.Duration, selfID string, ref ConversationRef, onChange func()) *RemoteTyping {
	return &RemoteTyping{
		clock:    clock,
		ttl:      ttl,
		selfID:   selfID,
		ref:      ref,
		onChange: onChange,
		actors:   make(map[string]*Deferred),
	}
}

// matches reports whether an inbound typing event belongs to this
// conversation.
func (r *RemoteTyping) matches(p TypingPayload) bool {
	if p.UserID == "" || p.UserID == r.selfID {
		return false
	}
	if r.ref.IsGroup() {
		if p.GroupID != "" {
			return p.GroupID == r.ref.GroupID
		}
		return p.ConversationID != "" && p.ConversationID == r.ref.ID
	}
	if p.GroupID != "" {
		return false
	}
	if p.ConversationID != "" {
		return p.ConversationID == r.ref.ID
	}
	return r.ref.PeerID != "" && p.UserID == r.ref.PeerID
}

// Start applies an inbound typing:start and reports whether it was accepted.
func (r *RemoteTyping) Start(p TypingPayload) bool {
	if !r.matches(p) {
		return false
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if d, ok := r.actors[p.UserID]; ok {
		d.Reset()
		r.mu.Unlock()
		return true
	}
	if !r.ref.IsGroup() {
		for id, d := range r.actors {
			d.Cancel()
			delete(r.actors, id)
		}
	}
	user := p.UserID
	var d *Deferred
	d = NewDeferred(r.clock, r.ttl, func() { r.expire(user, d) })
	r.actors[user] = d
	d.Reset()
	r.mu.Unlock()

	r.changed()
	return true
}

// Stop applies an inbound typing:stop. Stops for users not shown are
// ignored.
func (r *RemoteTyping) Stop(p TypingPayload) bool {
	if !r.matches(p) {
		return false
	}
	r.mu.Lock()
	d, ok := r.actors[p.UserID]
	if ok {
		d.Cancel()
		delete(r.actors, p.UserID)
	}
	r.mu.Unlock()

	if ok {
		r.changed()
	}
	return ok
}

func (r *RemoteTyping) expire(user string, d *Deferred) {
	r.mu.Lock()
	if r.actors[user] != d || d.Armed() {
		r.mu.Unlock()
		return
	}
	delete(r.actors, user)
	r.mu.Unlock()
	r.changed()
}

// Actors returns the ids currently shown as typing, sorted.
func (r *RemoteTyping) Actors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.actors))
	for id := range r.actors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close cancels every expiry timer and clears the actor set.
func (r *RemoteTyping) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range r.actors {
		d.Cancel()
		delete(r.actors, id)
	}
	r.closed = true
}

func (r *RemoteTyping) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}
