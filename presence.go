package pulse

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ConnectNotifier is the part of the Supervisor the presence tracker needs.
type ConnectNotifier interface {
	OnConnected(h func())
}

// Presence tracks the set of online users for the whole session. Snapshots
// replace the set; updates patch one user at a time.
type Presence struct {
	log *zap.Logger

	mu        sync.RWMutex
	online    map[string]struct{}
	listeners []func(online []string)
	scope     *Scope
}

// NewPresence creates an empty tracker.
func NewPresence(log *zap.Logger) *Presence {
	if log == nil {
		log = zap.NewNop()
	}
	return &Presence{
		log:    log.Named("presence"),
		online: make(map[string]struct{}),
	}
}

// Attach wires the tracker to bus and asks the server for a fresh snapshot
// on every (re)connect, since snapshots are never pushed unsolicited.
func (p *Presence) Attach(bus *Bus, conn ConnectNotifier) {
	scope := bus.Scope()
	scope.On(EventPresenceState, func(raw json.RawMessage) {
		var payload PresenceStatePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			p.log.Error("decode presence:state", zap.Error(err))
			return
		}
		p.ApplySnapshot(payload.OnlineUserIDs)
	})
	scope.On(EventPresenceUpdate, func(raw json.RawMessage) {
		var payload PresenceUpdatePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			p.log.Error("decode presence:update", zap.Error(err))
			return
		}
		p.ApplyUpdate(payload)
	})

	p.mu.Lock()
	if p.scope != nil {
		p.scope.Close()
	}
	p.scope = scope
	p.mu.Unlock()

	conn.OnConnected(func() {
		if err := bus.Emit(context.Background(), EventPresenceSubscribe, struct{}{}, nil); err != nil {
			p.log.Warn("presence subscribe failed", zap.Error(err))
		}
	})
}

// Detach removes the bus handlers installed by Attach.
func (p *Presence) Detach() {
	p.mu.Lock()
	scope := p.scope
	p.scope = nil
	p.mu.Unlock()
	if scope != nil {
		scope.Close()
	}
}

// OnChange registers fn to receive the sorted online set after every
// snapshot and after each update that changed the set.
func (p *Presence) OnChange(fn func(online []string)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// ApplySnapshot replaces the online set and reports whether it changed.
func (p *Presence) ApplySnapshot(ids []string) bool {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	p.mu.Lock()
	changed := len(next) != len(p.online)
	if !changed {
		for id := range next {
			if _, ok := p.online[id]; !ok {
				changed = true
				break
			}
		}
	}
	p.online = next
	p.mu.Unlock()

	p.log.Debug("presence snapshot", zap.Int("online", len(next)), zap.Bool("changed", changed))
	p.notify()
	return changed
}

// ApplyUpdate adds or removes one user. Repeating an update is a no-op.
func (p *Presence) ApplyUpdate(u PresenceUpdatePayload) bool {
	if u.UserID == "" {
		return false
	}
	p.mu.Lock()
	_, present := p.online[u.UserID]
	changed := false
	switch u.Status {
	case PresenceOnline:
		if !present {
			p.online[u.UserID] = struct{}{}
			changed = true
		}
	case PresenceOffline:
		if present {
			delete(p.online, u.UserID)
			changed = true
		}
	default:
		p.mu.Unlock()
		p.log.Debug("unknown presence status", zap.String("user_id", u.UserID), zap.String("status", string(u.Status)))
		return false
	}
	p.mu.Unlock()

	if changed {
		p.notify()
	}
	return changed
}

// IsOnline reports whether userID is in the online set.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// Online returns the online set, sorted.
func (p *Presence) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sortedLocked()
}

func (p *Presence) sortedLocked() []string {
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Presence) notify() {
	p.mu.RLock()
	snapshot := p.sortedLocked()
	listeners := append([]func([]string){}, p.listeners...)
	p.mu.RUnlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}
