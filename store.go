package pulse

import (
	"sort"
	"sync"
	"time"
)

// Store is the local cache of confirmed messages. It lets a conversation open
// with something on screen when history cannot be fetched and it remembers
// messages the user deleted for themselves.
type Store interface {
	// PutMessages inserts or overwrites messages by id. Pending messages
	// are skipped.
	PutMessages(conversationID string, msgs []Message) error
	// Messages returns up to limit messages older than before (all when
	// before is zero), oldest first. limit <= 0 means no limit.
	Messages(conversationID string, limit int, before time.Time) ([]Message, error)
	// Hide records a delete-for-me so the message stays hidden when the
	// conversation is reloaded.
	Hide(conversationID, id string) error
	Hidden(conversationID string) (map[string]struct{}, error)
	Close() error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]map[string]Message
	hidden   map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]map[string]Message),
		hidden:   make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) PutMessages(conversationID string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.messages[conversationID]
	if conv == nil {
		conv = make(map[string]Message)
		s.messages[conversationID] = conv
	}
	for _, m := range msgs {
		if m.ID == "" || m.IsPending() {
			continue
		}
		conv[m.ID] = m
	}
	return nil
}

func (s *MemoryStore) Messages(conversationID string, limit int, before time.Time) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Message
	for _, m := range s.messages[conversationID] {
		if before.IsZero() || m.Timestamp.Before(before) {
			result = append(result, m)
		}
	}
	return newestPage(result, limit), nil
}

func (s *MemoryStore) Hide(conversationID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.hidden[conversationID]
	if set == nil {
		set = make(map[string]struct{})
		s.hidden[conversationID] = set
	}
	set[id] = struct{}{}
	delete(s.messages[conversationID], id)
	return nil
}

func (s *MemoryStore) Hidden(conversationID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.hidden[conversationID]))
	for id := range s.hidden[conversationID] {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// newestPage sorts msgs oldest first and keeps the newest limit of them.
func newestPage(msgs []Message, limit int) []Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}
