package pulse

import "sync"

// ============================================================================
// Receipt Aggregation
// ============================================================================

// unionIDs returns base plus every id in add that is not in base and not
// excluded. base is never modified; when nothing is added base is returned.
func unionIDs(base []string, add []string, exclude string) []string {
	var out []string
	for _, id := range add {
		if id == "" || id == exclude || containsID(base, id) || containsID(out, id) {
			continue
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(out))
	merged = append(merged, base...)
	return append(merged, out...)
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsAll(set []string, want []string) bool {
	for _, id := range want {
		if !containsID(set, id) {
			return false
		}
	}
	return true
}

// MarkDelivered returns m with participantIDs added to DeliveredTo. The
// sender is never recorded as a recipient.
func MarkDelivered(m Message, participantIDs []string) Message {
	m.DeliveredTo = unionIDs(m.DeliveredTo, participantIDs, m.SenderID)
	return m
}

// MarkRead returns m with reader added to ReadBy. Reading implies delivery,
// so the reader is added to DeliveredTo as well.
func MarkRead(m Message, readerID string) Message {
	m.ReadBy = unionIDs(m.ReadBy, []string{readerID}, m.SenderID)
	m.DeliveredTo = unionIDs(m.DeliveredTo, []string{readerID}, m.SenderID)
	return m
}

// IsRead reports whether selfID has read m. Own messages count as read.
func IsRead(m Message, selfID string) bool {
	return m.SenderID == selfID || containsID(m.ReadBy, selfID)
}

func recipients(m Message) []string {
	var others []string
	for _, id := range m.ParticipantIDs {
		if id != m.SenderID && !containsID(others, id) {
			others = append(others, id)
		}
	}
	return others
}

// Status derives the display status of m as seen by selfID. Messages by
// other users and system messages have no status.
func Status(m Message, selfID string) DisplayStatus {
	if m.IsSystem() || m.SenderID != selfID {
		return StatusNone
	}
	if m.IsPending() {
		return StatusSending
	}
	others := recipients(m)
	switch {
	case len(others) == 0:
		return StatusSent
	case containsAll(m.ReadBy, others):
		return StatusRead
	case containsAll(m.DeliveredTo, others):
		return StatusDelivered
	default:
		return StatusSent
	}
}

// ============================================================================
// ReadTracker
// ============================================================================

// ReadTracker remembers which message ids were already acknowledged during
// one conversation session so bulk read marking emits each id once.
type ReadTracker struct {
	mu      sync.Mutex
	emitted map[string]struct{}
}

func NewReadTracker() *ReadTracker {
	return &ReadTracker{emitted: make(map[string]struct{})}
}

// Claim returns the subset of candidates not claimed before and records
// them as claimed.
func (t *ReadTracker) Claim(candidates []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var fresh []string
	for _, id := range candidates {
		if _, ok := t.emitted[id]; ok {
			continue
		}
		t.emitted[id] = struct{}{}
		fresh = append(fresh, id)
	}
	return fresh
}

// Release forgets ids so they can be claimed again, used when the emission
// carrying them failed.
func (t *ReadTracker) Release(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.emitted, id)
	}
}

// Reset forgets everything; called when a conversation is re-entered.
func (t *ReadTracker) Reset() {
	t.mu.Lock()
	t.emitted = make(map[string]struct{})
	t.mu.Unlock()
}
