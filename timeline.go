package pulse

import (
	"reflect"
	"strings"
	"time"
)

// ============================================================================
// Timeline
// ============================================================================

// Timeline is an immutable, timestamp-ordered view of one conversation's
// messages. Every mutation returns a new Timeline and leaves the receiver
// untouched, so a snapshot handed to observers never changes underneath them.
//
// Messages live in an arena keyed by id. Pending (optimistic) messages are
// also indexed by sender and content so an echo that lost its temp id can
// still find its optimistic twin.
type Timeline struct {
	order   []string
	byID    map[string]Message
	pending map[string][]string
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		byID:    make(map[string]Message),
		pending: make(map[string][]string),
	}
}

func (t *Timeline) clone() *Timeline {
	c := &Timeline{
		order:   append([]string(nil), t.order...),
		byID:    make(map[string]Message, len(t.byID)),
		pending: make(map[string][]string, len(t.pending)),
	}
	for k, v := range t.byID {
		c.byID[k] = v
	}
	for k, v := range t.pending {
		c.pending[k] = append([]string(nil), v...)
	}
	return c
}

// Len returns the number of visible messages.
func (t *Timeline) Len() int { return len(t.order) }

// Get returns the message with id.
func (t *Timeline) Get(id string) (Message, bool) {
	m, ok := t.byID[id]
	return m, ok
}

// Messages returns the visible sequence in display order.
func (t *Timeline) Messages() []Message {
	out := make([]Message, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// IDs returns the visible ids in display order.
func (t *Timeline) IDs() []string {
	return append([]string(nil), t.order...)
}

func (t *Timeline) indexOf(id string) int {
	for i, v := range t.order {
		if v == id {
			return i
		}
	}
	return -1
}

// insertSorted places m after every message with a timestamp not later than
// its own, so equal timestamps keep arrival order.
func (t *Timeline) insertSorted(m Message) {
	pos := len(t.order)
	for i := len(t.order) - 1; i >= 0; i-- {
		if !t.byID[t.order[i]].Timestamp.After(m.Timestamp) {
			break
		}
		pos = i
	}
	t.order = append(t.order, "")
	copy(t.order[pos+1:], t.order[pos:])
	t.order[pos] = m.ID
	t.byID[m.ID] = m
}

func (t *Timeline) remove(id string) {
	m, ok := t.byID[id]
	if !ok {
		return
	}
	if i := t.indexOf(id); i >= 0 {
		t.order = append(t.order[:i], t.order[i+1:]...)
	}
	delete(t.byID, id)
	t.unindexPending(id, m)
}

// replace swaps the entry at oldID for m, keeping its position.
func (t *Timeline) replace(oldID string, m Message) {
	old := t.byID[oldID]
	t.unindexPending(oldID, old)
	delete(t.byID, oldID)
	if i := t.indexOf(oldID); i >= 0 {
		t.order[i] = m.ID
	}
	t.byID[m.ID] = m
}

// ============================================================================
// Pending index
// ============================================================================

func fingerprint(m Message) string {
	var b strings.Builder
	b.WriteString(m.SenderID)
	b.WriteByte(0x1f)
	b.WriteString(m.Text())
	for _, a := range m.Attachments {
		b.WriteByte(0x1f)
		b.WriteString(string(a.Type))
		b.WriteByte(':')
		b.WriteString(a.URL)
	}
	return b.String()
}

func (t *Timeline) indexPending(m Message) {
	key := fingerprint(m)
	t.pending[key] = append(t.pending[key], m.ID)
}

func (t *Timeline) unindexPending(id string, m Message) {
	key := fingerprint(m)
	ids := t.pending[key]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(t.pending, key)
	} else {
		t.pending[key] = ids
	}
}

// matchPending returns the most recent pending message from the same sender
// with identical content, or "".
func (t *Timeline) matchPending(m Message) string {
	ids := t.pending[fingerprint(m)]
	for i := len(ids) - 1; i >= 0; i-- {
		if p, ok := t.byID[ids[i]]; ok && p.IsPending() {
			return ids[i]
		}
	}
	return ""
}

// PendingIDs returns the temp ids still waiting for confirmation.
func (t *Timeline) PendingIDs() []string {
	var out []string
	for _, id := range t.order {
		if t.byID[id].IsPending() {
			out = append(out, id)
		}
	}
	return out
}

// ============================================================================
// Merging
// ============================================================================

// mergeConfirmed folds a fresh server copy into the one already shown.
// Receipts only grow and a tombstone is never revived.
func mergeConfirmed(existing, incoming Message) Message {
	out := incoming
	out.SendState = SendSent
	out.DeliveredTo = unionIDs(existing.DeliveredTo, incoming.DeliveredTo, incoming.SenderID)
	out.ReadBy = unionIDs(existing.ReadBy, incoming.ReadBy, incoming.SenderID)
	if len(out.ParticipantIDs) == 0 {
		out.ParticipantIDs = existing.ParticipantIDs
	}
	if out.ConversationID == "" {
		out.ConversationID = existing.ConversationID
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = existing.Timestamp
	}
	if out.EditedAt == nil || (existing.EditedAt != nil && existing.EditedAt.After(*out.EditedAt)) {
		if existing.EditedAt != nil {
			out.EditedAt = existing.EditedAt
			out.Content = existing.Content
		}
	}
	if existing.DeletedAt != nil {
		out.DeletedAt = existing.DeletedAt
		out.Content = existing.Content
		out.Attachments = nil
	}
	return out
}

// adoptPending copies what the optimistic copy knew and the server copy may
// omit.
func adoptPending(pending, confirmed Message) Message {
	confirmed.SendState = SendSent
	if len(confirmed.ParticipantIDs) == 0 {
		confirmed.ParticipantIDs = pending.ParticipantIDs
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = pending.ConversationID
	}
	if confirmed.Timestamp.IsZero() {
		confirmed.Timestamp = pending.Timestamp
	}
	confirmed.DeliveredTo = unionIDs(pending.DeliveredTo, confirmed.DeliveredTo, confirmed.SenderID)
	confirmed.ReadBy = unionIDs(pending.ReadBy, confirmed.ReadBy, confirmed.SenderID)
	return confirmed
}

// ============================================================================
// Transitions
// ============================================================================

// Seed merges a page of server history. Known ids are merged, new ones are
// placed by timestamp.
func (t *Timeline) Seed(msgs []Message) *Timeline {
	if len(msgs) == 0 {
		return t
	}
	c := t.clone()
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		m.SendState = SendSent
		if existing, ok := c.byID[m.ID]; ok {
			c.byID[m.ID] = mergeConfirmed(existing, m)
			continue
		}
		c.insertSorted(m)
	}
	return c
}

// InsertPending adds an optimistic message. m.ID must be a temporary id.
func (t *Timeline) InsertPending(m Message) *Timeline {
	c := t.clone()
	m.SendState = SendPending
	if _, ok := c.byID[m.ID]; ok {
		c.remove(m.ID)
	}
	c.insertSorted(m)
	c.indexPending(m)
	return c
}

// Confirm applies a successful send ack: the temp entry is replaced in place
// by the server copy. If an echo already produced the confirmed entry, the
// temp entry is dropped instead so only one copy stays visible.
func (t *Timeline) Confirm(tempID string, confirmed Message) *Timeline {
	c := t.clone()
	pending, hasTemp := c.byID[tempID]
	existing, hasConfirmed := c.byID[confirmed.ID]
	switch {
	case hasTemp && hasConfirmed:
		c.byID[confirmed.ID] = mergeConfirmed(existing, adoptPending(pending, confirmed))
		c.remove(tempID)
	case hasTemp:
		c.replace(tempID, adoptPending(pending, confirmed))
	case hasConfirmed:
		c.byID[confirmed.ID] = mergeConfirmed(existing, confirmed)
	default:
		confirmed.SendState = SendSent
		c.insertSorted(confirmed)
	}
	return c
}

// Rollback removes an optimistic message whose send failed. Entries that are
// no longer pending are left alone.
func (t *Timeline) Rollback(tempID string) (*Timeline, bool) {
	m, ok := t.byID[tempID]
	if !ok || !m.IsPending() {
		return t, false
	}
	c := t.clone()
	c.remove(tempID)
	return c, true
}

// ApplyNew reconciles an inbound confirmed message and reports which rule
// matched: an existing id, the echoed temp id, a pending message from the
// same sender with the same content, or none (appended).
func (t *Timeline) ApplyNew(m Message, tempID, selfID string) (*Timeline, string) {
	c := t.clone()
	m.SendState = SendSent

	if existing, ok := c.byID[m.ID]; ok {
		c.byID[m.ID] = mergeConfirmed(existing, m)
		if tempID != "" {
			if p, ok := c.byID[tempID]; ok && p.IsPending() {
				c.remove(tempID)
			}
		}
		return c, OutcomeDuplicate
	}

	if tempID != "" {
		if p, ok := c.byID[tempID]; ok && p.IsPending() {
			c.replace(tempID, adoptPending(p, m))
			return c, OutcomeTempID
		}
	}

	if m.SenderID == selfID {
		if id := c.matchPending(m); id != "" {
			c.replace(id, adoptPending(c.byID[id], m))
			return c, OutcomeFallback
		}
	}

	c.insertSorted(m)
	return c, OutcomeAppended
}

// ApplyEdit sets new content. Unknown ids, tombstones, repeats and edits
// older than the one shown are no-ops.
func (t *Timeline) ApplyEdit(id, content string, editedAt time.Time) (*Timeline, bool) {
	m, ok := t.byID[id]
	if !ok || m.IsDeleted() {
		return t, false
	}
	if m.EditedAt != nil && editedAt.Before(*m.EditedAt) {
		return t, false
	}
	if m.EditedAt != nil && m.EditedAt.Equal(editedAt) && m.Text() == content {
		return t, false
	}
	c := t.clone()
	m.Content = strPtr(content)
	at := editedAt
	m.EditedAt = &at
	c.byID[id] = m
	return c, true
}

// ApplyDelete tombstones the message for everyone, or removes it from the
// local view only. Repeats and unknown ids are no-ops.
func (t *Timeline) ApplyDelete(id string, forEveryone bool, deletedAt time.Time) (*Timeline, bool) {
	m, ok := t.byID[id]
	if !ok {
		return t, false
	}
	if !forEveryone {
		return t.RemoveLocal(id)
	}
	if m.IsDeleted() {
		return t, false
	}
	c := t.clone()
	if m.IsPending() {
		c.unindexPending(id, m)
	}
	m.Content = strPtr(TombstoneContent)
	m.Attachments = nil
	at := deletedAt
	m.DeletedAt = &at
	c.byID[id] = m
	return c, true
}

// RemoveLocal drops the message from this view without touching anyone
// else's copy.
func (t *Timeline) RemoveLocal(id string) (*Timeline, bool) {
	if _, ok := t.byID[id]; !ok {
		return t, false
	}
	c := t.clone()
	c.remove(id)
	return c, true
}

// Update applies fn to the message with id and reports whether it changed.
func (t *Timeline) Update(id string, fn func(Message) Message) (*Timeline, bool) {
	m, ok := t.byID[id]
	if !ok {
		return t, false
	}
	next := fn(m)
	if reflect.DeepEqual(m, next) {
		return t, false
	}
	c := t.clone()
	next.ID = id
	c.byID[id] = next
	return c, true
}
