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

var ErrConversationClosed = errors.New("conversation closed")

// Snapshot is the observable state of a conversation after a change.
type Snapshot struct {
	Messages []Message
	Typing   []string
}

type conversationDeps struct {
	selfID     string
	bus        *Bus
	clock      Clock
	log        *zap.Logger
	metrics    *Metrics
	policy     Policy
	store      Store
	history    History
	pageSize   int
	typingIdle time.Duration
	typingTTL  time.Duration
	onRead     func(conversationID string)
	onClose    func(c *Conversation)
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is the live view of one open conversation. Inbound events
// arrive on the bus goroutine; actions may be called from any goroutine.
// Every change replaces the timeline with a new immutable one.
type Conversation struct {
	ref  ConversationRef
	deps conversationDeps
	log  *zap.Logger

	scope  *Scope
	reads  *ReadTracker
	local  *LocalTyping
	remote *RemoteTyping

	mu        sync.Mutex
	timeline  *Timeline
	hidden    map[string]struct{}
	cursor    string
	hasMore   bool
	active    bool
	closed    bool
	observers map[uint64]func(Snapshot)
	nextObs   uint64

	notifyMu sync.Mutex
}

func newConversation(ref ConversationRef, deps conversationDeps) *Conversation {
	if deps.pageSize <= 0 {
		deps.pageSize = DefaultHistoryPageSize
	}
	c := &Conversation{
		ref:       ref,
		deps:      deps,
		log:       deps.log.Named("conversation").With(zap.String("conversation_id", ref.ID)),
		scope:     deps.bus.Scope(),
		reads:     NewReadTracker(),
		timeline:  NewTimeline(),
		hidden:    make(map[string]struct{}),
		observers: make(map[uint64]func(Snapshot)),
	}
	c.local = NewLocalTyping(deps.clock, deps.typingIdle, c.typingAddress(), c.emitTyping)
	c.remote = NewRemoteTyping(deps.clock, deps.typingTTL, deps.selfID, ref, c.notify)
	return c
}

// open subscribes to the bus and seeds the timeline. Handlers go in first so
// nothing that arrives while history loads is lost; Seed merges by id.
func (c *Conversation) open(ctx context.Context) {
	c.scope.On(EventMessageNew, c.handleNew)
	c.scope.On(EventMessageDelivered, c.handleDelivered)
	c.scope.On(EventMessageRead, c.handleRead)
	c.scope.On(EventMessageEdited, c.handleEdited)
	c.scope.On(EventMessageDeleted, c.handleDeleted)
	c.scope.On(EventTypingStart, c.handleTypingStart)
	c.scope.On(EventTypingStop, c.handleTypingStop)

	if c.deps.store != nil {
		hidden, err := c.deps.store.Hidden(c.ref.ID)
		if err != nil {
			c.log.Warn("load hidden ids", zap.Error(err))
		}
		c.mu.Lock()
		for id := range hidden {
			c.hidden[id] = struct{}{}
		}
		c.mu.Unlock()
	}

	msgs, cursor, hasMore := c.initialPage(ctx)

	c.mu.Lock()
	c.timeline = c.timeline.Seed(c.visible(msgs))
	c.cursor = cursor
	c.hasMore = hasMore
	c.mu.Unlock()

	c.log.Info("opened", zap.Int("messages", len(msgs)), zap.Bool("has_more", hasMore))
	c.notify()
}

func (c *Conversation) initialPage(ctx context.Context) ([]Message, string, bool) {
	if c.deps.history != nil {
		page, err := c.deps.history.Page(ctx, c.ref.ID, "", c.deps.pageSize)
		if err == nil {
			c.persist(page.Messages...)
			return page.Messages, page.NextCursor, page.HasMore
		}
		c.log.Warn("history unavailable, using local cache", zap.Error(err))
	}
	if c.deps.store == nil {
		return nil, "", false
	}
	msgs, err := c.deps.store.Messages(c.ref.ID, c.deps.pageSize, time.Time{})
	if err != nil {
		c.log.Warn("load cached messages", zap.Error(err))
		return nil, "", false
	}
	return msgs, "", false
}

// visible drops messages the user deleted for themselves. Callers hold mu.
func (c *Conversation) visible(msgs []Message) []Message {
	if len(c.hidden) == 0 {
		return msgs
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := c.hidden[m.ID]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// owns reports whether an inbound message belongs here.
func (c *Conversation) owns(conversationID string) bool {
	return conversationID == c.ref.ID
}

func (c *Conversation) persist(msgs ...Message) {
	if c.deps.store == nil || len(msgs) == 0 {
		return
	}
	if err := c.deps.store.PutMessages(c.ref.ID, msgs); err != nil {
		c.log.Warn("store write failed", zap.Error(err))
	}
}

func (c *Conversation) persistIDs(tl *Timeline, ids ...string) {
	var msgs []Message
	for _, id := range ids {
		if m, ok := tl.Get(id); ok {
			msgs = append(msgs, m)
		}
	}
	c.persist(msgs...)
}

// ============================================================================
// Inbound events
// ============================================================================

func (c *Conversation) decode(event string, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		c.log.Error("decode event", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

func (c *Conversation) handleNew(raw json.RawMessage) {
	var p MessageNewPayload
	if !c.decode(EventMessageNew, raw, &p) || !c.owns(p.Message.ConversationID) || p.Message.ID == "" {
		return
	}
	m := p.Message

	c.mu.Lock()
	if _, hidden := c.hidden[m.ID]; hidden || c.closed {
		c.mu.Unlock()
		c.deps.metrics.reconciled(OutcomeIgnored)
		return
	}
	tl, outcome := c.timeline.ApplyNew(m, p.TempID, c.deps.selfID)
	c.timeline = tl
	active := c.active
	c.mu.Unlock()

	c.deps.metrics.reconciled(outcome)
	fields := []zap.Field{zap.String("message_id", m.ID), zap.String("outcome", outcome)}
	if p.TempID != "" {
		fields = append(fields, zap.String("temp_id", p.TempID))
	}
	if outcome == OutcomeAppended && m.SenderID == c.deps.selfID && p.TempID != "" {
		c.log.Warn("no pending message matched own echo", fields...)
	} else {
		c.log.Debug("message reconciled", fields...)
	}

	c.persistIDs(tl, m.ID)
	if m.SenderID != c.deps.selfID {
		c.remote.Stop(TypingPayload{ConversationID: c.ref.ID, GroupID: c.ref.GroupID, UserID: m.SenderID})
	}
	c.notify()

	if active && m.SenderID != c.deps.selfID {
		if err := c.MarkAllRead(context.Background()); err != nil {
			c.log.Warn("auto mark read failed", zap.Error(err))
		}
	}
}

func (c *Conversation) handleDelivered(raw json.RawMessage) {
	var p MessageDeliveredPayload
	if !c.decode(EventMessageDelivered, raw, &p) {
		return
	}
	c.mu.Lock()
	tl, changed := c.timeline.Update(p.MessageID, func(m Message) Message {
		return MarkDelivered(m, p.ParticipantIDs)
	})
	c.timeline = tl
	c.mu.Unlock()

	if changed {
		c.persistIDs(tl, p.MessageID)
		c.notify()
	}
}

func (c *Conversation) handleRead(raw json.RawMessage) {
	var p MessageReadPayload
	if !c.decode(EventMessageRead, raw, &p) || p.ReaderID == "" {
		return
	}
	ids := p.ids()

	c.mu.Lock()
	tl := c.timeline
	var changedIDs []string
	for _, id := range ids {
		var changed bool
		tl, changed = tl.Update(id, func(m Message) Message { return MarkRead(m, p.ReaderID) })
		if changed {
			changedIDs = append(changedIDs, id)
		}
	}
	c.timeline = tl
	c.mu.Unlock()

	if p.ReaderID == c.deps.selfID {
		// read on another device; nothing left to acknowledge for these
		c.reads.Claim(ids)
		if c.deps.onRead != nil {
			c.deps.onRead(c.ref.ID)
		}
	}
	if len(changedIDs) > 0 {
		c.persistIDs(tl, changedIDs...)
		c.notify()
	}
}

func (c *Conversation) handleEdited(raw json.RawMessage) {
	var p MessageEditedPayload
	if !c.decode(EventMessageEdited, raw, &p) {
		return
	}
	if p.ConversationID != "" && !c.owns(p.ConversationID) {
		return
	}
	at := p.EditedAt
	if at.IsZero() {
		at = c.deps.clock.Now()
	}
	c.mu.Lock()
	tl, changed := c.timeline.ApplyEdit(p.MessageID, p.Content, at)
	c.timeline = tl
	c.mu.Unlock()

	if changed {
		c.persistIDs(tl, p.MessageID)
		c.notify()
	}
}

func (c *Conversation) handleDeleted(raw json.RawMessage) {
	var p MessageDeletedPayload
	if !c.decode(EventMessageDeleted, raw, &p) {
		return
	}
	if p.ConversationID != "" && !c.owns(p.ConversationID) {
		return
	}
	at := p.DeletedAt
	if at.IsZero() {
		at = c.deps.clock.Now()
	}
	c.mu.Lock()
	if _, ok := c.timeline.Get(p.MessageID); !ok {
		c.mu.Unlock()
		return
	}
	tl, changed := c.timeline.ApplyDelete(p.MessageID, p.DeleteForEveryone, at)
	c.timeline = tl
	if changed && !p.DeleteForEveryone {
		c.hidden[p.MessageID] = struct{}{}
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	if p.DeleteForEveryone {
		c.persistIDs(tl, p.MessageID)
	} else {
		c.hide(p.MessageID)
	}
	c.notify()
}

func (c *Conversation) handleTypingStart(raw json.RawMessage) {
	var p TypingPayload
	if c.decode(EventTypingStart, raw, &p) {
		c.remote.Start(p)
	}
}

func (c *Conversation) handleTypingStop(raw json.RawMessage) {
	var p TypingPayload
	if c.decode(EventTypingStop, raw, &p) {
		c.remote.Stop(p)
	}
}

// ============================================================================
// Actions
// ============================================================================

// SendDone receives the confirmed message, or the error that rolled the
// optimistic one back.
type SendDone func(m Message, err error)

// Send shows the message immediately with a temporary id and emits it. The
// returned message is the optimistic copy. done, if set, runs once when the
// server acknowledges or the request fails. A synchronous error means nothing
// was sent and the optimistic copy is already gone.
func (c *Conversation) Send(ctx context.Context, content string, attachments []Attachment, done SendDone) (Message, error) {
	if content == "" && len(attachments) == 0 {
		return Message{}, ErrEmptyMessage
	}
	self := c.deps.selfID
	pending := Message{
		ID:             TempIDPrefix + uuid.NewString(),
		ConversationID: c.ref.ID,
		SenderID:       self,
		Attachments:    attachments,
		Timestamp:      c.deps.clock.Now(),
		SendState:      SendPending,
		ParticipantIDs: c.ref.participants(self),
	}
	if content != "" {
		pending.Content = strPtr(content)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, ErrConversationClosed
	}
	c.timeline = c.timeline.InsertPending(pending)
	c.mu.Unlock()
	c.notify()

	c.local.Sent()

	tempID := pending.ID
	payload := SendMessagePayload{
		ConversationID: c.ref.ID,
		Content:        pending.Content,
		Attachments:    attachments,
		TempID:         tempID,
	}
	err := c.deps.bus.Emit(ctx, EventMessageSend, payload, func(raw json.RawMessage, err error) {
		c.onSendAck(tempID, raw, err, done)
	})
	if err != nil {
		c.rollback(tempID, err)
		return Message{}, err
	}
	c.log.Debug("message sent", zap.String("temp_id", tempID))
	return pending, nil
}

func (c *Conversation) onSendAck(tempID string, raw json.RawMessage, err error, done SendDone) {
	var ack SendMessageAck
	if err == nil {
		if decodeErr := json.Unmarshal(raw, &ack); decodeErr != nil {
			err = fmt.Errorf("decode send ack: %w", decodeErr)
		} else if ack.Error != nil {
			err = ack.Error
		} else if ack.Message == nil || ack.Message.ID == "" {
			err = &APIError{Code: "INVALID_ACK", Message: "ack carries no message"}
		}
	}
	if err != nil {
		c.rollback(tempID, err)
		if done != nil {
			done(Message{}, err)
		}
		return
	}

	c.mu.Lock()
	tl := c.timeline.Confirm(tempID, *ack.Message)
	c.timeline = tl
	c.mu.Unlock()

	confirmed, _ := tl.Get(ack.Message.ID)
	c.log.Debug("send acknowledged", zap.String("temp_id", tempID), zap.String("message_id", confirmed.ID))
	c.persist(confirmed)
	c.notify()
	if done != nil {
		done(confirmed, nil)
	}
}

// rollback removes a failed optimistic message. If the echo already
// confirmed it there is nothing to undo.
func (c *Conversation) rollback(tempID string, cause error) {
	c.mu.Lock()
	tl, removed := c.timeline.Rollback(tempID)
	c.timeline = tl
	c.mu.Unlock()

	if !removed {
		c.log.Debug("send failure after confirmation ignored", zap.String("temp_id", tempID), zap.Error(cause))
		return
	}
	c.deps.metrics.sendFailed()
	c.log.Warn("send failed, rolled back", zap.String("temp_id", tempID), zap.Error(cause))
	c.notify()
}

// Edit changes the content of one of the user's own messages within the edit
// window.
func (c *Conversation) Edit(ctx context.Context, id, content string) error {
	if content == "" {
		return ErrEmptyMessage
	}
	now := c.deps.clock.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConversationClosed
	}
	m, ok := c.timeline.Get(id)
	c.mu.Unlock()
	if !ok {
		return ErrMessageNotFound
	}
	if err := c.deps.policy.CanEdit(m, c.deps.selfID, now); err != nil {
		return err
	}

	payload := EditMessagePayload{MessageID: id, Content: content, ConversationID: c.ref.ID}
	if err := c.deps.bus.Emit(ctx, EventMessageEdit, payload, nil); err != nil {
		return err
	}

	c.mu.Lock()
	tl, changed := c.timeline.ApplyEdit(id, content, now)
	c.timeline = tl
	c.mu.Unlock()
	if changed {
		c.persistIDs(tl, id)
		c.notify()
	}
	return nil
}

// Delete removes a message. For everyone it becomes a tombstone on every
// device; otherwise it is hidden from this user only and nothing is sent.
func (c *Conversation) Delete(ctx context.Context, id string, forEveryone bool) error {
	now := c.deps.clock.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConversationClosed
	}
	m, ok := c.timeline.Get(id)
	c.mu.Unlock()
	if !ok {
		return ErrMessageNotFound
	}

	if !forEveryone {
		if m.IsPending() {
			return ErrMessagePending
		}
		c.mu.Lock()
		tl, changed := c.timeline.RemoveLocal(id)
		c.timeline = tl
		c.hidden[id] = struct{}{}
		c.mu.Unlock()
		c.hide(id)
		if changed {
			c.notify()
		}
		return nil
	}

	if err := c.deps.policy.CanDeleteForEveryone(m, c.deps.selfID, now); err != nil {
		return err
	}
	payload := DeleteMessagePayload{MessageID: id, ConversationID: c.ref.ID, DeleteForEveryone: true}
	if err := c.deps.bus.Emit(ctx, EventMessageDelete, payload, nil); err != nil {
		return err
	}
	c.mu.Lock()
	tl, changed := c.timeline.ApplyDelete(id, true, now)
	c.timeline = tl
	c.mu.Unlock()
	if changed {
		c.persistIDs(tl, id)
		c.notify()
	}
	return nil
}

func (c *Conversation) hide(id string) {
	if c.deps.store == nil {
		return
	}
	if err := c.deps.store.Hide(c.ref.ID, id); err != nil {
		c.log.Warn("persist hidden id", zap.String("message_id", id), zap.Error(err))
	}
}

// MarkAllRead acknowledges every confirmed message from other users that is
// still unread. Each id is sent at most once per visit.
func (c *Conversation) MarkAllRead(ctx context.Context) error {
	self := c.deps.selfID
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConversationClosed
	}
	var candidates []string
	for _, m := range c.timeline.Messages() {
		if m.SenderID == self || m.IsSystem() || m.IsPending() || IsRead(m, self) {
			continue
		}
		candidates = append(candidates, m.ID)
	}
	c.mu.Unlock()

	fresh := c.reads.Claim(candidates)
	if len(fresh) == 0 {
		return nil
	}

	payload := MarkReadPayload{ConversationID: c.ref.ID}
	if c.ref.IsGroup() {
		payload.GroupID = c.ref.GroupID
	} else {
		payload.TargetUserID = c.ref.PeerID
	}
	if len(fresh) == 1 {
		payload.MessageID = fresh[0]
	} else {
		payload.MessageIDs = fresh
	}
	if err := c.deps.bus.Emit(ctx, EventMessageRead, payload, nil); err != nil {
		c.reads.Release(fresh)
		return err
	}

	c.mu.Lock()
	tl := c.timeline
	for _, id := range fresh {
		tl, _ = tl.Update(id, func(m Message) Message { return MarkRead(m, self) })
	}
	c.timeline = tl
	c.mu.Unlock()

	c.log.Debug("marked read", zap.Int("count", len(fresh)))
	c.persistIDs(tl, fresh...)
	if c.deps.onRead != nil {
		c.deps.onRead(c.ref.ID)
	}
	c.notify()
	return nil
}

// Keystroke reports local input for the typing indicator.
func (c *Conversation) Keystroke() {
	c.local.Keystroke()
}

// LoadOlder fetches the next page of history and returns how many messages
// it added.
func (c *Conversation) LoadOlder(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrConversationClosed
	}
	cursor, hasMore := c.cursor, c.hasMore
	c.mu.Unlock()
	if c.deps.history == nil || !hasMore {
		return 0, nil
	}

	page, err := c.deps.history.Page(ctx, c.ref.ID, cursor, c.deps.pageSize)
	if err != nil {
		return 0, fmt.Errorf("load older: %w", err)
	}
	c.persist(page.Messages...)

	c.mu.Lock()
	before := c.timeline.Len()
	c.timeline = c.timeline.Seed(c.visible(page.Messages))
	added := c.timeline.Len() - before
	c.cursor = page.NextCursor
	c.hasMore = page.HasMore
	c.mu.Unlock()

	if added > 0 {
		c.notify()
	}
	return added, nil
}

// Close unsubscribes from the bus and cancels typing timers. A typing:stop
// still owed for this conversation is sent before Close returns.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.active = false
	c.mu.Unlock()

	c.scope.Close()
	c.local.Close()
	c.remote.Close()

	c.notifyMu.Lock()
	c.mu.Lock()
	c.observers = make(map[uint64]func(Snapshot))
	c.mu.Unlock()
	c.notifyMu.Unlock()

	c.log.Info("closed")
	if c.deps.onClose != nil {
		c.deps.onClose(c)
	}
}

// setActive marks the conversation as on screen. Re-entering it forgets
// which reads were already acknowledged so MarkAllRead resends any that the
// server may have missed.
func (c *Conversation) setActive(active bool) {
	c.mu.Lock()
	entered := active && !c.active && !c.closed
	c.active = active && !c.closed
	c.mu.Unlock()
	if entered {
		c.reads.Reset()
	}
}

// ============================================================================
// Queries
// ============================================================================

// Ref returns the conversation's addressing.
func (c *Conversation) Ref() ConversationRef { return c.ref }

// Timeline returns the current immutable timeline.
func (c *Conversation) Timeline() *Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeline
}

// Messages returns the visible messages in display order.
func (c *Conversation) Messages() []Message {
	return c.Timeline().Messages()
}

// Status returns the display status of message id as seen by this user.
func (c *Conversation) Status(id string) (DisplayStatus, bool) {
	m, ok := c.Timeline().Get(id)
	if !ok {
		return StatusNone, false
	}
	return Status(m, c.deps.selfID), true
}

// Typing returns the other participants currently typing.
func (c *Conversation) Typing() []string {
	return c.remote.Actors()
}

// HasMore reports whether older history can be loaded.
func (c *Conversation) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// Observe registers fn to receive a snapshot after every change and returns
// a function that unregisters it. fn runs with notifications serialized and
// must not call Observe or Close.
func (c *Conversation) Observe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Conversation) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if len(c.observers) == 0 {
		c.mu.Unlock()
		return
	}
	snap := Snapshot{Messages: c.timeline.Messages()}
	observers := make([]func(Snapshot), 0, len(c.observers))
	for i := uint64(0); i < c.nextObs; i++ {
		if fn, ok := c.observers[i]; ok {
			observers = append(observers, fn)
		}
	}
	c.mu.Unlock()

	snap.Typing = c.remote.Actors()
	for _, fn := range observers {
		fn(snap)
	}
}

// ============================================================================
// Typing
// ============================================================================

func (c *Conversation) typingAddress() TypingPayload {
	p := TypingPayload{ConversationID: c.ref.ID}
	if c.ref.IsGroup() {
		p.GroupID = c.ref.GroupID
	} else {
		p.TargetUserID = c.ref.PeerID
	}
	return p
}

func (c *Conversation) emitTyping(event string, payload TypingPayload) error {
	err := c.deps.bus.Emit(context.Background(), event, payload, nil)
	if err != nil {
		c.log.Debug("typing emit failed", zap.String("event", event), zap.Error(err))
	}
	return err
}
