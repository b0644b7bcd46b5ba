package pulse

import (
	"errors"
	"time"
)

const (
	DefaultEditWindow   = 15 * time.Minute
	DefaultDeleteWindow = 1 * time.Hour
)

var (
	ErrMessageNotFound     = errors.New("message not found")
	ErrNotSender           = errors.New("only the sender can change this message")
	ErrEditWindowExpired   = errors.New("edit window expired")
	ErrDeleteWindowExpired = errors.New("delete window expired")
	ErrSystemMessage       = errors.New("system messages cannot be changed")
	ErrMessageDeleted      = errors.New("message already deleted")
	ErrMessagePending      = errors.New("message not confirmed yet")
	ErrEmptyMessage        = errors.New("message has no content or attachments")
)

// Policy gates edits and deletions on the client. The server stays
// authoritative; these checks only keep the UI from offering actions the
// server would reject.
type Policy struct {
	EditWindow   time.Duration
	DeleteWindow time.Duration
}

// DefaultPolicy returns the standard windows.
func DefaultPolicy() Policy {
	return Policy{EditWindow: DefaultEditWindow, DeleteWindow: DefaultDeleteWindow}
}

func (p Policy) mutable(m Message, selfID string) error {
	switch {
	case m.IsSystem():
		return ErrSystemMessage
	case m.SenderID != selfID:
		return ErrNotSender
	case m.IsDeleted():
		return ErrMessageDeleted
	case m.IsPending():
		return ErrMessagePending
	}
	return nil
}

// CanEdit returns nil when selfID may edit m at now.
func (p Policy) CanEdit(m Message, selfID string, now time.Time) error {
	if err := p.mutable(m, selfID); err != nil {
		return err
	}
	if now.Sub(m.Timestamp) > p.EditWindow {
		return ErrEditWindowExpired
	}
	return nil
}

// CanDeleteForEveryone returns nil when selfID may tombstone m at now.
func (p Policy) CanDeleteForEveryone(m Message, selfID string, now time.Time) error {
	if err := p.mutable(m, selfID); err != nil {
		return err
	}
	if now.Sub(m.Timestamp) > p.DeleteWindow {
		return ErrDeleteWindowExpired
	}
	return nil
}
