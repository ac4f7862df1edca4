package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType categorizes events in a conversation log.
type EventType string

const (
	// Content events
	EventTypeMessage  EventType = "message"
	EventTypeReaction EventType = "reaction"
	EventTypeSticker  EventType = "sticker"

	// Conversation lifecycle events
	EventTypeConversationCreate EventType = "conversation.create"
	EventTypeConversationName   EventType = "conversation.name"
	EventTypeConversationTopic  EventType = "conversation.topic"

	// Member events
	EventTypeMembership    EventType = "member.change"
	EventTypeProfileChange EventType = "member.profile"
)

// RelationKind identifies how an event relates to a target event.
type RelationKind string

const (
	RelationEdit      RelationKind = "edit"
	RelationReaction  RelationKind = "reaction"
	RelationRedaction RelationKind = "redaction"
)

// Relation links an event to the event it modifies.
type Relation struct {
	// TargetID is the ID of the event this one relates to.
	TargetID string `json:"target_id"`

	// Kind is the relation kind.
	Kind RelationKind `json:"kind"`
}

// SendStatus tracks delivery of locally originated events.
type SendStatus string

const (
	SendStatusPending SendStatus = "pending"
	SendStatusSent    SendStatus = "sent"
	SendStatusFailed  SendStatus = "failed"
)

// Event is one entry in a conversation's append-only log. Events are
// immutable once received; a redaction removes an event from the
// materialized view but never rewrites it in place.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is the server-assigned event time.
	Timestamp time.Time `json:"timestamp"`

	// Sender is the user ID that originated the event.
	Sender string `json:"sender"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Relation is set when this event modifies another event.
	Relation *Relation `json:"relation,omitempty"`

	// Encrypted reports whether Content is still ciphertext.
	Encrypted bool `json:"encrypted,omitempty"`

	// DecryptFailed marks an event whose ciphertext could not be opened.
	// The event keeps its place in the timeline.
	DecryptFailed bool `json:"decrypt_failed,omitempty"`

	// SendStatus is set for locally originated events only.
	SendStatus SendStatus `json:"send_status,omitempty"`

	// Content is the event body. Ciphertext while Encrypted is true.
	Content json.RawMessage `json:"content,omitempty"`
}

// RelatesTo returns the relation target ID and kind, or ok=false when the
// event carries no relation.
func (e *Event) RelatesTo() (target string, kind RelationKind, ok bool) {
	if e == nil || e.Relation == nil {
		return "", "", false
	}
	target = strings.TrimSpace(e.Relation.TargetID)
	if target == "" {
		return "", "", false
	}
	return target, e.Relation.Kind, true
}

// IsEdit reports whether the event replaces the content of another event.
func (e *Event) IsEdit() bool {
	_, kind, ok := e.RelatesTo()
	return ok && kind == RelationEdit
}

// IsReaction reports whether the event is a reaction to another event.
func (e *Event) IsReaction() bool {
	if e == nil {
		return false
	}
	if e.Type == EventTypeReaction {
		return true
	}
	_, kind, ok := e.RelatesTo()
	return ok && kind == RelationReaction
}

// IsRedaction reports whether the event redacts another event.
func (e *Event) IsRedaction() bool {
	_, kind, ok := e.RelatesTo()
	return ok && kind == RelationRedaction
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	if e.Relation != nil {
		rel := *e.Relation
		out.Relation = &rel
	}
	if e.Content != nil {
		out.Content = append(json.RawMessage(nil), e.Content...)
	}
	return out
}

// MessageContent is the decrypted body of a message event.
type MessageContent struct {
	Body string `json:"body"`

	// Format is an optional body format hint ("plain", "markdown").
	Format string `json:"format,omitempty"`
}

// ReactionContent is the body of a reaction event.
type ReactionContent struct {
	Key string `json:"key"`
}

// MembershipContent is the body of a member.change event.
type MembershipContent struct {
	Action string `json:"action"` // join, leave, invite, ban, kick
	UserID string `json:"user_id"`
}

// ProfileContent is the body of a member.profile event.
type ProfileContent struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
