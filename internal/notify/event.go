// Package notify fans room activity out to external notification systems.
// Delivery is best-effort: nothing in this package reports failures to the
// operation that produced the event.
package notify

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// EventType names a domain event.
type EventType string

const (
	EventMessageSent     EventType = "chat.message.sent"
	EventUserJoined      EventType = "chat.user.joined"
	EventUserLeft        EventType = "chat.user.left"
	EventInviteSent      EventType = "chat.invite.sent"
	EventInviteAccepted  EventType = "chat.invite.accepted"
	EventInviteDeclined  EventType = "chat.invite.declined"
	EventInviteCancelled EventType = "chat.invite.cancelled"
	EventShareStarted    EventType = "screenshare.session.started"
	EventShareEnded      EventType = "screenshare.session.ended"
)

// PreviewLength bounds the message excerpt carried by events.
const PreviewLength = 100

// Event carries enough context for an external system to render a notification.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"eventType"`
	Subject    string    `json:"subject"`
	Time       time.Time `json:"eventTime"`
	RoomID     string    `json:"roomId,omitempty"`
	RoomName   string    `json:"roomName,omitempty"`
	RoomType   string    `json:"roomType,omitempty"`
	ActorID    string    `json:"actorId,omitempty"`
	InviteID   string    `json:"inviteId,omitempty"`
	MessageID  string    `json:"messageId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	Preview    string    `json:"preview,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
}

// NewEvent stamps a new event scoped to roomID.
func NewEvent(t EventType, roomID, actorID string, now time.Time) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    t,
		Subject: "chat/room/" + roomID,
		Time:    now.UTC(),
		RoomID:  roomID,
		ActorID: actorID,
	}
}

// WithRecipients sets recipients to members minus the actor.
func (e Event) WithRecipients(members []string) Event {
	e.Recipients = lo.Without(members, e.ActorID)
	return e
}

// Preview truncates s to at most n runes.
func Preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// Notifier is the fire-and-forget interface the core talks to.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Sink delivers a single event to one external system.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
