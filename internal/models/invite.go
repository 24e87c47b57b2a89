package models

import (
	"fmt"
	"time"
)

// DefaultInviteTTL is how long an invite stays pending before it expires.
const DefaultInviteTTL = 7 * 24 * time.Hour

func (i *Invite) IsPending() bool {
	return i.Status == InviteStatusPending
}

// IsExpired reports whether the invite deadline has passed at now.
func (i *Invite) IsExpired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

func (i *Invite) Accept(now time.Time) error  { return i.respond(InviteStatusAccepted, now) }
func (i *Invite) Decline(now time.Time) error { return i.respond(InviteStatusDeclined, now) }
func (i *Invite) Cancel(now time.Time) error  { return i.respond(InviteStatusCancelled, now) }

// Expire marks an overdue pending invite. RespondedAt stays unset since nobody responded.
func (i *Invite) Expire() error {
	if !i.IsPending() {
		return fmt.Errorf("invite %s is %s: %w", i.ID, i.Status, ErrInvalidState)
	}
	i.Status = InviteStatusExpired
	return nil
}

// respond moves a pending invite to a terminal state. Terminal states have no exits.
func (i *Invite) respond(status InviteStatus, now time.Time) error {
	if !i.IsPending() {
		return fmt.Errorf("invite %s is %s: %w", i.ID, i.Status, ErrInvalidState)
	}
	i.Status = status
	t := now
	i.RespondedAt = &t
	return nil
}
