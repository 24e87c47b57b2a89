package models

import (
	"fmt"
	"strings"
	"time"
)

// DirectKey identifies the unordered pair of users behind a direct room.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Persisted reports whether the room has been assigned an identifier by storage.
func (r *Room) Persisted() bool {
	return r.ID != ""
}

// MemberCount is always derived from the member set.
func (r *Room) MemberCount() int {
	return len(r.Members)
}

func (r *Room) IsMember(userID string) bool {
	return r.Members.Has(userID)
}

func (r *Room) IsAdmin(userID string) bool {
	return r.Admins.Has(userID)
}

// IsFull reports whether a capacity is set and reached.
func (r *Room) IsFull() bool {
	return r.MaxMembers > 0 && r.MemberCount() >= r.MaxMembers
}

// Touch records activity on the room.
func (r *Room) Touch(now time.Time) {
	r.LastActivityAt = now
	r.UpdatedAt = now
}

// AddMember joins userID to the room. Existing members are left untouched.
func (r *Room) AddMember(userID string, now time.Time) error {
	if r.Members == nil {
		r.Members = make(UserSet)
	}
	if r.Members.Has(userID) {
		return nil
	}
	if r.IsFull() {
		return fmt.Errorf("room %s is full (%d members): %w", r.ID, r.MaxMembers, ErrInvalidState)
	}
	r.Members[userID] = struct{}{}
	r.Touch(now)
	return nil
}

// RemoveMember drops userID from members and admins. The creator cannot leave.
func (r *Room) RemoveMember(userID string, now time.Time) error {
	if userID == r.CreatedBy {
		return fmt.Errorf("creator cannot leave room %s: %w", r.ID, ErrForbidden)
	}
	if !r.Members.Has(userID) {
		return nil
	}
	delete(r.Members, userID)
	delete(r.Admins, userID)
	r.Touch(now)
	return nil
}

// AddAdmin grants admin rights, joining the user first when needed.
func (r *Room) AddAdmin(userID string, now time.Time) error {
	if err := r.AddMember(userID, now); err != nil {
		return err
	}
	if r.Admins == nil {
		r.Admins = make(UserSet)
	}
	r.Admins[userID] = struct{}{}
	return nil
}

// RemoveAdmin revokes admin rights and keeps membership.
func (r *Room) RemoveAdmin(userID string) {
	delete(r.Admins, userID)
}

func (r *Room) immutable() bool {
	return r.Persisted() && (r.Type == RoomTypePrivate || r.Type == RoomTypeDirect)
}

func (r *Room) SetName(name string) error {
	if name == r.Name {
		return nil
	}
	if r.immutable() {
		return fmt.Errorf("name of %s room %s is immutable: %w", strings.ToLower(string(r.Type)), r.ID, ErrInvalidState)
	}
	r.Name = name
	return nil
}

func (r *Room) SetDescription(description string) error {
	if description == r.Description {
		return nil
	}
	if r.immutable() {
		return fmt.Errorf("description of %s room %s is immutable: %w", strings.ToLower(string(r.Type)), r.ID, ErrInvalidState)
	}
	r.Description = description
	return nil
}

func (r *Room) SetType(t RoomType) error {
	if t == r.Type {
		return nil
	}
	if r.immutable() {
		return fmt.Errorf("type of %s room %s is immutable: %w", strings.ToLower(string(r.Type)), r.ID, ErrInvalidState)
	}
	r.Type = t
	if t == RoomTypeDirect {
		r.MaxMembers = DirectRoomCapacity
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without sharing sets.
func (r Room) Clone() Room {
	r.Members = r.Members.Clone()
	r.Admins = r.Admins.Clone()
	return r
}
