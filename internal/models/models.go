package models

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/samber/lo"
)

// User is the local projection of an externally managed identity.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RoomType governs the join and visibility policy of a room.
type RoomType string

const (
	RoomTypePublic  RoomType = "PUBLIC"
	RoomTypePrivate RoomType = "PRIVATE"
	RoomTypeDirect  RoomType = "DIRECT"
	RoomTypeGroup   RoomType = "GROUP"
)

// Valid reports whether t is a known room type.
func (t RoomType) Valid() bool {
	switch t {
	case RoomTypePublic, RoomTypePrivate, RoomTypeDirect, RoomTypeGroup:
		return true
	}
	return false
}

// DirectRoomCapacity is the fixed size of a direct conversation.
const DirectRoomCapacity = 2

// UserSet is an unordered set of user identifiers.
type UserSet map[string]struct{}

// NewUserSet builds a set from the provided identifiers.
func NewUserSet(ids ...string) UserSet {
	s := make(UserSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s UserSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s UserSet) Sorted() []string {
	ids := lo.Keys(s)
	slices.Sort(ids)
	return ids
}

func (s UserSet) Clone() UserSet {
	out := make(UserSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s UserSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of identifiers into the set.
func (s *UserSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewUserSet(ids...)
	return nil
}

// Room is a named conversation container. Its ID is assigned when it is first saved.
type Room struct {
	ID             string    `json:"id"`
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Type           RoomType  `json:"type"`
	CreatedBy      string    `json:"createdBy"`
	Members        UserSet   `json:"members"`
	Admins         UserSet   `json:"admins"`
	IsActive       bool      `json:"isActive"`
	MaxMembers     int       `json:"maxMembers,omitempty"`
	IconURL        string    `json:"iconUrl,omitempty"`
	DirectKey      string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// InviteStatus tracks the lifecycle of an invitation.
type InviteStatus string

const (
	InviteStatusPending   InviteStatus = "PENDING"
	InviteStatusAccepted  InviteStatus = "ACCEPTED"
	InviteStatusDeclined  InviteStatus = "DECLINED"
	InviteStatusCancelled InviteStatus = "CANCELLED"
	InviteStatusExpired   InviteStatus = "EXPIRED"
)

// Invite binds an inviter, an invited user and a room for a bounded lifetime.
type Invite struct {
	ID            string       `json:"id"`
	RoomID        string       `json:"roomId"`
	InvitedUserID string       `json:"invitedUserId"`
	InviterID     string       `json:"inviterId"`
	Status        InviteStatus `json:"status"`
	Message       string       `json:"message,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	ExpiresAt     time.Time    `json:"expiresAt"`
	RespondedAt   *time.Time   `json:"respondedAt,omitempty"`
}

// MessageType classifies chat message content.
type MessageType string

const (
	MessageTypeText         MessageType = "TEXT"
	MessageTypeImage        MessageType = "IMAGE"
	MessageTypeFile         MessageType = "FILE"
	MessageTypeVideo        MessageType = "VIDEO"
	MessageTypeAudio        MessageType = "AUDIO"
	MessageTypeSystem       MessageType = "SYSTEM"
	MessageTypeAnnouncement MessageType = "ANNOUNCEMENT"
	MessageTypeCode         MessageType = "CODE"
	MessageTypeLink         MessageType = "LINK"
)

// ParseMessageType maps free-form input onto a known type, defaulting to TEXT.
func ParseMessageType(raw string) MessageType {
	switch t := MessageType(raw); t {
	case MessageTypeImage, MessageTypeFile, MessageTypeVideo, MessageTypeAudio,
		MessageTypeSystem, MessageTypeAnnouncement, MessageTypeCode, MessageTypeLink:
		return t
	}
	return MessageTypeText
}

// Attachment describes an uploaded object referenced by a message.
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// ChatMessage is a persisted room message. ReplyTo holds the referenced message ID only.
type ChatMessage struct {
	ID         string      `json:"id"`
	RoomID     string      `json:"roomId"`
	SenderID   string      `json:"senderId"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	ReplyTo    string      `json:"replyTo,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Edited     bool        `json:"edited"`
	EditedAt   *time.Time  `json:"editedAt,omitempty"`
	Deleted    bool        `json:"deleted"`
	DeletedAt  *time.Time  `json:"deletedAt,omitempty"`
	ReadBy     UserSet     `json:"readBy"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// ShareStatus tracks a screen-share session.
type ShareStatus string

const (
	ShareStatusWaiting   ShareStatus = "WAITING"
	ShareStatusActive    ShareStatus = "ACTIVE"
	ShareStatusPaused    ShareStatus = "PAUSED"
	ShareStatusEnded     ShareStatus = "ENDED"
	ShareStatusCancelled ShareStatus = "CANCELLED"
)

// ScreenShareSession is the lightweight record of one host sharing into a room.
type ScreenShareSession struct {
	ID           string      `json:"sessionId"`
	RoomID       string      `json:"roomId"`
	HostUserID   string      `json:"hostUserId"`
	Title        string      `json:"title,omitempty"`
	Status       ShareStatus `json:"status"`
	Participants UserSet     `json:"participants"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	EndedAt      *time.Time  `json:"endedAt,omitempty"`
	Duration     int64       `json:"durationSeconds,omitempty"`
}

// Live reports whether the session still occupies its room.
func (s ScreenShareSession) Live() bool {
	return s.Status == ShareStatusWaiting || s.Status == ShareStatusActive || s.Status == ShareStatusPaused
}
