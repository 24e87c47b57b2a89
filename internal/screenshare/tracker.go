// Package screenshare tracks the live screen-share session of each room.
package screenshare

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roomcast/backend/internal/models"
)

// Tracker holds at most one live session per room.
type Tracker struct {
	mu     sync.Mutex
	byRoom map[string]*models.ScreenShareSession
	now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		byRoom: make(map[string]*models.ScreenShareSession),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func snapshot(s *models.ScreenShareSession) models.ScreenShareSession {
	out := *s
	out.Participants = s.Participants.Clone()
	return out
}

// Start opens a session for hostID. The same host starting again receives the
// existing session with started=false; another host gets ErrInvalidState.
func (t *Tracker) Start(roomID, hostID, title string) (models.ScreenShareSession, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.byRoom[roomID]; ok {
		if current.HostUserID == hostID {
			return snapshot(current), false, nil
		}
		return models.ScreenShareSession{}, false, fmt.Errorf("room %s is already shared by %s: %w", roomID, current.HostUserID, models.ErrInvalidState)
	}

	now := t.now()
	session := &models.ScreenShareSession{
		ID:           uuid.NewString(),
		RoomID:       roomID,
		HostUserID:   hostID,
		Title:        title,
		Status:       models.ShareStatusActive,
		Participants: models.NewUserSet(hostID),
		StartedAt:    &now,
	}
	t.byRoom[roomID] = session
	return snapshot(session), true, nil
}

// Pause suspends the host's active session.
func (t *Tracker) Pause(roomID, actorID string) (models.ScreenShareSession, error) {
	return t.transition(roomID, actorID, models.ShareStatusActive, models.ShareStatusPaused)
}

// Resume reactivates the host's paused session.
func (t *Tracker) Resume(roomID, actorID string) (models.ScreenShareSession, error) {
	return t.transition(roomID, actorID, models.ShareStatusPaused, models.ShareStatusActive)
}

func (t *Tracker) transition(roomID, actorID string, from, to models.ShareStatus) (models.ScreenShareSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.byRoom[roomID]
	if !ok {
		return models.ScreenShareSession{}, fmt.Errorf("no screen share in room %s: %w", roomID, models.ErrNotFound)
	}
	if current.HostUserID != actorID {
		return models.ScreenShareSession{}, fmt.Errorf("only the host controls the share in room %s: %w", roomID, models.ErrForbidden)
	}
	switch current.Status {
	case to:
	case from:
		current.Status = to
	default:
		return models.ScreenShareSession{}, fmt.Errorf("share in room %s is %s: %w", roomID, current.Status, models.ErrInvalidState)
	}
	return snapshot(current), nil
}

// Stop ends the room's session. Only the host or a room admin may stop it.
// stopped is false when there was no live session.
func (t *Tracker) Stop(roomID, actorID string, actorIsAdmin bool) (models.ScreenShareSession, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.byRoom[roomID]
	if !ok {
		return models.ScreenShareSession{}, false, nil
	}
	if current.HostUserID != actorID && !actorIsAdmin {
		return models.ScreenShareSession{}, false, fmt.Errorf("user %s cannot stop the share in room %s: %w", actorID, roomID, models.ErrForbidden)
	}

	t.finishLocked(current, models.ShareStatusEnded)
	return snapshot(current), true, nil
}

// EndHostedBy cancels every session hosted by userID, for example when the
// host disconnects.
func (t *Tracker) EndHostedBy(userID string) []models.ScreenShareSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ended []models.ScreenShareSession
	for _, current := range t.byRoom {
		if current.HostUserID == userID {
			t.finishLocked(current, models.ShareStatusCancelled)
			ended = append(ended, snapshot(current))
		}
	}
	return ended
}

func (t *Tracker) finishLocked(current *models.ScreenShareSession, status models.ShareStatus) {
	now := t.now()
	current.Status = status
	current.EndedAt = &now
	if current.StartedAt != nil {
		current.Duration = int64(now.Sub(*current.StartedAt).Seconds())
	}
	delete(t.byRoom, current.RoomID)
}

// Join records userID as a viewer of the room's live session.
func (t *Tracker) Join(roomID, userID string) (models.ScreenShareSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.byRoom[roomID]
	if !ok {
		return models.ScreenShareSession{}, false
	}
	current.Participants[userID] = struct{}{}
	return snapshot(current), true
}

// Active returns the room's live session, if any.
func (t *Tracker) Active(roomID string) (models.ScreenShareSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.byRoom[roomID]
	if !ok {
		return models.ScreenShareSession{}, false
	}
	return snapshot(current), true
}
