// Package signaling routes peer-to-peer signaling envelopes to a single
// connection when the target is registered and to the whole room otherwise.
package signaling

import (
	"context"
	"log/slog"

	"github.com/roomcast/backend/internal/logging"
	"github.com/roomcast/backend/internal/models"
)

// FrameSignal is the outbound frame type for relayed envelopes.
const FrameSignal = "signal"

// Delivery moves frames to clients. Broadcast targets a room topic and
// Unicast a single user's registered connection.
type Delivery interface {
	Broadcast(roomID string, frame models.Frame) error
	Unicast(userID string, frame models.Frame) error
}

// ConnectionLookup resolves a user to its registered connection.
type ConnectionLookup interface {
	LookupConnection(userID string) (string, bool)
}

// Outcome reports how an envelope left the router.
type Outcome string

const (
	OutcomeUnicast   Outcome = "unicast"
	OutcomeBroadcast Outcome = "broadcast"
	// OutcomeFallback is a broadcast after a unicast lookup miss or delivery failure.
	OutcomeFallback Outcome = "fallback"
)

type Router struct {
	sessions ConnectionLookup
	delivery Delivery
	logger   *slog.Logger
}

func NewRouter(sessions ConnectionLookup, delivery Delivery, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sessions: sessions,
		delivery: delivery,
		logger:   logger.With(slog.String("module", "signaling")),
	}
}

// Route delivers env and never fails the caller: a unicast that cannot be
// completed degrades to a room broadcast.
func (r *Router) Route(ctx context.Context, env models.Envelope) Outcome {
	frame := models.Frame{
		Type:   FrameSignal,
		RoomID: env.RoomID,
		From:   env.From,
		To:     env.To,
		Data:   env,
	}

	if env.IsBroadcast() {
		r.broadcast(ctx, frame)
		return OutcomeBroadcast
	}

	if _, ok := r.sessions.LookupConnection(env.To); ok {
		err := r.delivery.Unicast(env.To, frame)
		if err == nil {
			return OutcomeUnicast
		}
		logging.FromContext(ctx).Debug("signal unicast failed, broadcasting", "roomId", env.RoomID, "to", env.To, "error", err)
	} else {
		logging.FromContext(ctx).Debug("signal target not registered, broadcasting", "roomId", env.RoomID, "to", env.To)
	}

	r.broadcast(ctx, frame)
	return OutcomeFallback
}

func (r *Router) broadcast(ctx context.Context, frame models.Frame) {
	if err := r.delivery.Broadcast(frame.RoomID, frame); err != nil {
		r.logger.Warn("signal broadcast failed", "roomId", frame.RoomID, "type", frame.Type, "error", err, "requestId", logging.RequestIDFromContext(ctx))
	}
}
