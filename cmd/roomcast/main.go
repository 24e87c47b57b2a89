// Command roomcast runs the room chat, invite and screen-share backend.
//
// Usage:
//
//	roomcast serve
//	roomcast migrate [up|status]
//	roomcast seed <name>
//	roomcast sweep-invites
//	roomcast token <userID> [display name]
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/roomcast/backend/internal/app"
)

func main() {
	ctx := context.Background()
	if err := app.Run(ctx, os.Args[1:]); err != nil {
		slog.Error("roomcast exited", "error", err)
		os.Exit(1)
	}
}
