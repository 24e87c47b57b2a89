package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomcast/backend/internal/auth"
	"github.com/roomcast/backend/internal/chat"
	"github.com/roomcast/backend/internal/invites"
	"github.com/roomcast/backend/internal/models"
	"github.com/roomcast/backend/internal/repositories"
	"github.com/roomcast/backend/internal/rooms"
	"github.com/roomcast/backend/internal/sessions"
	"github.com/roomcast/backend/internal/signaling"
)

type testEnv struct {
	server  *httptest.Server
	hub     *Hub
	rooms   *rooms.Service
	invites *invites.Service
	tokens  *auth.Manager
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

func newTestEnv(t *testing.T, limiter Limiter) *testEnv {
	t.Helper()

	store := repositories.NewMemoryStore()
	roomSvc := rooms.NewService(store, nil, nil)
	hub := NewHub(sessions.NewRegistry(nil), nil).WithRoomGate(roomSvc)
	chatSvc := chat.NewService(chat.Deps{
		Rooms:    roomSvc,
		Messages: store.Messages(),
		Router:   signaling.NewRouter(hub.Sessions(), hub, nil),
		Delivery: hub,
	})
	tokens := auth.NewManager("secret", "roomcast", time.Hour)

	handler := NewHandler(Options{
		Hub:     hub,
		Tokens:  tokens,
		Rooms:   roomSvc,
		Chat:    chatSvc,
		Limiter: limiter,
	})
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &testEnv{
		server:  server,
		hub:     hub,
		rooms:   roomSvc,
		invites: invites.NewService(invites.Options{Store: store, Delivery: hub}),
		tokens:  tokens,
	}
}

type received struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Data   json.RawMessage `json:"data"`
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, _, err := e.tokens.Issue(auth.Identity{UserID: userID, DisplayName: strings.ToUpper(userID)})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	expectFrame(t, conn, FrameWelcome)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// expectFrame reads until a frame of the given type arrives.
func expectFrame(t *testing.T, conn *websocket.Conn, frameType string) received {
	t.Helper()
	for i := 0; i < 10; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame received
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %s: %v", frameType, err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return received{}
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var frame received
	if err := conn.ReadJSON(&frame); err == nil {
		t.Fatalf("expected no frame got %s", frame.Type)
	}
}

func errorCodeOf(t *testing.T, frame received) string {
	t.Helper()
	var data errorData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	return data.Code
}

// drain returns the types of every frame that arrives before the line goes quiet.
func drain(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	var types []string
	for {
		_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		var frame received
		if err := conn.ReadJSON(&frame); err != nil {
			return types
		}
		types = append(types, frame.Type)
	}
}

// privateRoomWithMember creates alice's private room and lets bob in through an accepted invite.
func (e *testEnv) privateRoomWithMember(t *testing.T) models.Room {
	t.Helper()
	ctx := context.Background()
	room, err := e.rooms.CreateGroup(ctx, "alice", rooms.GroupSpec{Name: "Secret", Private: true})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	invite, _, err := e.invites.CreateForRoom(ctx, "alice", room.ID, "bob", "")
	if err != nil {
		t.Fatalf("invite bob: %v", err)
	}
	if _, _, err := e.invites.Accept(ctx, invite.ID, "bob"); err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	return room
}

func (e *testEnv) subscribe(t *testing.T, conn *websocket.Conn, roomID string) {
	t.Helper()
	send(t, conn, map[string]any{"type": FrameSubscribe, "roomId": roomID})
	expectFrame(t, conn, FrameSubscribed)
}

func TestHandshakeRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %v", resp)
	}
}

func TestChatMessageReachesSubscribers(t *testing.T) {
	env := newTestEnv(t, nil)
	room, err := env.rooms.CreateGroup(context.Background(), "alice", rooms.GroupSpec{Name: "Lobby"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	env.subscribe(t, alice, room.ID)
	env.subscribe(t, bob, room.ID)
	if got := env.hub.Subscribers(room.ID); got != 2 {
		t.Fatalf("expected 2 subscribers got %d", got)
	}

	send(t, alice, map[string]any{"type": FrameChatSend, "roomId": room.ID, "data": map[string]string{"content": "hello"}})

	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := expectFrame(t, conn, chat.FrameMessage)
		var message models.ChatMessage
		if err := json.Unmarshal(frame.Data, &message); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if message.Content != "hello" || message.SenderID != "alice" {
			t.Fatalf("unexpected message %+v", message)
		}
	}
}

func TestSubscribeIsGated(t *testing.T) {
	env := newTestEnv(t, nil)
	room, err := env.rooms.CreateGroup(context.Background(), "alice", rooms.GroupSpec{Name: "Secret", Private: true})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	bob := env.dial(t, "bob")
	send(t, bob, map[string]any{"type": FrameSubscribe, "roomId": room.ID})

	frame := expectFrame(t, bob, FrameError)
	if code := errorCodeOf(t, frame); code != CodeForbidden {
		t.Fatalf("expected forbidden got %s", code)
	}
	if env.hub.Subscribers(room.ID) != 0 {
		t.Fatal("expected no subscribers")
	}
}

func TestSignalUnicastsToRegisteredTarget(t *testing.T) {
	env := newTestEnv(t, nil)
	room, err := env.rooms.CreateGroup(context.Background(), "alice", rooms.GroupSpec{Name: "Lobby"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	carol := env.dial(t, "carol")
	for _, conn := range []*websocket.Conn{alice, bob, carol} {
		env.subscribe(t, conn, room.ID)
	}

	send(t, alice, map[string]any{"type": signaling.FrameSignal, "roomId": room.ID, "to": "bob", "data": map[string]string{"sdp": "offer"}})

	frame := expectFrame(t, bob, signaling.FrameSignal)
	if frame.From != "alice" || frame.To != "bob" {
		t.Fatalf("unexpected signal frame %+v", frame)
	}
	expectSilence(t, carol)

	send(t, alice, map[string]any{"type": signaling.FrameSignal, "roomId": room.ID, "to": "dave"})
	expectFrame(t, carol, signaling.FrameSignal)
}

func TestRateLimitedFrames(t *testing.T) {
	env := newTestEnv(t, denyAll{})
	alice := env.dial(t, "alice")

	send(t, alice, map[string]any{"type": FrameRegister})
	frame := expectFrame(t, alice, FrameError)
	if code := errorCodeOf(t, frame); code != CodeRateLimited {
		t.Fatalf("expected rate_limited got %s", code)
	}
}

func TestMalformedAndInvalidFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t, "alice")

	if err := alice.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := errorCodeOf(t, expectFrame(t, alice, FrameError)); code != CodeBadRequest {
		t.Fatalf("expected bad_request got %s", code)
	}

	send(t, alice, map[string]any{"type": "teleport", "roomId": "r1"})
	if code := errorCodeOf(t, expectFrame(t, alice, FrameError)); code != CodeBadRequest {
		t.Fatalf("expected bad_request for unknown type got %s", code)
	}

	send(t, alice, map[string]any{"type": FrameChatSend})
	if code := errorCodeOf(t, expectFrame(t, alice, FrameError)); code != CodeBadRequest {
		t.Fatalf("expected bad_request for missing room got %s", code)
	}

	send(t, alice, map[string]any{"type": FrameRegister})
	expectFrame(t, alice, FrameRegistered)
}

func TestHostDisconnectStopsShare(t *testing.T) {
	env := newTestEnv(t, nil)
	room, err := env.rooms.CreateGroup(context.Background(), "alice", rooms.GroupSpec{Name: "Lobby"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	env.subscribe(t, alice, room.ID)
	env.subscribe(t, bob, room.ID)

	send(t, alice, map[string]any{"type": chat.FrameShareStart, "roomId": room.ID, "data": map[string]string{"title": "deck"}})
	expectFrame(t, bob, chat.FrameShareStart)

	_ = alice.Close()

	frame := expectFrame(t, bob, chat.FrameShareStop)
	var session models.ScreenShareSession
	if err := json.Unmarshal(frame.Data, &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.Status != models.ShareStatusCancelled {
		t.Fatalf("expected cancelled session got %s", session.Status)
	}
}

func TestHubUnicastRequiresRegistration(t *testing.T) {
	hub := NewHub(nil, nil)
	err := hub.Unicast("ghost", models.Frame{Type: "invite"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected got %v", err)
	}
	if err := hub.Broadcast("empty", models.Frame{Type: "chat.message"}); err != nil {
		t.Fatalf("broadcast to empty room: %v", err)
	}
}

func TestRevokedMembersStopReceivingRoomTraffic(t *testing.T) {
	cases := []struct {
		name string
		// revoke changes the room so that bob may no longer act on it.
		revoke func(env *testEnv, roomID string) error
		// delivered reports whether alice may still act after the change.
		delivered bool
	}{
		{
			name: "member leaves",
			revoke: func(env *testEnv, roomID string) error {
				_, err := env.rooms.Leave(context.Background(), roomID, "bob")
				return err
			},
			delivered: true,
		},
		{
			name: "creator closes room",
			revoke: func(env *testEnv, roomID string) error {
				_, err := env.rooms.Close(context.Background(), roomID, "alice")
				return err
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			room := env.privateRoomWithMember(t)

			alice := env.dial(t, "alice")
			bob := env.dial(t, "bob")
			env.subscribe(t, alice, room.ID)
			env.subscribe(t, bob, room.ID)

			if err := tc.revoke(env, room.ID); err != nil {
				t.Fatalf("revoke: %v", err)
			}

			actions := []struct {
				frame  map[string]any
				expect string
			}{
				{map[string]any{"type": FrameChatSend, "roomId": room.ID, "data": map[string]string{"content": "secret"}}, chat.FrameMessage},
				{map[string]any{"type": chat.FrameShareStart, "roomId": room.ID, "data": map[string]string{"title": "deck"}}, chat.FrameShareStart},
				{map[string]any{"type": signaling.FrameSignal, "roomId": room.ID, "to": "carol", "data": map[string]string{"sdp": "offer"}}, signaling.FrameSignal},
			}
			for _, action := range actions {
				send(t, alice, action.frame)
				if tc.delivered {
					expectFrame(t, alice, action.expect)
				} else {
					expectFrame(t, alice, FrameError)
				}
			}
			if err := env.hub.Broadcast(room.ID, models.Frame{Type: chat.FrameShareStop, From: "alice"}); err != nil {
				t.Fatalf("broadcast: %v", err)
			}

			for _, frameType := range drain(t, bob) {
				if frameType != FrameUnsubscribed {
					t.Fatalf("expected bob to receive nothing but %s got %s", FrameUnsubscribed, frameType)
				}
			}

			want := 0
			if tc.delivered {
				want = 1
			}
			if got := env.hub.Subscribers(room.ID); got != want {
				t.Fatalf("expected %d subscribers got %d", want, got)
			}
		})
	}
}
