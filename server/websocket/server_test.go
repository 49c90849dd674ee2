package websocket

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/webrtc-meet/coordinator"
	"github.com/adwski/webrtc-meet/model"
	"github.com/adwski/webrtc-meet/service"
	"github.com/adwski/webrtc-meet/storage/memory"
)

// testConn wraps one signaling connection with deadline-guarded reads.
type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func newStack(t *testing.T) (*httptest.Server, *coordinator.Coordinator, *memory.MemStore) {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	coord := coordinator.New(coordinator.Config{
		Store:  store,
		Logger: &logger,
	})
	svc := service.NewService(service.Config{Rooms: coord, Logger: &logger})
	srv := NewServer(Config{Logger: &logger, SignalingService: svc})

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, coord, store
}

func dialMeeting(t *testing.T, ts *httptest.Server, meetingID string) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/meetings/" + meetingID + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (tc *testConn) send(v any) {
	tc.t.Helper()
	if err := tc.conn.WriteJSON(v); err != nil {
		tc.t.Fatalf("write failed: %v", err)
	}
}

func (tc *testConn) sendRaw(payload string) {
	tc.t.Helper()
	if err := tc.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		tc.t.Fatalf("write failed: %v", err)
	}
}

func (tc *testConn) recv() model.ServerMessage {
	tc.t.Helper()
	_ = tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg model.ServerMessage
	if err := tc.conn.ReadJSON(&msg); err != nil {
		tc.t.Fatalf("read failed: %v", err)
	}
	return msg
}

func (tc *testConn) recvState() *model.MeetingState {
	tc.t.Helper()
	msg := tc.recv()
	if msg.Type != model.TypeRoomState {
		tc.t.Fatalf("got message type %q want %q", msg.Type, model.TypeRoomState)
	}
	return msg.State
}

// recvClose reads until the peer closes and returns the close code.
func (tc *testConn) recvClose() int {
	tc.t.Helper()
	_ = tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := tc.conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr.Code
		}
		tc.t.Fatalf("connection failed without close frame: %v", err)
	}
}

func TestMeetingSession(t *testing.T) {
	ts, coord, store := newStack(t)
	meetingID := coord.CreateMeeting()

	// Alice joins and sees herself in the roster.
	alice := dialMeeting(t, ts, meetingID)
	alice.send(model.ClientMessage{Type: model.TypeUserJoin, Name: "alice"})
	state := alice.recvState()
	if len(state.Users) != 1 || state.Users[0].Name != "alice" {
		t.Fatalf("unexpected roster: %+v", state.Users)
	}
	aliceID := state.Users[0].ID

	// Bob joins, both get the two-party roster.
	bob := dialMeeting(t, ts, meetingID)
	bob.send(model.ClientMessage{Type: model.TypeUserJoin, Name: "bob"})
	for _, tc := range []*testConn{alice, bob} {
		state = tc.recvState()
		if len(state.Users) != 2 {
			t.Fatalf("unexpected roster: %+v", state.Users)
		}
	}

	// Alice's cursor reaches bob, tagged with her id, and nobody else.
	alice.send(model.ClientMessage{
		Type: model.TypeCursorUpdate,
		Name: "alice", X: 3, Y: 4, Tool: "pen",
	})
	msg := bob.recv()
	if msg.Type != model.TypeCursorUpdate || msg.From != aliceID {
		t.Fatalf("unexpected cursor relay: type=%q from=%q", msg.Type, msg.From)
	}
	if msg.X != 3 || msg.Y != 4 || msg.Name != "alice" {
		t.Errorf("cursor payload mangled: %+v", msg)
	}

	// Whiteboard: alice draws, bob receives the raw element untouched.
	alice.sendRaw(`{"type":"excalidrawUpdate","elements":[{"id":"e1","version":1,"type":"rectangle","width":40}]}`)
	msg = bob.recv()
	if msg.Type != model.TypeWhiteboardUpdate || msg.From != aliceID {
		t.Fatalf("unexpected whiteboard relay: type=%q from=%q", msg.Type, msg.From)
	}
	raw, err := json.Marshal(msg.Elements[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"width":40`) {
		t.Errorf("element fields lost in relay: %s", raw)
	}

	// Bob replays the same version; the stored element must not regress.
	bob.sendRaw(`{"type":"excalidrawUpdate","elements":[{"id":"e1","version":1,"type":"rectangle","width":99}]}`)
	msg = alice.recv()
	if msg.Type != model.TypeWhiteboardUpdate {
		t.Fatalf("got type %q want relay", msg.Type)
	}
	elements := store.Whiteboard(meetingID)
	if len(elements) != 1 || elements[0].Version != 1 {
		t.Fatalf("unexpected stored whiteboard: %+v", elements)
	}
	if raw, err = json.Marshal(elements[0]); err != nil || !strings.Contains(string(raw), `"width":40`) {
		t.Errorf("equal version must keep the first writer: %s", raw)
	}

	// Malformed input gets an error reply on the offending channel only.
	bob.sendRaw(`{"type":"teleport"}`)
	msg = bob.recv()
	if msg.Type != model.TypeError || msg.Error == "" {
		t.Fatalf("unexpected reply to malformed input: %+v", msg)
	}

	// Bob leaves: his socket closes normally, alice sees the shrunken roster.
	bob.send(model.ClientMessage{Type: model.TypeUserLeave})
	if code := bob.recvClose(); code != websocket.CloseNormalClosure {
		t.Errorf("got close code %d want %d", code, websocket.CloseNormalClosure)
	}
	state = alice.recvState()
	if len(state.Users) != 1 || state.Users[0].ID != aliceID {
		t.Fatalf("unexpected roster after leave: %+v", state.Users)
	}

	// Last participant out erases the meeting.
	alice.send(model.ClientMessage{Type: model.TypeUserLeave})
	if code := alice.recvClose(); code != websocket.CloseNormalClosure {
		t.Errorf("got close code %d want %d", code, websocket.CloseNormalClosure)
	}
	deadline := time.Now().Add(2 * time.Second)
	for store.RoomExists(meetingID) {
		if time.Now().After(deadline) {
			t.Fatal("meeting storage was not erased")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAbruptDisconnectCleansUp(t *testing.T) {
	ts, coord, store := newStack(t)
	meetingID := coord.CreateMeeting()

	conn := dialMeeting(t, ts, meetingID)
	conn.send(model.ClientMessage{Type: model.TypeUserJoin, Name: "alice"})
	conn.recvState()

	// Drop the transport without a leave message.
	_ = conn.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for store.RoomExists(meetingID) {
		if time.Now().After(deadline) {
			t.Fatal("meeting storage was not erased after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSignalRejectsMissingMeetingID(t *testing.T) {
	ts, _, _ := newStack(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/meetings//websocket"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial must fail without a meeting id")
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}
