package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Client to coordinator message types.
const (
	TypeUserJoin         = "userJoin"
	TypeUserUpdate       = "userUpdate"
	TypeUserLeave        = "userLeave"
	TypeHeartbeat        = "heartbeat"
	TypeWhiteboardUpdate = "excalidrawUpdate"
	TypeCursorUpdate     = "cursorUpdate"
)

// Coordinator to client message types. Whiteboard and cursor relays reuse
// the inbound type names.
const (
	TypeRoomState = "roomState"
	TypeError     = "error"
)

// Websocket close codes used when the coordinator shuts a channel down.
const (
	CloseCodeNormal  = 1000
	CloseCodeTimeout = 1011
)

const defaultWireBuffer = 32

var ErrUnknownMessageType = errors.New("unknown message type")

// TrackState is the media-transport part of a participant record. Session id
// and track names are assigned by the external routing service and announced
// by the participant once its local tracks are pushed.
type TrackState struct {
	AudioEnabled   bool   `json:"audioEnabled"`
	VideoEnabled   bool   `json:"videoEnabled"`
	SessionID      string `json:"sessionId,omitempty"`
	AudioTrackName string `json:"audioTrackName,omitempty"`
	VideoTrackName string `json:"videoTrackName,omitempty"`
}

// TrackStateUpdate is a partial TrackState. Nil fields leave the current
// value unchanged.
type TrackStateUpdate struct {
	AudioEnabled   *bool   `json:"audioEnabled,omitempty"`
	VideoEnabled   *bool   `json:"videoEnabled,omitempty"`
	SessionID      *string `json:"sessionId,omitempty"`
	AudioTrackName *string `json:"audioTrackName,omitempty"`
	VideoTrackName *string `json:"videoTrackName,omitempty"`
}

// Apply merges the non-nil fields into ts.
func (u *TrackStateUpdate) Apply(ts *TrackState) {
	if u.AudioEnabled != nil {
		ts.AudioEnabled = *u.AudioEnabled
	}
	if u.VideoEnabled != nil {
		ts.VideoEnabled = *u.VideoEnabled
	}
	if u.SessionID != nil {
		ts.SessionID = *u.SessionID
	}
	if u.AudioTrackName != nil {
		ts.AudioTrackName = *u.AudioTrackName
	}
	if u.VideoTrackName != nil {
		ts.VideoTrackName = *u.VideoTrackName
	}
}

type UserInfo struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Joined bool       `json:"joined"`
	Tracks TrackState `json:"tracks"`
}

type MeetingState struct {
	MeetingID          string     `json:"meetingId"`
	Users              []UserInfo `json:"users"`
	WhiteboardElements []Element  `json:"whiteboardElements,omitempty"`
}

// ClientMessage is the tagged union carried client to coordinator. Which
// fields are meaningful depends on Type.
type ClientMessage struct {
	Type string `json:"type"`

	// userJoin and cursorUpdate
	Name string `json:"name,omitempty"`

	// userUpdate
	User *TrackStateUpdate `json:"user,omitempty"`

	// excalidrawUpdate
	Elements []Element       `json:"elements,omitempty"`
	AppState json.RawMessage `json:"appState,omitempty"`

	// cursorUpdate
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Tool   string  `json:"tool,omitempty"`
	Button string  `json:"button,omitempty"`
}

// DecodeClientMessage parses a raw signaling frame. A payload that is not
// valid JSON or carries an unrecognized type is a decode error; the caller
// replies with an error message and leaves room state alone.
func DecodeClientMessage(b []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	switch msg.Type {
	case TypeUserJoin, TypeUserUpdate, TypeUserLeave, TypeHeartbeat,
		TypeWhiteboardUpdate, TypeCursorUpdate:
		return &msg, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
}

// ServerMessage is the tagged union carried coordinator to client.
type ServerMessage struct {
	Type string `json:"type"`

	// roomState
	State *MeetingState `json:"state,omitempty"`

	// excalidrawUpdate relay
	Elements []Element       `json:"elements,omitempty"`
	AppState json.RawMessage `json:"appState,omitempty"`

	// relays: id of the originating participant
	From string `json:"from,omitempty"`

	// cursorUpdate relay
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Name   string  `json:"name,omitempty"`
	Tool   string  `json:"tool,omitempty"`
	Button string  `json:"button,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Wire is the outbound half of one signaling channel. The coordinator pushes
// server messages into TX; the websocket layer drains it. Close carries the
// reason down to the transport so the socket can be shut with a meaningful
// close frame. Closing never closes TX itself, senders stay safe.
type Wire struct {
	TX chan ServerMessage

	once   sync.Once
	done   chan struct{}
	code   int
	reason string
}

func NewWire() *Wire {
	return &Wire{
		TX:   make(chan ServerMessage, defaultWireBuffer),
		done: make(chan struct{}),
	}
}

func (w *Wire) Close(code int, reason string) {
	w.once.Do(func() {
		w.code = code
		w.reason = reason
		close(w.done)
	})
}

func (w *Wire) Done() <-chan struct{} {
	return w.done
}

// CloseInfo returns the code and reason set by the first Close call. Valid
// only after Done is signalled.
func (w *Wire) CloseInfo() (int, string) {
	return w.code, w.reason
}
