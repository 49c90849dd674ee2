package model

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeClientMessage(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"userJoin","name":"alice"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type != TypeUserJoin {
		t.Errorf("got type %q want %q", msg.Type, TypeUserJoin)
	}
	if msg.Name != "alice" {
		t.Errorf("got name %q want %q", msg.Name, "alice")
	}
}

func TestDecodeClientMessageUnknownType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"selfDestruct"}`))
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("got %v want ErrUnknownMessageType", err)
	}
}

func TestDecodeClientMessageMalformed(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":`))
	if err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestTrackStateUpdateApply(t *testing.T) {
	ts := TrackState{
		AudioEnabled:   true,
		VideoEnabled:   true,
		SessionID:      "sess-1",
		AudioTrackName: "audio-1",
	}
	video := false
	name := "video-1"
	u := TrackStateUpdate{
		VideoEnabled:   &video,
		VideoTrackName: &name,
	}
	u.Apply(&ts)

	if !ts.AudioEnabled {
		t.Error("audioEnabled must stay untouched")
	}
	if ts.VideoEnabled {
		t.Error("videoEnabled must be overwritten")
	}
	if ts.SessionID != "sess-1" {
		t.Errorf("got sessionId %q want %q", ts.SessionID, "sess-1")
	}
	if ts.VideoTrackName != "video-1" {
		t.Errorf("got videoTrackName %q want %q", ts.VideoTrackName, "video-1")
	}
}

func TestElementRoundTripKeepsUnknownFields(t *testing.T) {
	in := []byte(`{"id":"e1","version":7,"type":"rectangle","points":[[0,0],[1,2]]}`)

	var el Element
	if err := json.Unmarshal(in, &el); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if el.ID != "e1" || el.Version != 7 || el.Deleted {
		t.Errorf("bad projection: %+v", el)
	}

	out, err := json.Marshal(el)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("got %s want %s", out, in)
	}
}

func TestElementDeletedProjection(t *testing.T) {
	var el Element
	if err := json.Unmarshal([]byte(`{"id":"e2","version":3,"isDeleted":true}`), &el); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !el.Deleted {
		t.Error("isDeleted must project into Deleted")
	}
}

func TestElementSupersedes(t *testing.T) {
	for _, tc := range []struct {
		name     string
		incoming int64
		stored   int64
		want     bool
	}{
		{"greater wins", 5, 4, true},
		{"equal keeps stored", 4, 4, false},
		{"lower keeps stored", 3, 4, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := NewElement("e1", tc.incoming).Supersedes(NewElement("e1", tc.stored))
			if got != tc.want {
				t.Errorf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestWireCloseOnce(t *testing.T) {
	w := NewWire()
	w.Close(CloseCodeTimeout, "heartbeat timeout")
	w.Close(CloseCodeNormal, "user left")

	select {
	case <-w.Done():
	default:
		t.Fatal("wire must be done after close")
	}

	code, reason := w.CloseInfo()
	if code != CloseCodeTimeout || reason != "heartbeat timeout" {
		t.Errorf("got (%d, %q) want first close to win", code, reason)
	}
}
