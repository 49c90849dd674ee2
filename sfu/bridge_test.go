package sfu

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/adwski/webrtc-meet/model"
)

type fakeNegotiator struct {
	pulled  [][]RemoteTrack
	stopped []string
}

func (f *fakeNegotiator) PullRemoteTracks(_ context.Context, tracks []RemoteTrack) {
	f.pulled = append(f.pulled, tracks)
}

func (f *fakeNegotiator) StopRemoteStream(peerID string) {
	f.stopped = append(f.stopped, peerID)
}

func newTestBridge() (*Bridge, *fakeNegotiator) {
	logger := zerolog.Nop()
	neg := &fakeNegotiator{}
	return NewBridge(neg, &logger), neg
}

func userWithTracks(id, sessionID, audio, video string) model.UserInfo {
	return model.UserInfo{
		ID:     id,
		Joined: true,
		Tracks: model.TrackState{
			SessionID:      sessionID,
			AudioTrackName: audio,
			VideoTrackName: video,
		},
	}
}

func TestBridgePullsNewTracksOnce(t *testing.T) {
	b, neg := newTestBridge()
	ctx := context.Background()

	state := &model.MeetingState{Users: []model.UserInfo{
		userWithTracks("u1", "sess-1", "audio-a", "video-a"),
	}}
	b.OnRoomState(ctx, state)
	b.OnRoomState(ctx, state) // repeat broadcast, nothing new

	if len(neg.pulled) != 1 {
		t.Fatalf("got %d pull calls want 1", len(neg.pulled))
	}
	want := []RemoteTrack{
		{SessionID: "sess-1", TrackName: "audio-a"},
		{SessionID: "sess-1", TrackName: "video-a"},
	}
	if len(neg.pulled[0]) != len(want) {
		t.Fatalf("got %d tracks want %d", len(neg.pulled[0]), len(want))
	}
	for i, tr := range neg.pulled[0] {
		if tr != want[i] {
			t.Errorf("track %d = %+v want %+v", i, tr, want[i])
		}
	}
}

func TestBridgeSkipsLocalAndUnannounced(t *testing.T) {
	b, neg := newTestBridge()
	b.SetLocalSession("sess-self")

	b.OnRoomState(context.Background(), &model.MeetingState{Users: []model.UserInfo{
		userWithTracks("me", "sess-self", "audio-me", "video-me"),
		{ID: "pending", Joined: true}, // no session announced yet
	}})

	if len(neg.pulled) != 0 {
		t.Errorf("got %d pull calls want 0: %+v", len(neg.pulled), neg.pulled)
	}
}

func TestBridgePullsTracksAsTheyAppear(t *testing.T) {
	b, neg := newTestBridge()
	ctx := context.Background()

	// Peer joins before its tracks are pushed, then announces them.
	b.OnRoomState(ctx, &model.MeetingState{Users: []model.UserInfo{
		{ID: "u1", Joined: true},
	}})
	b.OnRoomState(ctx, &model.MeetingState{Users: []model.UserInfo{
		userWithTracks("u1", "sess-1", "audio-a", ""),
	}})
	b.OnRoomState(ctx, &model.MeetingState{Users: []model.UserInfo{
		userWithTracks("u1", "sess-1", "audio-a", "video-a"),
	}})

	if len(neg.pulled) != 2 {
		t.Fatalf("got %d pull calls want 2", len(neg.pulled))
	}
	if len(neg.pulled[0]) != 1 || neg.pulled[0][0].TrackName != "audio-a" {
		t.Errorf("first pull = %+v want audio only", neg.pulled[0])
	}
	if len(neg.pulled[1]) != 1 || neg.pulled[1][0].TrackName != "video-a" {
		t.Errorf("second pull = %+v want video only", neg.pulled[1])
	}
}

func TestBridgeStopsDepartedPeer(t *testing.T) {
	b, neg := newTestBridge()
	ctx := context.Background()

	b.OnRoomState(ctx, &model.MeetingState{Users: []model.UserInfo{
		userWithTracks("u1", "sess-1", "audio-a", "video-a"),
		userWithTracks("u2", "sess-2", "audio-b", "video-b"),
	}})
	b.OnRoomState(ctx, &model.MeetingState{Users: []model.UserInfo{
		userWithTracks("u2", "sess-2", "audio-b", "video-b"),
	}})

	if len(neg.stopped) != 1 || neg.stopped[0] != "sess-1" {
		t.Errorf("got stopped %v want [sess-1]", neg.stopped)
	}

	// Same peer returning with a new session must be pulled again.
	b.OnRoomState(ctx, &model.MeetingState{Users: []model.UserInfo{
		userWithTracks("u2", "sess-2", "audio-b", "video-b"),
		userWithTracks("u1", "sess-1", "audio-a", "video-a"),
	}})
	if len(neg.pulled) != 2 {
		t.Errorf("got %d pull calls want 2, returning peer must re-pull", len(neg.pulled))
	}
}
