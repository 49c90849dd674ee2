package sfu

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/adwski/webrtc-meet/model"
)

// Negotiator is the sequencer surface the bridge drives.
type Negotiator interface {
	PullRemoteTracks(ctx context.Context, tracks []RemoteTrack)
	StopRemoteStream(peerID string)
}

// Bridge reacts to room-state broadcasts: it pulls tracks of newly
// announced participants exactly once and stops streams of participants
// that disappeared. Not safe for concurrent use; feed it room states from
// a single goroutine, in arrival order.
type Bridge struct {
	logger zerolog.Logger
	neg    Negotiator

	localSessionID string
	prev           map[string]model.UserInfo
	pulled         map[string]struct{}
}

func NewBridge(neg Negotiator, logger *zerolog.Logger) *Bridge {
	return &Bridge{
		logger: logger.With().Str("component", "bridge").Logger(),
		neg:    neg,
		prev:   make(map[string]model.UserInfo),
		pulled: make(map[string]struct{}),
	}
}

// SetLocalSession tells the bridge which transport session is ours, so we
// never pull our own tracks.
func (b *Bridge) SetLocalSession(sessionID string) {
	b.localSessionID = sessionID
}

// OnRoomState diffs the broadcast against the previous one and drives the
// negotiator accordingly.
func (b *Bridge) OnRoomState(ctx context.Context, state *model.MeetingState) {
	current := make(map[string]model.UserInfo, len(state.Users))
	for _, user := range state.Users {
		current[user.ID] = user
	}

	for id, user := range b.prev {
		if _, ok := current[id]; ok {
			continue
		}
		sid := user.Tracks.SessionID
		if sid == "" {
			continue
		}
		b.neg.StopRemoteStream(sid)
		delete(b.pulled, pulledKey(sid, user.Tracks.AudioTrackName))
		delete(b.pulled, pulledKey(sid, user.Tracks.VideoTrackName))
		b.logger.Debug().Str("peerID", sid).Msg("remote stream stopped")
	}

	var want []RemoteTrack
	for _, user := range state.Users {
		sid := user.Tracks.SessionID
		if sid == "" || sid == b.localSessionID {
			continue
		}
		for _, name := range []string{user.Tracks.AudioTrackName, user.Tracks.VideoTrackName} {
			if name == "" {
				continue
			}
			key := pulledKey(sid, name)
			if _, ok := b.pulled[key]; ok {
				continue
			}
			b.pulled[key] = struct{}{}
			want = append(want, RemoteTrack{SessionID: sid, TrackName: name})
		}
	}
	if len(want) > 0 {
		b.logger.Debug().Int("tracks", len(want)).Msg("pulling new remote tracks")
		b.neg.PullRemoteTracks(ctx, want)
	}

	b.prev = current
}

func pulledKey(sessionID, trackName string) string {
	return sessionID + ":" + trackName
}
