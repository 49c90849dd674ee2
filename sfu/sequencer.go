package sfu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const defaultSTUNURL = "stun:stun.cloudflare.com:3478"

var ErrNoSession = errors.New("no transport session")

// RemoteTrack names one track to pull from the routing service.
type RemoteTrack struct {
	SessionID string
	TrackName string
}

// RemoteStream is the assembled media of one remote peer, keyed by that
// peer's transport session id. A new value is produced on every track
// addition so observers watching for identity changes reliably notice new
// media.
type RemoteStream struct {
	PeerID string
	Tracks []*webrtc.TrackRemote
}

// LocalTracks is the outcome of a successful push: the session id plus the
// service-assigned names other participants use to pull our media.
type LocalTracks struct {
	SessionID      string
	AudioTrackName string
	VideoTrackName string
}

type (
	// Sequencer owns one transport session per meeting attendance and
	// serializes every negotiation against it through a single operation
	// queue.
	Sequencer struct {
		logger zerolog.Logger
		api    ControlAPI
		queue  *Queue

		stunURL             string
		preferredVideoCodec string
		onStream            func(RemoteStream)
		onStreamRemoved     func(peerID string)

		mx           sync.Mutex
		pc           *webrtc.PeerConnection
		sessionID    string
		midToSession map[string]string
		streams      map[string]*RemoteStream

		cleanupOnce sync.Once
	}

	SequencerConfig struct {
		API    ControlAPI
		Logger *zerolog.Logger

		// STUNURL defaults to the routing service's rendezvous endpoint.
		STUNURL string
		// PreferredVideoCodec, when set (e.g. "vp9"), is attempted first
		// during negotiation with the remaining codecs as fallback.
		PreferredVideoCodec string

		OnRemoteStream  func(RemoteStream)
		OnStreamRemoved func(peerID string)
	}
)

func NewSequencer(cfg SequencerConfig) *Sequencer {
	s := &Sequencer{
		logger:              cfg.Logger.With().Str("component", "sequencer").Logger(),
		api:                 cfg.API,
		queue:               NewQueue(cfg.Logger),
		stunURL:             cfg.STUNURL,
		preferredVideoCodec: cfg.PreferredVideoCodec,
		onStream:            cfg.OnRemoteStream,
		onStreamRemoved:     cfg.OnStreamRemoved,
		midToSession:        make(map[string]string),
		streams:             make(map[string]*RemoteStream),
	}
	if s.stunURL == "" {
		s.stunURL = defaultSTUNURL
	}
	return s
}

// CreateSession requests a transport session from the routing service and
// sets up the local transport handle. The caller may retry on error.
func (s *Sequencer) CreateSession(ctx context.Context) (string, error) {
	sessionID, err := s.api.NewSession(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to create session")
		return "", err
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers:   []webrtc.ICEServer{{URLs: []string{s.stunURL}}},
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create peer connection: %w", err)
	}
	pc.OnTrack(s.handleTrack)

	s.mx.Lock()
	s.pc = pc
	s.sessionID = sessionID
	s.mx.Unlock()

	s.logger.Info().Str("sessionID", sessionID).Msg("transport session created")
	return sessionID, nil
}

// PushLocalTracks attaches the given tracks in send-only mode, negotiates
// with the routing service, and returns the assigned track names. Runs
// behind every previously queued negotiation operation.
func (s *Sequencer) PushLocalTracks(ctx context.Context, tracks []webrtc.TrackLocal) (*LocalTracks, error) {
	var result *LocalTracks
	err := s.queue.Do("push-local-tracks", func() error {
		var opErr error
		result, opErr = s.pushLocalTracks(ctx, tracks)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Sequencer) pushLocalTracks(ctx context.Context, tracks []webrtc.TrackLocal) (*LocalTracks, error) {
	s.mx.Lock()
	pc, sessionID := s.pc, s.sessionID
	s.mx.Unlock()
	if pc == nil || sessionID == "" {
		return nil, ErrNoSession
	}
	if len(tracks) == 0 {
		return &LocalTracks{SessionID: sessionID}, nil
	}

	type pending struct {
		transceiver *webrtc.RTPTransceiver
		trackName   string
	}
	added := make([]pending, 0, len(tracks))
	for _, track := range tracks {
		transceiver, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to add transceiver: %w", err)
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo && s.preferredVideoCodec != "" {
			if err = transceiver.SetCodecPreferences(videoCodecPreferences(s.preferredVideoCodec)); err != nil {
				s.logger.Warn().Err(err).Str("codec", s.preferredVideoCodec).Msg("failed to set codec preferences")
			}
		}
		added = append(added, pending{
			transceiver: transceiver,
			trackName:   fmt.Sprintf("%s-%s", track.Kind().String(), uuid.NewString()[:8]),
		})
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to apply offer: %w", err)
	}

	// Mids are assigned while the offer is generated, read them now.
	req := &TracksRequest{
		SessionDescription: &SessionDescription{Type: offer.Type.String(), SDP: offer.SDP},
	}
	nameByMid := make(map[string]string, len(added))
	for _, p := range added {
		mid := p.transceiver.Mid()
		nameByMid[mid] = p.trackName
		req.Tracks = append(req.Tracks, TrackObject{
			Location:  TrackLocationLocal,
			TrackName: p.trackName,
			Mid:       mid,
		})
	}

	resp, err := s.api.NewTracks(ctx, sessionID, req)
	if err != nil {
		return nil, fmt.Errorf("failed to push tracks: %w", err)
	}
	if resp.SessionDescription != nil {
		answer := webrtc.SessionDescription{
			Type: webrtc.NewSDPType(resp.SessionDescription.Type),
			SDP:  resp.SessionDescription.SDP,
		}
		if err = pc.SetRemoteDescription(answer); err != nil {
			return nil, fmt.Errorf("failed to apply answer: %w", err)
		}
	}

	result := &LocalTracks{SessionID: sessionID}
	for _, t := range resp.Tracks {
		name := t.TrackName
		if orig, ok := nameByMid[t.Mid]; ok && name == "" {
			name = orig
		}
		if strings.HasPrefix(name, "audio") {
			result.AudioTrackName = name
		} else {
			result.VideoTrackName = name
		}
	}
	s.logger.Debug().
		Str("audio", result.AudioTrackName).
		Str("video", result.VideoTrackName).
		Msg("local tracks pushed")
	return result, nil
}

// PullRemoteTracks requests the named remote tracks and completes the
// renegotiation round-trip when the routing service asks for one. Queued
// fire-and-forget: failures surface in the log and never block later
// operations. An empty list or a missing session is a no-op.
func (s *Sequencer) PullRemoteTracks(ctx context.Context, tracks []RemoteTrack) {
	if len(tracks) == 0 {
		return
	}
	s.queue.Submit("pull-remote-tracks", func() error {
		return s.pullRemoteTracks(ctx, tracks)
	})
}

func (s *Sequencer) pullRemoteTracks(ctx context.Context, tracks []RemoteTrack) error {
	s.mx.Lock()
	pc, sessionID := s.pc, s.sessionID
	s.mx.Unlock()
	if pc == nil || sessionID == "" {
		return nil
	}

	req := &TracksRequest{}
	sessionByName := make(map[string]string, len(tracks))
	for _, t := range tracks {
		sessionByName[t.TrackName] = t.SessionID
		req.Tracks = append(req.Tracks, TrackObject{
			Location:  TrackLocationRemote,
			SessionID: t.SessionID,
			TrackName: t.TrackName,
		})
	}

	resp, err := s.api.NewTracks(ctx, sessionID, req)
	if err != nil {
		return fmt.Errorf("failed to pull tracks: %w", err)
	}

	// Remember which remote session owns each mid, so incoming transport
	// tracks can be grouped by peer instead of by raw mid.
	s.mx.Lock()
	for _, t := range resp.Tracks {
		if t.Mid == "" {
			continue
		}
		owner := t.SessionID
		if owner == "" {
			owner = sessionByName[t.TrackName]
		}
		if owner != "" {
			s.midToSession[t.Mid] = owner
		}
	}
	s.mx.Unlock()

	if !resp.RequiresImmediateRenegotiation || resp.SessionDescription == nil {
		return nil
	}

	// Without this round-trip the pulled tracks never arrive.
	offer := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(resp.SessionDescription.Type),
		SDP:  resp.SessionDescription.SDP,
	}
	if err = pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to apply renegotiation offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err = pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}
	if err = s.api.Renegotiate(ctx, sessionID, SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}); err != nil {
		return fmt.Errorf("failed to return renegotiation answer: %w", err)
	}
	return nil
}

// StopRemoteStream discards the peer's assembled stream and the mid
// mappings pointing at it. Driven by the room-to-transport bridge when a
// participant leaves.
func (s *Sequencer) StopRemoteStream(peerID string) {
	s.mx.Lock()
	_, existed := s.streams[peerID]
	delete(s.streams, peerID)
	for mid, owner := range s.midToSession {
		if owner == peerID {
			delete(s.midToSession, mid)
		}
	}
	s.mx.Unlock()

	if existed && s.onStreamRemoved != nil {
		s.onStreamRemoved(peerID)
	}
}

// Cleanup tears the transport session down. Idempotent.
func (s *Sequencer) Cleanup() {
	s.cleanupOnce.Do(func() {
		s.queue.Close()
		s.mx.Lock()
		pc := s.pc
		s.pc = nil
		s.sessionID = ""
		s.midToSession = make(map[string]string)
		s.streams = make(map[string]*RemoteStream)
		s.mx.Unlock()
		if pc != nil {
			if err := pc.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to close peer connection")
			}
		}
	})
}

func (s *Sequencer) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.mx.Lock()
	pc := s.pc
	if pc == nil {
		s.mx.Unlock()
		return
	}
	var mid string
	for _, transceiver := range pc.GetTransceivers() {
		if transceiver.Receiver() == receiver {
			mid = transceiver.Mid()
			break
		}
	}
	peerID, ok := s.midToSession[mid]
	if !ok {
		s.mx.Unlock()
		// Track raced ahead of the pull acknowledgment that records its
		// owner, drop it.
		s.logger.Warn().Str("mid", mid).Str("kind", track.Kind().String()).Msg("track with unknown owner dropped")
		return
	}

	prev := s.streams[peerID]
	stream := &RemoteStream{PeerID: peerID}
	if prev != nil {
		stream.Tracks = append(stream.Tracks, prev.Tracks...)
	}
	stream.Tracks = append(stream.Tracks, track)
	s.streams[peerID] = stream
	s.mx.Unlock()

	s.logger.Debug().Str("peerID", peerID).Str("kind", track.Kind().String()).Msg("remote track added")
	if s.onStream != nil {
		s.onStream(*stream)
	}
}

// videoCodecPreferences returns the negotiable video codecs with preferred
// moved to the front. Unknown names leave the default order.
func videoCodecPreferences(preferred string) []webrtc.RTPCodecParameters {
	codecs := []webrtc.RTPCodecParameters{
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, PayloadType: 96},
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0"}, PayloadType: 98},
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f"}, PayloadType: 102},
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeAV1, ClockRate: 90000}, PayloadType: 45},
	}
	for i, c := range codecs {
		if strings.EqualFold(strings.TrimPrefix(c.MimeType, "video/"), preferred) {
			ordered := make([]webrtc.RTPCodecParameters, 0, len(codecs))
			ordered = append(ordered, codecs[i])
			ordered = append(ordered, codecs[:i]...)
			ordered = append(ordered, codecs[i+1:]...)
			return ordered
		}
	}
	return codecs
}
