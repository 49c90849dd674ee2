package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/adwski/webrtc-meet/meeting"
	"github.com/adwski/webrtc-meet/model"
	"github.com/adwski/webrtc-meet/sfu"
)

var (
	meetingID  string
	userName   string
	stunURL    string
	videoCodec string

	joinCmd = &cobra.Command{
		Use:   "join",
		Short: "Join a meeting and receive remote media",
		RunE:  runJoin,
	}
)

func init() {
	joinCmd.Flags().StringVarP(&meetingID, "meeting", "m", "", "meeting code, e.g. abc-xy2-9kq-def")
	joinCmd.Flags().StringVarP(&userName, "name", "n", "", "display name")
	joinCmd.Flags().String("stun", "", "STUN server URL override")
	joinCmd.Flags().String("video-codec", "", "preferred video codec (vp8, vp9, h264, av1)")
	_ = joinCmd.MarkFlagRequired("meeting")
	_ = joinCmd.MarkFlagRequired("name")
}

func runJoin(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	stunURL, _ = cmd.Flags().GetString("stun")
	videoCodec, _ = cmd.Flags().GetString("video-codec")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	seq := sfu.NewSequencer(sfu.SequencerConfig{
		API:                 sfu.NewProxyClient(serverURL, &logger),
		Logger:              &logger,
		STUNURL:             stunURL,
		PreferredVideoCodec: videoCodec,
		OnRemoteStream: func(stream sfu.RemoteStream) {
			fmt.Printf("media from peer %s: %d track(s)\n", stream.PeerID, len(stream.Tracks))
		},
		OnStreamRemoved: func(peerID string) {
			fmt.Printf("peer %s media stopped\n", peerID)
		},
	})
	defer seq.Cleanup()

	bridge := sfu.NewBridge(seq, &logger)

	// All callbacks fire from the channel's read loop, in arrival order,
	// which is exactly the ordering the bridge needs.
	cb := meeting.Callbacks{
		OnRoomState: func(state *model.MeetingState) {
			fmt.Printf("participants (%d):\n", len(state.Users))
			for _, user := range state.Users {
				fmt.Printf("  %s (%s)\n", user.Name, user.ID)
			}
			logger.Trace().Msg("room state:\n" + spew.Sdump(state))
			bridge.OnRoomState(ctx, state)
		},
		OnCursor: func(msg *model.ServerMessage) {
			logger.Debug().
				Str("from", msg.From).
				Float64("x", msg.X).
				Float64("y", msg.Y).
				Msg("cursor")
		},
		OnError: func(errText string) {
			logger.Error().Str("error", errText).Msg("coordinator error")
		},
	}

	client, err := meeting.Dial(ctx, serverURL, meetingID, userName, cb, &logger)
	if err != nil {
		return fmt.Errorf("failed to join meeting: %w", err)
	}

	sessionID, err := seq.CreateSession(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("no transport session, continuing signaling-only")
	} else {
		bridge.SetLocalSession(sessionID)
		sid := sessionID
		client.SendTrackUpdate(model.TrackStateUpdate{SessionID: &sid})
	}

	fmt.Printf("joined %s as %s, ctrl-c to leave\n", meetingID, userName)

	select {
	case <-ctx.Done():
		client.Leave()
	case <-client.Done():
	}
	return nil
}
