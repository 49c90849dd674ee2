package service

import (
	"github.com/rs/zerolog"

	"github.com/adwski/webrtc-meet/model"
)

type (
	// Rooms is the coordinator surface the transports need.
	Rooms interface {
		CreateMeeting() string
		MeetingExists(meetingID string) bool
		Connect(meetingID string, wire *model.Wire) string
		Deliver(meetingID, connID string, msg *model.ClientMessage)
		Disconnect(meetingID, connID string)
	}

	Service struct {
		rooms  Rooms
		logger zerolog.Logger
	}

	Config struct {
		Rooms  Rooms
		Logger *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		rooms:  cfg.Rooms,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}
}

func (svc *Service) CreateMeeting() string {
	meetingID := svc.rooms.CreateMeeting()
	svc.logger.Debug().Str("meetingID", meetingID).Msg("meeting created")
	return meetingID
}

func (svc *Service) MeetingExists(meetingID string) bool {
	return svc.rooms.MeetingExists(meetingID)
}

// CreateSignalingSession attaches a fresh wire to the meeting's room and
// returns the connection-scoped participant id.
func (svc *Service) CreateSignalingSession(meetingID string, wire *model.Wire) string {
	connID := svc.rooms.Connect(meetingID, wire)
	svc.logger.Debug().
		Str("connID", connID).
		Str("meetingID", meetingID).
		Msg("signaling session connected")
	return connID
}

// DeliverSignalingMessage hands one decoded message to the room coordinator.
func (svc *Service) DeliverSignalingMessage(meetingID, connID string, msg *model.ClientMessage) {
	svc.rooms.Deliver(meetingID, connID, msg)
}

// DeleteSignalingSession notifies the room coordinator that the connection
// is gone. Idempotent with respect to an explicit leave.
func (svc *Service) DeleteSignalingSession(meetingID, connID string) {
	svc.rooms.Disconnect(meetingID, connID)
	svc.logger.Debug().
		Str("connID", connID).
		Str("meetingID", meetingID).
		Msg("signaling session deleted")
}
