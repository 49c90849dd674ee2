package service

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/adwski/webrtc-meet/model"
)

type fakeRooms struct {
	connected    []string
	delivered    []*model.ClientMessage
	disconnected []string
}

func (f *fakeRooms) CreateMeeting() string     { return "abc-def-ghi-jkl" }
func (f *fakeRooms) MeetingExists(string) bool { return true }

func (f *fakeRooms) Connect(meetingID string, _ *model.Wire) string {
	f.connected = append(f.connected, meetingID)
	return "conn-1"
}
func (f *fakeRooms) Deliver(_, _ string, msg *model.ClientMessage) {
	f.delivered = append(f.delivered, msg)
}

func (f *fakeRooms) Disconnect(_, connID string) {
	f.disconnected = append(f.disconnected, connID)
}

func TestServiceDelegatesToRooms(t *testing.T) {
	logger := zerolog.Nop()
	rooms := &fakeRooms{}
	svc := NewService(Config{Rooms: rooms, Logger: &logger})

	if got := svc.CreateMeeting(); got != "abc-def-ghi-jkl" {
		t.Errorf("got meeting %q", got)
	}
	if !svc.MeetingExists("abc-def-ghi-jkl") {
		t.Error("exists must delegate")
	}

	connID := svc.CreateSignalingSession("abc-def-ghi-jkl", model.NewWire())
	if connID != "conn-1" {
		t.Errorf("got conn id %q", connID)
	}
	if len(rooms.connected) != 1 || rooms.connected[0] != "abc-def-ghi-jkl" {
		t.Errorf("connect not delegated: %v", rooms.connected)
	}

	svc.DeliverSignalingMessage("abc-def-ghi-jkl", connID, &model.ClientMessage{Type: model.TypeHeartbeat})
	if len(rooms.delivered) != 1 || rooms.delivered[0].Type != model.TypeHeartbeat {
		t.Errorf("deliver not delegated: %v", rooms.delivered)
	}

	svc.DeleteSignalingSession("abc-def-ghi-jkl", connID)
	if len(rooms.disconnected) != 1 || rooms.disconnected[0] != "conn-1" {
		t.Errorf("disconnect not delegated: %v", rooms.disconnected)
	}
}
