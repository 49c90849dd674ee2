package coordinator

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/webrtc-meet/model"
)

const roomInboxSize = 256

type eventKind int

const (
	evConnect eventKind = iota
	evMessage
	evDisconnect
)

type event struct {
	kind   eventKind
	connID string
	wire   *model.Wire
	msg    *model.ClientMessage
}

// room is the actor owning one meeting. Its goroutine is the only writer of
// the meeting's store bucket and the only sender on attached wires, so every
// state transition and broadcast is serialized in inbox order.
type room struct {
	c         *Coordinator
	logger    zerolog.Logger
	meetingID string

	inbox    chan event
	done     chan struct{}
	reserved atomic.Int32

	sessions map[string]*model.Wire

	sweep          *time.Timer
	sweepScheduled bool
}

func newRoom(c *Coordinator, meetingID string) *room {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &room{
		c:         c,
		logger:    c.logger.With().Str("meetingID", meetingID).Logger(),
		meetingID: meetingID,
		inbox:     make(chan event, roomInboxSize),
		done:      make(chan struct{}),
		sessions:  make(map[string]*model.Wire),
		sweep:     t,
	}
}

func (r *room) run() {
	r.logger.Debug().Msg("room started")
	defer r.logger.Debug().Msg("room stopped")

	for {
		select {
		case ev := <-r.inbox:
			switch ev.kind {
			case evConnect:
				r.reserved.Add(-1)
				r.handleConnect(ev.connID, ev.wire)
			case evMessage:
				r.handleMessage(ev.connID, ev.msg)
			case evDisconnect:
				r.handleDisconnect(ev.connID)
			}
		case <-r.sweep.C:
			r.sweepScheduled = false
			r.handleSweep()
		}
		if len(r.sessions) == 0 && r.c.retire(r) {
			r.stopSweep()
			return
		}
	}
}

func (r *room) handleConnect(connID string, wire *model.Wire) {
	// A connect against an unknown meeting makes it exist; from here on it
	// is a regular empty room.
	r.c.store.CreateRoom(r.meetingID)
	r.sessions[connID] = wire
	r.c.store.PutHeartbeat(r.meetingID, connID, time.Now())
	r.scheduleSweep()
	r.logger.Debug().Str("connID", connID).Msg("channel attached")
}

func (r *room) handleMessage(connID string, msg *model.ClientMessage) {
	if _, ok := r.sessions[connID]; !ok {
		return
	}
	switch msg.Type {
	case model.TypeUserJoin:
		r.handleJoin(connID, msg)
	case model.TypeUserUpdate:
		r.handleUpdate(connID, msg)
	case model.TypeUserLeave:
		r.handleLeave(connID)
	case model.TypeHeartbeat:
		r.c.store.PutHeartbeat(r.meetingID, connID, time.Now())
	case model.TypeWhiteboardUpdate:
		r.handleWhiteboard(connID, msg)
	case model.TypeCursorUpdate:
		r.handleCursor(connID, msg)
	}
}

func (r *room) handleJoin(connID string, msg *model.ClientMessage) {
	r.c.store.CreateRoom(r.meetingID)
	_, rejoin := r.c.store.GetUser(r.meetingID, connID)
	r.c.store.PutUser(r.meetingID, model.UserInfo{
		ID:     connID,
		Name:   msg.Name,
		Joined: true,
	})
	r.c.store.PutHeartbeat(r.meetingID, connID, time.Now())
	// The sweep stops once the room runs out of users; a join must bring it
	// back, or the new participant can never be evicted.
	r.scheduleSweep()
	if !rejoin {
		participants.Inc()
	}
	r.logger.Info().Str("connID", connID).Str("name", msg.Name).Msg("participant joined")
	r.broadcastState()
}

func (r *room) handleUpdate(connID string, msg *model.ClientMessage) {
	user, ok := r.c.store.GetUser(r.meetingID, connID)
	if !ok {
		// Update raced ahead of the join, drop it.
		return
	}
	if msg.User != nil {
		msg.User.Apply(&user.Tracks)
	}
	r.c.store.PutUser(r.meetingID, user)
	r.broadcastState()
}

func (r *room) handleLeave(connID string) {
	r.removeParticipant(connID, model.CloseCodeNormal, "user left")
	r.broadcastState()
	r.checkEmpty()
}

func (r *room) handleDisconnect(connID string) {
	if _, ok := r.sessions[connID]; !ok {
		// Already cleaned up by an explicit leave or a sweep.
		return
	}
	r.removeParticipant(connID, model.CloseCodeNormal, "connection closed")
	r.broadcastState()
	r.checkEmpty()
}

func (r *room) handleWhiteboard(connID string, msg *model.ClientMessage) {
	r.c.store.MergeWhiteboard(r.meetingID, msg.Elements)
	// Relay the raw incoming list, not the merged set. Receivers run the
	// same merge rule locally.
	r.relayExcept(connID, model.ServerMessage{
		Type:     model.TypeWhiteboardUpdate,
		Elements: msg.Elements,
		AppState: msg.AppState,
		From:     connID,
	})
}

func (r *room) handleCursor(connID string, msg *model.ClientMessage) {
	r.relayExcept(connID, model.ServerMessage{
		Type:   model.TypeCursorUpdate,
		X:      msg.X,
		Y:      msg.Y,
		Name:   msg.Name,
		From:   connID,
		Tool:   msg.Tool,
		Button: msg.Button,
	})
}

// handleSweep evicts every participant whose last heartbeat is older than
// the timeout, then either reschedules itself or erases the empty meeting.
func (r *room) handleSweep() {
	var (
		now        = time.Now()
		removedAny bool
	)
	for _, user := range r.c.store.Users(r.meetingID) {
		beat, ok := r.c.store.Heartbeat(r.meetingID, user.ID)
		if ok && now.Sub(beat) <= r.c.heartbeatTimeout {
			continue
		}
		r.removeParticipant(user.ID, model.CloseCodeTimeout, "heartbeat timeout")
		evictions.Inc()
		removedAny = true
		r.logger.Info().Str("connID", user.ID).Msg("participant evicted")
	}
	if removedAny {
		r.broadcastState()
	}
	if len(r.c.store.Users(r.meetingID)) > 0 {
		r.scheduleSweep()
		return
	}
	r.checkEmpty()
}

// removeParticipant drops the participant's records and closes its channel.
// Harmless when called for ids that already left.
func (r *room) removeParticipant(connID string, closeCode int, reason string) {
	if _, ok := r.c.store.GetUser(r.meetingID, connID); ok {
		participants.Dec()
	}
	r.c.store.DeleteUser(r.meetingID, connID)
	if wire, ok := r.sessions[connID]; ok {
		delete(r.sessions, connID)
		wire.Close(closeCode, reason)
	}
}

func (r *room) checkEmpty() {
	if len(r.c.store.Users(r.meetingID)) > 0 {
		return
	}
	if r.c.store.RoomExists(r.meetingID) {
		r.c.store.EraseRoom(r.meetingID)
		r.logger.Info().Msg("meeting ended, state erased")
	}
}

func (r *room) broadcastState() {
	state := model.MeetingState{
		MeetingID:          r.meetingID,
		Users:              r.c.store.Users(r.meetingID),
		WhiteboardElements: r.c.store.Whiteboard(r.meetingID),
	}
	msg := model.ServerMessage{Type: model.TypeRoomState, State: &state}
	for connID, wire := range r.sessions {
		r.send(connID, wire, msg)
	}
	broadcasts.Inc()
}

func (r *room) relayExcept(senderID string, msg model.ServerMessage) {
	for connID, wire := range r.sessions {
		if connID == senderID {
			continue
		}
		r.send(connID, wire, msg)
	}
}

// send never blocks the actor: a wire whose buffer is full just loses the
// message. Full-state broadcasts are self-healing, so a slow client catches
// up on the next one.
func (r *room) send(connID string, wire *model.Wire, msg model.ServerMessage) {
	select {
	case wire.TX <- msg:
	default:
		r.logger.Warn().Str("connID", connID).Str("type", msg.Type).Msg("dead endpoint, message dropped")
	}
}

func (r *room) reserve() bool {
	select {
	case <-r.done:
		return false
	default:
	}
	r.reserved.Add(1)
	return true
}

func (r *room) scheduleSweep() {
	if r.sweepScheduled {
		return
	}
	r.sweep.Reset(r.c.sweepInterval)
	r.sweepScheduled = true
}

func (r *room) stopSweep() {
	if !r.sweep.Stop() && r.sweepScheduled {
		<-r.sweep.C
	}
	r.sweepScheduled = false
}
