package coordinator

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/webrtc-meet/model"
)

const (
	defaultHeartbeatTimeout = 30 * time.Second
	defaultSweepInterval    = 15 * time.Second

	meetingCodeAlphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"
	meetingCodeGroups     = 4
	meetingCodeGroupChars = 3
)

type (
	// Store is the durable per-meeting record set. Buckets are mutated only
	// through the room actor owning the meeting.
	Store interface {
		CreateRoom(meetingID string)
		RoomExists(meetingID string) bool
		EraseRoom(meetingID string)
		PutUser(meetingID string, user model.UserInfo)
		GetUser(meetingID, userID string) (model.UserInfo, bool)
		DeleteUser(meetingID, userID string)
		Users(meetingID string) []model.UserInfo
		PutHeartbeat(meetingID, userID string, at time.Time)
		Heartbeat(meetingID, userID string) (time.Time, bool)
		MergeWhiteboard(meetingID string, elements []model.Element)
		Whiteboard(meetingID string) []model.Element
	}

	// Coordinator owns one room actor per live meeting. All room state
	// mutation funnels through that actor's inbox, one event at a time;
	// distinct meetings run fully independent.
	Coordinator struct {
		logger zerolog.Logger
		store  Store

		heartbeatTimeout time.Duration
		sweepInterval    time.Duration

		mx    sync.Mutex
		rooms map[string]*room
	}

	Config struct {
		Store  Store
		Logger *zerolog.Logger

		// Zero values fall back to the production defaults (30s/15s).
		HeartbeatTimeout time.Duration
		SweepInterval    time.Duration
	}
)

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		logger:           cfg.Logger.With().Str("component", "coordinator").Logger(),
		store:            cfg.Store,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		sweepInterval:    cfg.SweepInterval,
		rooms:            make(map[string]*room),
	}
	if c.heartbeatTimeout <= 0 {
		c.heartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = defaultSweepInterval
	}
	return c
}

// CreateMeeting generates a fresh meeting code and records the meeting.
// The code is immutable for the meeting's lifetime.
func (c *Coordinator) CreateMeeting() string {
	for {
		code := generateMeetingCode()
		if !c.store.RoomExists(code) {
			c.store.CreateRoom(code)
			c.logger.Info().Str("meetingID", code).Msg("meeting created")
			return code
		}
	}
}

func (c *Coordinator) MeetingExists(meetingID string) bool {
	return c.store.RoomExists(meetingID)
}

// Connect attaches a signaling channel to the meeting's room, creating the
// room actor on first use, and returns the connection-scoped participant id.
// Connecting to a meeting nobody created behaves like connecting to a fresh
// empty meeting.
func (c *Coordinator) Connect(meetingID string, wire *model.Wire) string {
	connID := uuid.NewString()
	for {
		c.mx.Lock()
		r, ok := c.rooms[meetingID]
		if !ok {
			r = newRoom(c, meetingID)
			c.rooms[meetingID] = r
			roomsActive.Inc()
			go r.run()
		}
		if r.reserve() {
			c.mx.Unlock()
			r.inbox <- event{kind: evConnect, connID: connID, wire: wire}
			return connID
		}
		// Room retired between lookup and reserve, try again.
		c.mx.Unlock()
	}
}

// Deliver hands one decoded channel message to the meeting's room actor.
// Messages for unknown rooms or connections are dropped.
func (c *Coordinator) Deliver(meetingID, connID string, msg *model.ClientMessage) {
	c.send(meetingID, event{kind: evMessage, connID: connID, msg: msg})
}

// Disconnect notifies the room that the connection's transport is gone.
// Safe to call after an explicit leave; cleanup happens exactly once.
func (c *Coordinator) Disconnect(meetingID, connID string) {
	c.send(meetingID, event{kind: evDisconnect, connID: connID})
}

func (c *Coordinator) send(meetingID string, ev event) {
	c.mx.Lock()
	r, ok := c.rooms[meetingID]
	c.mx.Unlock()
	if !ok {
		return
	}
	select {
	case r.inbox <- ev:
	case <-r.done:
	}
}

// retire removes the room from the registry unless a connection reserved it
// concurrently. Called by the room actor once its session set is empty.
func (c *Coordinator) retire(r *room) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	if r.reserved.Load() > 0 {
		return false
	}
	delete(c.rooms, r.meetingID)
	close(r.done)
	roomsActive.Dec()
	return true
}

func generateMeetingCode() string {
	raw := make([]byte, meetingCodeGroups*meetingCodeGroupChars)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	var sb strings.Builder
	for i, b := range raw {
		if i > 0 && i%meetingCodeGroupChars == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(meetingCodeAlphabet[int(b)%len(meetingCodeAlphabet)])
	}
	return sb.String()
}
