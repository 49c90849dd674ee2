package memory

import (
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/adwski/webrtc-meet/model"
)

// MemStore holds the durable state of every live meeting. Each meeting gets
// its own bucket so independent rooms never contend; the registry itself is
// a concurrent map keyed by meeting code.
//
// Buckets are mutated only by the room coordinator that owns the meeting.
// The store still locks per bucket, because existence checks arrive from the
// HTTP API path concurrently with coordinator writes.
type MemStore struct {
	rooms cmap.ConcurrentMap[string, *bucket]
}

type bucket struct {
	mx         sync.Mutex
	meetingID  string
	users      map[string]model.UserInfo
	heartbeats map[string]time.Time
	whiteboard map[string]model.Element
}

func NewMemStore() *MemStore {
	return &MemStore{
		rooms: cmap.New[*bucket](),
	}
}

func newBucket(meetingID string) *bucket {
	return &bucket{
		meetingID:  meetingID,
		users:      make(map[string]model.UserInfo),
		heartbeats: make(map[string]time.Time),
		whiteboard: make(map[string]model.Element),
	}
}

// CreateRoom records the meeting. Idempotent: creating an already existing
// meeting keeps its state.
func (ms *MemStore) CreateRoom(meetingID string) {
	ms.rooms.SetIfAbsent(meetingID, newBucket(meetingID))
}

func (ms *MemStore) RoomExists(meetingID string) bool {
	return ms.rooms.Has(meetingID)
}

// EraseRoom drops every key the meeting owns. Afterwards the meeting is
// indistinguishable from one that never existed.
func (ms *MemStore) EraseRoom(meetingID string) {
	ms.rooms.Remove(meetingID)
}

func (ms *MemStore) PutUser(meetingID string, user model.UserInfo) {
	b, ok := ms.rooms.Get(meetingID)
	if !ok {
		return
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	b.users[user.ID] = user
}

func (ms *MemStore) GetUser(meetingID, userID string) (model.UserInfo, bool) {
	b, ok := ms.rooms.Get(meetingID)
	if !ok {
		return model.UserInfo{}, false
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	user, ok := b.users[userID]
	return user, ok
}

func (ms *MemStore) DeleteUser(meetingID, userID string) {
	b, ok := ms.rooms.Get(meetingID)
	if !ok {
		return
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	delete(b.users, userID)
	delete(b.heartbeats, userID)
}

// Users returns the participant set ordered by id, so broadcasts are stable.
func (ms *MemStore) Users(meetingID string) []model.UserInfo {
	b, ok := ms.rooms.Get(meetingID)
	if !ok {
		return nil
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	users := make([]model.UserInfo, 0, len(b.users))
	for _, user := range b.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

func (ms *MemStore) PutHeartbeat(meetingID, userID string, at time.Time) {
	b, ok := ms.rooms.Get(meetingID)
	if !ok {
		return
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	b.heartbeats[userID] = at
}

func (ms *MemStore) Heartbeat(meetingID, userID string) (time.Time, bool) {
	b, ok := ms.rooms.Get(meetingID)
	if !ok {
		return time.Time{}, false
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	at, ok := b.heartbeats[userID]
	return at, ok
}

// MergeWhiteboard folds incoming elements into the stored set. For every id
// the stored version is the maximum ever observed: an incoming element
// replaces the stored one only when its version is strictly greater.
func (ms *MemStore) MergeWhiteboard(meetingID string, elements []model.Element) {
	b, ok := ms.rooms.Get(meetingID)
	if !ok {
		return
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	for _, el := range elements {
		old, exists := b.whiteboard[el.ID]
		if !exists || el.Supersedes(old) {
			b.whiteboard[el.ID] = el
		}
	}
}

// Whiteboard returns the merged element set ordered by id.
func (ms *MemStore) Whiteboard(meetingID string) []model.Element {
	b, ok := ms.rooms.Get(meetingID)
	if !ok {
		return nil
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if len(b.whiteboard) == 0 {
		return nil
	}
	elements := make([]model.Element, 0, len(b.whiteboard))
	for _, el := range b.whiteboard {
		elements = append(elements, el)
	}
	sort.Slice(elements, func(i, j int) bool { return elements[i].ID < elements[j].ID })
	return elements
}
