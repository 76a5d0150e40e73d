// Package chat provides the room and message registry shared by agents and
// the human observer.
package chat

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Default room IDs.
const (
	PrivateRoomID = "ai_private" // agents believe nobody is watching
	PublicRoomID  = "ai_public"  // agents know the human can see and speak
)

// Reserved senders.
const (
	SenderSystem = "system"
	SenderHuman  = "human"
)

// Message is one entry in a room. Seq orders messages globally by creation.
type Message struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	RoomID    string    `json:"chat_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Day       int       `json:"day"`
	Tick      int       `json:"tick"`
	Timestamp time.Time `json:"timestamp"`
}

// Room is a snapshot of a chat room without its messages.
type Room struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Members      []string `json:"members"`
	HumanJoined  bool     `json:"human_joined"`
	HumanAware   bool     `json:"human_aware"`
	CreatedBy    string   `json:"created_by"`
	MessageCount int      `json:"message_count"`
}

// HasMember reports whether name belongs to the room.
func (r Room) HasMember(name string) bool {
	for _, m := range r.Members {
		if m == name {
			return true
		}
	}
	return false
}

type room struct {
	info     Room
	messages []Message
}

func (r *room) snapshot() Room {
	out := r.info
	out.Members = append([]string(nil), r.info.Members...)
	out.MessageCount = len(r.messages)
	return out
}

// System is the room registry. Rooms are never deleted and never lose
// members. Safe for concurrent use.
type System struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	order   []string // room IDs in creation order
	all     []Message
	seq     uint64
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewSystem creates a registry holding the two default rooms.
func NewSystem() *System {
	s := &System{
		rooms:   make(map[string]*room),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:     time.Now,
	}
	s.addRoom(Room{
		ID:        PrivateRoomID,
		Name:      "Cave survivors (private)",
		CreatedBy: SenderSystem,
	})
	s.addRoom(Room{
		ID:          PublicRoomID,
		Name:        "Cave survivors (public)",
		HumanJoined: true,
		HumanAware:  true,
		CreatedBy:   SenderSystem,
	})
	return s
}

func (s *System) addRoom(info Room) {
	s.rooms[info.ID] = &room{info: info}
	s.order = append(s.order, info.ID)
}

// AddAgentToDefaults adds name to both default rooms. Idempotent.
func (s *System) AddAgentToDefaults(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range []string{PrivateRoomID, PublicRoomID} {
		r := s.rooms[id]
		if !r.info.HasMember(name) {
			r.info.Members = append(r.info.Members, name)
		}
	}
}

// CreateRoom registers a new private room. Duplicate members are collapsed.
// An empty name gets a default derived from creator and members.
func (s *System) CreateRoom(creator string, members []string, name string) Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uniq []string
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if !seen[m] {
			seen[m] = true
			uniq = append(uniq, m)
		}
	}

	id := newRoomID()
	for s.rooms[id] != nil {
		id = newRoomID()
	}
	if name == "" {
		name = fmt.Sprintf("%s's private room (%s)", creator, strings.Join(uniq, ", "))
	}

	s.addRoom(Room{
		ID:        id,
		Name:      name,
		Members:   uniq,
		CreatedBy: creator,
	})
	return s.rooms[id].snapshot()
}

func newRoomID() string {
	return "room_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Send appends a message to a room and the global log. Returns false and
// records nothing if the room is unknown.
func (s *System) Send(roomID, sender, content string, day, tick int) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return Message{}, false
	}

	now := s.now()
	s.seq++
	msg := Message{
		ID:        ulid.MustNew(ulid.Timestamp(now), s.entropy).String(),
		Seq:       s.seq,
		RoomID:    roomID,
		Sender:    sender,
		Content:   content,
		Day:       day,
		Tick:      tick,
		Timestamp: now,
	}
	r.messages = append(r.messages, msg)
	s.all = append(s.all, msg)
	return msg, true
}

// Recent returns up to the last limit messages of a room, oldest first.
// Unknown rooms yield nil.
func (s *System) Recent(roomID string, limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok || limit <= 0 {
		return nil
	}
	msgs := r.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...)
}

// Room returns a snapshot of one room.
func (s *System) Room(id string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return Room{}, false
	}
	return r.snapshot(), true
}

// Rooms returns snapshots of all rooms in creation order.
func (s *System) Rooms() []Room {
	return s.filter(func(Room) bool { return true })
}

// RoomsFor returns the rooms whose members include name.
func (s *System) RoomsFor(name string) []Room {
	return s.filter(func(r Room) bool { return r.HasMember(name) })
}

// HumanJoinable returns the rooms the human may speak in.
func (s *System) HumanJoinable() []Room {
	return s.filter(func(r Room) bool { return r.HumanJoined })
}

func (s *System) filter(keep func(Room) bool) []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Room
	for _, id := range s.order {
		if snap := s.rooms[id].snapshot(); keep(snap) {
			out = append(out, snap)
		}
	}
	return out
}

// AllMessages returns the global log, oldest first.
func (s *System) AllMessages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.all...)
}
