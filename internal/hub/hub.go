package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"nirnoy/realtime-service/internal/events"
)

// Room name helpers. Rooms are namespaced logical channels.
func DoctorRoom(doctorID string) string           { return "doctor-queue:" + doctorID }
func ChamberRoom(chamberID string) string         { return "chamber:" + chamberID }
func AppointmentRoom(appointmentID string) string { return "appointment:" + appointmentID }

// Client is one connected session. Events are delivered in order through
// Send; the transport layer drains it.
type Client struct {
	ID   string
	Send chan []byte
}

// Hub tracks room membership and fans events out to members. Events for
// one room are sequenced and delivered in emission order; there is no
// ordering across rooms and no replay for clients that were absent.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[*Client]bool
	memberships map[*Client]map[string]bool
	seq         map[string]uint64
	buffer      int

	onFirstMember func(room string)
	onLastLeft    func(room string)
}

func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		rooms:       make(map[string]map[*Client]bool),
		memberships: make(map[*Client]map[string]bool),
		seq:         make(map[string]uint64),
		buffer:      buffer,
	}
}

// SetRoomHooks registers callbacks fired when a room gains its first
// member and when its last member leaves. Used to scope changefeed
// subscriptions to rooms that are actually watched.
func (h *Hub) SetRoomHooks(onFirstMember, onLastLeft func(room string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFirstMember = onFirstMember
	h.onLastLeft = onLastLeft
}

func (h *Hub) NewClient(id string) *Client {
	client := &Client{ID: id, Send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	h.memberships[client] = make(map[string]bool)
	h.mu.Unlock()
	return client
}

// Join is idempotent per (client, room).
func (h *Hub) Join(client *Client, rooms ...string) {
	var created []string
	h.mu.Lock()
	membership, ok := h.memberships[client]
	if !ok {
		h.mu.Unlock()
		return
	}
	for _, room := range rooms {
		if membership[room] {
			continue
		}
		membership[room] = true
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*Client]bool)
		}
		if len(h.rooms[room]) == 0 {
			created = append(created, room)
		}
		h.rooms[room][client] = true
	}
	hook := h.onFirstMember
	h.mu.Unlock()

	if hook != nil {
		for _, room := range created {
			hook(room)
		}
	}
}

func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	emptied := h.removeFromRoom(client, room)
	hook := h.onLastLeft
	h.mu.Unlock()

	if hook != nil && emptied {
		hook(room)
	}
}

// Unregister drops the client from every room and closes its channel.
// Safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	var emptied []string
	h.mu.Lock()
	membership, ok := h.memberships[client]
	if !ok {
		h.mu.Unlock()
		return
	}
	for room := range membership {
		if h.removeFromRoom(client, room) {
			emptied = append(emptied, room)
		}
	}
	delete(h.memberships, client)
	close(client.Send)
	hook := h.onLastLeft
	h.mu.Unlock()

	if hook != nil {
		for _, room := range emptied {
			hook(room)
		}
	}
}

// removeFromRoom reports whether the room became empty. Caller holds mu.
func (h *Hub) removeFromRoom(client *Client, room string) bool {
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	if !members[client] {
		return false
	}
	delete(members, client)
	if membership, ok := h.memberships[client]; ok {
		delete(membership, room)
	}
	if len(members) == 0 {
		delete(h.rooms, room)
		delete(h.seq, room)
		return true
	}
	return false
}

func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) Rooms(client *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	membership := h.memberships[client]
	rooms := make([]string, 0, len(membership))
	for room := range membership {
		rooms = append(rooms, room)
	}
	return rooms
}

// Broadcast delivers one event to every member of the room, stamped with
// the room's next sequence number. A member whose buffer is full is
// evicted rather than skipped: a silent drop would break at-least-once
// within the session, eviction forces reconnect-and-reconcile.
func (h *Hub) Broadcast(room string, kind events.Kind, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok || len(members) == 0 {
		h.mu.Unlock()
		return nil
	}
	h.seq[room]++
	envelope := events.Envelope{
		Type:      kind,
		Room:      room,
		Seq:       h.seq[room],
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		h.mu.Unlock()
		return err
	}

	var evicted []*Client
	for client := range members {
		select {
		case client.Send <- frame:
		default:
			evicted = append(evicted, client)
		}
	}
	var emptied []string
	for _, client := range evicted {
		log.Printf("hub: evicting slow client %s from room %s", client.ID, room)
		for r := range h.memberships[client] {
			if h.removeFromRoom(client, r) {
				emptied = append(emptied, r)
			}
		}
		delete(h.memberships, client)
		close(client.Send)
	}
	hook := h.onLastLeft
	h.mu.Unlock()

	if hook != nil {
		for _, r := range emptied {
			hook(r)
		}
	}
	return nil
}

// SendTo delivers a direct, unsequenced frame to one client.
func (h *Hub) SendTo(client *Client, kind events.Kind, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(events.Envelope{
		Type:      kind,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	// Send is closed only under the write lock, so holding the read lock
	// across the membership check and the send keeps the channel open.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, registered := h.memberships[client]; !registered {
		return nil
	}
	select {
	case client.Send <- frame:
	default:
		log.Printf("hub: dropping direct frame for slow client %s", client.ID)
	}
	return nil
}
