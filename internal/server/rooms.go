package server

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Rooms tracks transient room membership in both directions: the rooms each
// connection joined, and the subscribers of each room. A room exists only
// while it has at least one subscriber.
type Rooms struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Client]struct{}
	joined      map[*Client]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{
		subscribers: make(map[string]map[*Client]struct{}),
		joined:      make(map[*Client]map[string]struct{}),
	}
}

// Join subscribes c to room. It reports false if c was already a subscriber.
func (r *Rooms) Join(c *Client, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.subscribers[room]
	if !ok {
		members = make(map[*Client]struct{})
		r.subscribers[room] = members
	}
	if _, exists := members[c]; exists {
		return false
	}
	members[c] = struct{}{}

	rooms, ok := r.joined[c]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[c] = rooms
	}
	rooms[room] = struct{}{}
	return true
}

// Leave unsubscribes c from room. It reports false if c was not a subscriber.
func (r *Rooms) Leave(c *Client, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveLocked(c, room)
}

// LeaveAll unsubscribes c from every room it joined and returns those rooms.
func (r *Rooms) LeaveAll(c *Client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := lo.Keys(r.joined[c])
	for _, room := range rooms {
		r.leaveLocked(c, room)
	}
	slices.Sort(rooms)
	return rooms
}

func (r *Rooms) leaveLocked(c *Client, room string) bool {
	members, ok := r.subscribers[room]
	if !ok {
		return false
	}
	if _, exists := members[c]; !exists {
		return false
	}
	delete(members, c)
	if len(members) == 0 {
		delete(r.subscribers, room)
	}

	if rooms, ok := r.joined[c]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.joined, c)
		}
	}
	return true
}

// Subscribers returns a snapshot of the connections subscribed to room. An
// unknown room has no subscribers.
func (r *Rooms) Subscribers(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Keys(r.subscribers[room])
}

// Rooms returns the sorted rooms c has joined.
func (r *Rooms) Rooms(c *Client) []string {
	r.mu.RLock()
	rooms := lo.Keys(r.joined[c])
	r.mu.RUnlock()

	slices.Sort(rooms)
	return rooms
}
