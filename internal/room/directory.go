// Package room tracks which connections are subscribed to which chat's live
// events. A room is the set of connections currently viewing a chat; joining
// a chat room is orthogonal to being a member of the chat in storage.
package room

import "sync"

// Directory is a goroutine-safe map of chat rooms to their subscribed
// connections, with a reverse index so a closing connection can be pulled out
// of every room it joined.
type Directory struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]struct{} // roomID -> set of connID
	byConn  map[string]map[string]struct{} // connID -> set of roomID
	fanMu   sync.Mutex                     // protects fanouts
	fanouts map[string]*sync.Mutex         // roomID -> fan-out serialization lock
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		rooms:   make(map[string]map[string]struct{}),
		byConn:  make(map[string]map[string]struct{}),
		fanouts: make(map[string]*sync.Mutex),
	}
}

// Join adds connID to roomID's member set. Idempotent.
func (d *Directory) Join(roomID, connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	members, ok := d.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		d.rooms[roomID] = members
	}
	members[connID] = struct{}{}

	joined, ok := d.byConn[connID]
	if !ok {
		joined = make(map[string]struct{})
		d.byConn[connID] = joined
	}
	joined[roomID] = struct{}{}
}

// Leave removes connID from roomID. No-op if the connection never joined.
func (d *Directory) Leave(roomID, connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaveLocked(roomID, connID)
}

func (d *Directory) leaveLocked(roomID, connID string) {
	if members, ok := d.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(d.rooms, roomID)
			d.dropFanoutLock(roomID)
		}
	}
	if joined, ok := d.byConn[connID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(d.byConn, connID)
		}
	}
}

// LeaveAll removes connID from every room it joined. It must run during
// disconnect handling, before the connection handle becomes invalid.
func (d *Directory) LeaveAll(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for roomID := range d.byConn[connID] {
		d.leaveLocked(roomID, connID)
	}
	delete(d.byConn, connID)
}

// Members returns a snapshot of roomID's member set at call time.
func (d *Directory) Members(roomID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members := d.rooms[roomID]
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	return out
}

// Contains reports whether connID is currently subscribed to roomID.
func (d *Directory) Contains(roomID, connID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rooms[roomID][connID]
	return ok
}

// RoomCount returns the number of non-empty rooms.
func (d *Directory) RoomCount() int {
	d.mu.RLock()
	n := len(d.rooms)
	d.mu.RUnlock()
	return n
}

// Fanout snapshots roomID's members and invokes send for each one except the
// excluded connection (pass "" to include everyone). Fan-outs for the same
// room are serialized against each other, so two events published to one room
// cannot interleave their deliveries; fan-outs to different rooms proceed
// concurrently. The number of recipients is returned.
func (d *Directory) Fanout(roomID, except string, send func(connID string)) int {
	members := d.Members(roomID)

	lock := d.fanoutLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	n := 0
	for _, connID := range members {
		if except != "" && connID == except {
			continue
		}
		send(connID)
		n++
	}
	return n
}

// dropFanoutLock releases the serialization lock of an emptied room. An
// in-flight fan-out keeps its reference to the old mutex; it only delivers to
// the member snapshot it already took.
func (d *Directory) dropFanoutLock(roomID string) {
	d.fanMu.Lock()
	delete(d.fanouts, roomID)
	d.fanMu.Unlock()
}

func (d *Directory) fanoutLock(roomID string) *sync.Mutex {
	d.fanMu.Lock()
	defer d.fanMu.Unlock()

	lock, ok := d.fanouts[roomID]
	if !ok {
		lock = &sync.Mutex{}
		d.fanouts[roomID] = lock
	}
	return lock
}
