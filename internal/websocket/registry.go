package websocket

import (
	"sort"
	"sync"

	"roomrelay/pkg/interfaces"
)

// Registry tracks which connections are currently members of which room.
// It only references connections; closing them is the owning session's job.
// A room entry exists only while at least one connection is registered in it.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[interfaces.Connection]struct{} // roomID -> members
	members map[interfaces.Connection]string              // connection -> roomID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]map[interfaces.Connection]struct{}),
		members: make(map[interfaces.Connection]string),
	}
}

// Register adds conn to roomID, creating the room entry if needed.
// Registering the same connection twice in one room is a no-op; a connection
// can never join a second room.
func (r *Registry) Register(roomID string, conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if roomID == "" {
		return ErrInvalidRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.members[conn]; exists {
		if current != roomID {
			return ErrConnectionInOtherRoom
		}
		return nil
	}

	room, exists := r.rooms[roomID]
	if !exists {
		room = make(map[interfaces.Connection]struct{})
		r.rooms[roomID] = room
	}
	room[conn] = struct{}{}
	r.members[conn] = roomID

	return nil
}

// Unregister removes conn from roomID and drops the room entry once it is empty.
// It is idempotent and reports whether anything was removed.
func (r *Registry) Unregister(roomID string, conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return false
	}
	if _, member := room[conn]; !member {
		return false
	}

	delete(room, conn)
	delete(r.members, conn)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
	return true
}

// Snapshot copies the current members of roomID. Later joins and leaves do not
// affect the returned slice.
func (r *Registry) Snapshot(roomID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return nil
	}

	connections := make([]interfaces.Connection, 0, len(room))
	for conn := range room {
		connections = append(connections, conn)
	}
	return connections
}

// IsRegistered reports whether conn is a member of roomID.
func (r *Registry) IsRegistered(roomID string, conn interfaces.Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	current, exists := r.members[conn]
	return exists && current == roomID
}

// HasRoom reports whether roomID has any members.
func (r *Registry) HasRoom(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.rooms[roomID]
	return exists
}

// Rooms returns the member count for every room with at least one member.
func (r *Registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.rooms))
	for roomID, room := range r.rooms {
		counts[roomID] = len(room)
	}
	return counts
}

// RoomIDs returns the active room IDs in sorted order.
func (r *Registry) RoomIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.rooms))
	for roomID := range r.rooms {
		ids = append(ids, roomID)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.members),
		"active_rooms":      len(r.rooms),
	}
}
