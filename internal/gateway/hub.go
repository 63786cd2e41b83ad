package gateway

import (
	"errors"
	"sync"
)

var errRoomFull = errors.New("gateway: room capacity reached")

// hub tracks which local connections sit in which document room.
type hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]*connection
	connections map[string]*connection
}

func newHub() *hub {
	return &hub{
		rooms:       make(map[string]map[string]*connection),
		connections: make(map[string]*connection),
	}
}

func (h *hub) register(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.id] = conn
}

func (h *hub) unregister(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, conn.id)
}

func (h *hub) connection(connectionID string) (*connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.connections[connectionID]
	return conn, ok
}

// join adds conn to the room. It reports false when conn was already a member.
func (h *hub) join(documentID string, conn *connection, capacity int) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[documentID]
	if !ok {
		members = make(map[string]*connection)
		h.rooms[documentID] = members
	}
	if _, present := members[conn.id]; present {
		return false, nil
	}
	if capacity > 0 && len(members) >= capacity {
		if len(members) == 0 {
			delete(h.rooms, documentID)
		}
		return false, errRoomFull
	}
	members[conn.id] = conn
	return true, nil
}

// leave removes conn from the room and reports whether it was a member.
func (h *hub) leave(documentID string, conn *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[documentID]
	if members == nil {
		return false
	}
	if _, present := members[conn.id]; !present {
		return false
	}
	delete(members, conn.id)
	if len(members) == 0 {
		delete(h.rooms, documentID)
	}
	return true
}

func (h *hub) size(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[documentID])
}

// userPresent reports whether another local connection of userID is still in the room.
func (h *hub) userPresent(documentID string, userID string, except string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, member := range h.rooms[documentID] {
		if id != except && member.identity.UserID == userID {
			return true
		}
	}
	return false
}

// broadcast queues frame on every member except the connection with id except.
func (h *hub) broadcast(documentID string, frame []byte, except string) {
	h.mu.RLock()
	members := h.rooms[documentID]
	if len(members) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*connection, 0, len(members))
	for id, member := range members {
		if id == except {
			continue
		}
		copies = append(copies, member)
	}
	h.mu.RUnlock()
	for _, member := range copies {
		member.enqueue(frame)
	}
}

// documents lists rooms with at least one local member.
func (h *hub) documents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	documentIDs := make([]string, 0, len(h.rooms))
	for documentID, members := range h.rooms {
		if len(members) > 0 {
			documentIDs = append(documentIDs, documentID)
		}
	}
	return documentIDs
}

func (h *hub) all() []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connections := make([]*connection, 0, len(h.connections))
	for _, conn := range h.connections {
		connections = append(connections, conn)
	}
	return connections
}

func (h *hub) counts() (int, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections), len(h.rooms)
}
