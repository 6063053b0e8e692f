package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns the in-memory rooms. Persistence lives behind MessageStore.
//
// Membership changes go through the hub lock so an emptied room is never
// forgotten while a session is joining it.
type Hub struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// Join adds client to roomID, creating the room on demand.
func (h *Hub) Join(roomID string, client *Client) (room *Room, collision bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		room = NewRoom(h.log, roomID)
		h.rooms[roomID] = room
	}
	return room, room.Join(client)
}

// Leave removes sessionID from room and forgets the room once nobody is
// connected to it.
func (h *Hub) Leave(room *Room, sessionID string) {
	if room == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	room.Leave(sessionID)
	if cur, ok := h.rooms[room.ID]; ok && cur == room && room.Len() == 0 {
		delete(h.rooms, room.ID)
	}
}

// Len returns the number of live rooms.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
