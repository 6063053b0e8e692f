package realtime

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"eduloom/cmd/internal/chat"
	v1 "eduloom/shared/contracts/chat/v1"
)

// Room is the in-memory membership and fanout of one private chat room.
//
// Join/Leave are safe under concurrent Broadcast, and Broadcast never blocks:
// members with a full queue miss the envelope.
type Room struct {
	log *slog.Logger
	ID  string

	mu           sync.RWMutex
	members      map[string]*Client
	participants map[string]struct{}
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:          log,
		ID:           id,
		members:      make(map[string]*Client),
		participants: make(map[string]struct{}),
	}
}

// Join adds a client. It reports whether the room has now seen more
// distinct participants than a two-party room can have, which means two
// different pairs derived the same room id.
func (r *Room) Join(client *Client) (collision bool) {
	if r == nil || client == nil || client.SessionID == "" {
		return false
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	if client.ParticipantID != "" {
		r.participants[client.ParticipantID] = struct{}{}
	}
	collision = len(r.participants) > maxRoomParticipants
	r.mu.Unlock()

	r.log.Info("room.member.join", "room_id", r.ID, "session_id", client.SessionID, "participant_id", client.ParticipantID)
	return collision
}

// Leave removes a session from the room. The client itself stays open; it
// may join another room.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, ok := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if ok {
		r.log.Info("room.member.leave", "room_id", r.ID, "session_id", sessionID)
	}
}

// Participants returns the distinct participant ids the room has seen, sorted.
func (r *Room) Participants() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.participants))
	for p := range r.participants {
		out = append(out, p)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// collisionKind explains an over-full room. "id_collision" means the joiner
// and some partner id derive the same room id as a pair already in the room;
// otherwise the joiner does not belong and the kind is "foreign_participant".
func collisionKind(roomID, joiner string, members []string) string {
	partners := impliedPartners(roomID, joiner)
	for i, p := range members {
		for _, q := range members[i+1:] {
			if p == joiner || q == joiner || chat.RoomID(p, q) != roomID {
				continue
			}
			for _, partner := range partners {
				if chat.RoomIDCollides(p, q, joiner, partner) {
					return "id_collision"
				}
			}
		}
	}
	return "foreign_participant"
}

// impliedPartners lists the ids that would pair with joiner into roomID.
func impliedPartners(roomID, joiner string) []string {
	// RoomID with an empty partner is the stripped form of joiner.
	own := chat.RoomID(joiner, "")
	if own == "" || len(own) >= len(roomID) {
		return nil
	}
	var out []string
	if strings.HasPrefix(roomID, own) {
		out = append(out, roomID[len(own):])
	}
	if strings.HasSuffix(roomID, own) {
		out = append(out, roomID[:len(roomID)-len(own)])
	}
	return out
}

// Len returns the number of connected sessions.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans env out to every member and returns how many queues
// accepted and how many dropped it.
func (r *Room) Broadcast(env v1.Envelope) (delivered, dropped int) {
	if r == nil {
		return 0, 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}
		if m.Offer(env) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
