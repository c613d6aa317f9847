// Package room tracks which sessions are currently connected to which
// collaboration room (project).
package room

import (
	"hash/fnv"
	"sync"

	"github.com/golang/glog"

	"codecollab/server/internal/protocol"
)

// Peer is the send side of a connected session. Send must never block:
// it returns false when the event could not be queued (session closed or
// its outbound queue full).
type Peer interface {
	SessionID() string
	Send(ev protocol.Event) bool
}

// Registry maps room ids to their active sessions. Room entries exist
// only while at least one session is joined; the document itself lives
// in the document store and its persistence backend.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Peer

	locks [lockShards]sync.Mutex
}

const lockShards = 64

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[string]Peer)}
}

// RoomLock returns the mutex serializing a room's read-modify-broadcast
// sequences: a document write plus its fan-out, or a join plus its
// state seed. Holding it guarantees a joining session observes every
// mutation either in its seed snapshot or as a delivered broadcast,
// never neither. Locks are striped, so distinct rooms may share a
// mutex; one room always maps to the same one.
func (r *Registry) RoomLock(roomID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return &r.locks[h.Sum32()%lockShards]
}

// Join adds the session to the room, creating the room entry if absent.
// Joining twice with the same pair is a no-op apart from refreshing the
// stored peer handle.
func (r *Registry) Join(roomID, sessionID string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Peer)
		r.rooms[roomID] = members
		glog.V(1).Infof("room %s created", roomID)
	}
	members[sessionID] = p
}

// Leave removes the session from the room. The in-memory room entry is
// evicted once its last member leaves. Unknown ids are ignored.
func (r *Registry) Leave(roomID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		glog.V(1).Infof("room %s empty, evicted", roomID)
	}
}

// Members returns the session ids currently joined to the room.
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[roomID]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// Peers returns the peer handles of every session in the room except
// the one named by except. Pass "" to get all peers.
func (r *Registry) Peers(roomID, except string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[roomID]
	peers := make([]Peer, 0, len(members))
	for id, p := range members {
		if id == except {
			continue
		}
		peers = append(peers, p)
	}
	return peers
}
