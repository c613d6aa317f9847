// Package presence tracks per-room participant state: identity, cursor
// position and last-seen timestamp.
package presence

import (
	"sync"
	"time"

	"codecollab/server/internal/protocol"
)

// Tracker holds presence entries keyed by room and session. An entry
// exists exactly while the session is active in its room; Clear removes
// it outright rather than nulling fields, so "left" is distinguishable
// from "present but no cursor yet".
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*protocol.PresenceEntry
	now   func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		rooms: make(map[string]map[string]*protocol.PresenceEntry),
		now:   time.Now,
	}
}

// Set registers the session's presence on join and stamps its last-seen
// time. Any previous entry for the pair is replaced.
func (t *Tracker) Set(roomID, sessionID string, user protocol.UserIdentity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries, ok := t.rooms[roomID]
	if !ok {
		entries = make(map[string]*protocol.PresenceEntry)
		t.rooms[roomID] = entries
	}
	entries[sessionID] = &protocol.PresenceEntry{
		SessionID: sessionID,
		User:      user,
		LastSeen:  t.now(),
	}
}

// UpdateCursor overwrites only the cursor field. Called once per
// keystroke or selection change; the latest call wins and intermediate
// values may be dropped by consumers. Unknown pairs are ignored.
func (t *Tracker) UpdateCursor(roomID, sessionID string, line, col int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.rooms[roomID][sessionID]
	if !ok {
		return
	}
	entry.Cursor = &protocol.Cursor{Line: line, Col: col}
	entry.LastSeen = t.now()
}

// Clear removes the session's entry entirely.
func (t *Tracker) Clear(roomID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries, ok := t.rooms[roomID]
	if !ok {
		return
	}
	delete(entries, sessionID)
	if len(entries) == 0 {
		delete(t.rooms, roomID)
	}
}

// Get returns a copy of the session's entry, if present.
func (t *Tracker) Get(roomID, sessionID string) (protocol.PresenceEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.rooms[roomID][sessionID]
	if !ok {
		return protocol.PresenceEntry{}, false
	}
	return copyEntry(entry), true
}

// List returns copies of every entry in the room, in no particular
// order.
func (t *Tracker) List(roomID string) []protocol.PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := t.rooms[roomID]
	out := make([]protocol.PresenceEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, copyEntry(entry))
	}
	return out
}

func copyEntry(entry *protocol.PresenceEntry) protocol.PresenceEntry {
	cp := *entry
	if entry.Cursor != nil {
		c := *entry.Cursor
		cp.Cursor = &c
	}
	return cp
}
