// Package protocol defines the JSON events exchanged between the sync
// server and connected editor clients. Event names match the ones the
// web client already emits over its socket.
package protocol

import "time"

type EventType string

const (
	// Client -> server.
	EventJoin         EventType = "join"
	EventLeave        EventType = "leave"
	EventCodeChange   EventType = "codeChange"
	EventCursorChange EventType = "cursorChange"
	EventChat         EventType = "chat"
	EventExecute      EventType = "execute"

	// Server -> client.
	EventInit          EventType = "init"
	EventPresence      EventType = "presence"
	EventUserJoined    EventType = "user joined"
	EventUserLeft      EventType = "user left"
	EventExecuteResult EventType = "executeResult"
)

// UserIdentity is the opaque authenticated identity supplied by the auth
// layer before a connection is accepted. The sync server never validates
// it.
type UserIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Cursor is a caret position in the session's locally observed document.
// Stale positions after another session's overwrite are tolerated; the
// next cursorChange from the owner corrects them.
type Cursor struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

// PresenceEntry is one participant's visible state within a room.
type PresenceEntry struct {
	SessionID string       `json:"sessionId"`
	User      UserIdentity `json:"user"`
	Cursor    *Cursor      `json:"cursor,omitempty"`
	LastSeen  time.Time    `json:"lastSeen"`
}

// Event is the single wire envelope. Fields are populated per Type;
// unused fields are omitted from the encoding. Code is a pointer so an
// empty document is distinguishable from an absent field.
type Event struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	User      *UserIdentity   `json:"user,omitempty"`
	Code      *string         `json:"code,omitempty"`
	Language  string          `json:"language,omitempty"`
	Cursor    *Cursor         `json:"cursor,omitempty"`
	Text      string          `json:"text,omitempty"`
	Users     []PresenceEntry `json:"users,omitempty"`
	LastSeen  *time.Time      `json:"lastSeen,omitempty"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// StrPtr is a convenience for populating Event.Code.
func StrPtr(s string) *string { return &s }
