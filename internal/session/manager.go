// Package session drives the lifecycle of one connected client:
// Connecting, Active while joined to a room, Disconnected (terminal).
// Inbound events from a connection are processed strictly in arrival
// order; teardown runs exactly once no matter how the session ends.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"codecollab/server/internal/broadcast"
	"codecollab/server/internal/document"
	"codecollab/server/internal/presence"
	"codecollab/server/internal/protocol"
	"codecollab/server/internal/room"
)

// Conn is the bidirectional channel the transport layer hands to the
// manager. ReadEvent blocks until the next inbound event or a terminal
// error (including connection close).
type Conn interface {
	ReadEvent() (protocol.Event, error)
	WriteEvent(ev protocol.Event) error
	Close() error
}

// Runner executes a snippet on behalf of a session. No runner ships by
// default; sandboxed execution is an external collaborator.
type Runner interface {
	Run(ctx context.Context, code, language string) (output string, runErr string, err error)
}

const (
	outboundBuffer = 256
	executeTimeout = 10 * time.Second
)

// Manager orchestrates the registry, presence tracker, document store
// and broadcaster on behalf of every connected session.
type Manager struct {
	registry    *room.Registry
	tracker     *presence.Tracker
	store       *document.Store
	broadcaster *broadcast.Broadcaster
	runner      Runner
}

func NewManager(registry *room.Registry, tracker *presence.Tracker, store *document.Store, b *broadcast.Broadcaster) *Manager {
	return &Manager{registry: registry, tracker: tracker, store: store, broadcaster: b}
}

// SetRunner installs a code execution backend. Without one, execute
// events answer with an error result.
func (m *Manager) SetRunner(r Runner) { m.runner = r }

// Session is one client's live connection. It implements room.Peer so
// the broadcaster can deliver to it.
type Session struct {
	id   string
	user protocol.UserIdentity
	m    *Manager
	conn Conn

	out  chan protocol.Event
	done chan struct{}

	closeOnce sync.Once

	mu          sync.Mutex
	roomID      string
	detachRelay func()
}

// HandleConn runs a session over conn until it disconnects. It blocks
// for the lifetime of the connection; the transport calls it once per
// accepted client.
func (m *Manager) HandleConn(conn Conn, user protocol.UserIdentity) {
	s := &Session{
		id:   uuid.NewString(),
		user: user,
		m:    m,
		conn: conn,
		out:  make(chan protocol.Event, outboundBuffer),
		done: make(chan struct{}),
	}
	glog.Infof("session %s connected (user %s)", s.id, user.ID)

	go s.writeLoop()
	s.readLoop()
	s.teardown()
	glog.Infof("session %s disconnected", s.id)
}

func (s *Session) SessionID() string { return s.id }

// Send queues an event for delivery without blocking. It returns false
// once the session is closed or when its outbound queue is full; a full
// queue drops the event rather than stalling the broadcaster.
func (s *Session) Send(ev protocol.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	default:
		glog.Warningf("session %s: outbound queue full, dropping %s", s.id, ev.Type)
		return false
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case ev := <-s.out:
			if err := s.conn.WriteEvent(ev); err != nil {
				glog.V(1).Infof("session %s: write failed: %v", s.id, err)
				s.teardown()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	for {
		ev, err := s.conn.ReadEvent()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				glog.V(1).Infof("session %s: read ended: %v", s.id, err)
			}
			return
		}
		if !s.dispatch(ev) {
			return
		}
	}
}

// dispatch handles one inbound event. Returns false when the session
// should end.
func (s *Session) dispatch(ev protocol.Event) bool {
	switch ev.Type {
	case protocol.EventJoin:
		s.join(ev.RoomID)
	case protocol.EventLeave:
		return false
	case protocol.EventCodeChange:
		s.codeChange(ev)
	case protocol.EventCursorChange:
		s.cursorChange(ev)
	case protocol.EventChat:
		s.chat(ev)
	case protocol.EventExecute:
		s.execute(ev)
	default:
		glog.Warningf("session %s: dropping unknown event %q", s.id, ev.Type)
	}
	return true
}

func (s *Session) join(roomID string) {
	if roomID == "" {
		glog.Warningf("session %s: join without room id", s.id)
		return
	}
	// A session is in at most one room; joining another implies leaving
	// the current one first.
	s.leaveRoom()

	// Register, then seed, all under the room lock. Any document write
	// in the same room either lands before the seed read (and appears
	// in the init snapshot) or after the registration (and is delivered
	// as a broadcast behind the init already queued here); it can never
	// fall between the two.
	lock := s.m.registry.RoomLock(roomID)
	lock.Lock()
	s.m.registry.Join(roomID, s.id, s)
	snap := s.m.store.Get(context.Background(), roomID)
	users := s.m.tracker.List(roomID)
	s.Send(protocol.Event{
		Type:     protocol.EventInit,
		RoomID:   roomID,
		Code:     protocol.StrPtr(snap.Text),
		Language: snap.Language,
		Users:    users,
	})
	s.m.tracker.Set(roomID, s.id, s.user)
	lock.Unlock()

	detach := s.m.broadcaster.Attach(roomID)
	s.mu.Lock()
	s.roomID = roomID
	s.detachRelay = detach
	s.mu.Unlock()

	s.m.broadcaster.MemberJoined(roomID, s.id, s.user)
	s.m.broadcaster.Presence(roomID, s.id)

	// A teardown from the write loop can run before the assignment
	// above makes this registration visible to it. Re-check and undo so
	// no registry or presence entry outlives the session.
	select {
	case <-s.done:
		s.leaveRoom()
		return
	default:
	}
	glog.Infof("session %s joined room %s", s.id, roomID)
}

// currentRoom validates that the event targets the room this session
// actually joined. Mismatches are dropped without disconnecting.
func (s *Session) currentRoom(ev protocol.Event) (string, bool) {
	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()
	if roomID == "" || (ev.RoomID != "" && ev.RoomID != roomID) {
		glog.Warningf("session %s: dropping %s for room %q (joined %q)", s.id, ev.Type, ev.RoomID, roomID)
		return "", false
	}
	return roomID, true
}

func (s *Session) codeChange(ev protocol.Event) {
	roomID, ok := s.currentRoom(ev)
	if !ok || ev.Code == nil {
		return
	}
	lock := s.m.registry.RoomLock(roomID)
	lock.Lock()
	snap := s.m.store.Set(context.Background(), roomID, *ev.Code, ev.Language)
	s.m.broadcaster.Document(roomID, s.id, snap.Text, snap.Language)
	lock.Unlock()
}

func (s *Session) cursorChange(ev protocol.Event) {
	roomID, ok := s.currentRoom(ev)
	if !ok || ev.Cursor == nil {
		return
	}
	lock := s.m.registry.RoomLock(roomID)
	lock.Lock()
	s.m.tracker.UpdateCursor(roomID, s.id, ev.Cursor.Line, ev.Cursor.Col)
	s.m.broadcaster.Presence(roomID, s.id)
	lock.Unlock()
}

func (s *Session) chat(ev protocol.Event) {
	roomID, ok := s.currentRoom(ev)
	if !ok || ev.Text == "" {
		return
	}
	s.m.broadcaster.Chat(roomID, s.id, s.user, ev.Text)
}

func (s *Session) execute(ev protocol.Event) {
	if _, ok := s.currentRoom(ev); !ok || ev.Code == nil {
		return
	}
	if s.m.runner == nil {
		s.Send(protocol.Event{
			Type:  protocol.EventExecuteResult,
			Error: "code execution is not enabled on this server",
		})
		return
	}
	code, language := *ev.Code, ev.Language
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
		defer cancel()
		output, runErr, err := s.m.runner.Run(ctx, code, language)
		if err != nil {
			glog.Errorf("session %s: execute failed: %v", s.id, err)
			runErr = "execution failed"
		}
		s.Send(protocol.Event{
			Type:   protocol.EventExecuteResult,
			Output: output,
			Error:  runErr,
		})
	}()
}

// leaveRoom clears presence and membership for the current room, if
// any. Announcing the departure happens after the registry removal so
// the leaving session is never a recipient.
func (s *Session) leaveRoom() {
	s.mu.Lock()
	roomID := s.roomID
	detach := s.detachRelay
	s.roomID = ""
	s.detachRelay = nil
	s.mu.Unlock()
	if roomID == "" {
		return
	}
	lock := s.m.registry.RoomLock(roomID)
	lock.Lock()
	s.m.tracker.Clear(roomID, s.id)
	s.m.registry.Leave(roomID, s.id)
	if len(s.m.registry.Members(roomID)) == 0 {
		// Last one out: the backend keeps the durable copy, drop the
		// in-memory cache.
		s.m.store.Evict(roomID)
	}
	lock.Unlock()
	s.m.broadcaster.MemberLeft(roomID, s.id)
	if detach != nil {
		detach()
	}
}

// teardown moves the session to its terminal state. Safe to call from
// the read loop, the write loop, or both; cleanup runs exactly once.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		// done closes before the room cleanup: a join racing this
		// teardown then always observes the closed channel on its final
		// re-check and undoes whatever this leaveRoom could not yet see.
		close(s.done)
		s.leaveRoom()
		if err := s.conn.Close(); err != nil {
			glog.V(2).Infof("session %s: close: %v", s.id, err)
		}
	})
}
