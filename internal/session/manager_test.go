package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"codecollab/server/internal/broadcast"
	"codecollab/server/internal/document"
	"codecollab/server/internal/presence"
	"codecollab/server/internal/protocol"
	"codecollab/server/internal/room"
)

// pipeConn is an in-process Conn: the test feeds inbound events through
// in and observes outbound ones on out, the way a websocket would.
type pipeConn struct {
	in  chan protocol.Event
	out chan protocol.Event

	closed    chan struct{}
	closeOnce sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan protocol.Event),
		out:    make(chan protocol.Event, 64),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadEvent() (protocol.Event, error) {
	select {
	case ev := <-c.in:
		return ev, nil
	case <-c.closed:
		return protocol.Event{}, io.EOF
	}
}

func (c *pipeConn) WriteEvent(ev protocol.Event) error {
	select {
	case c.out <- ev:
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type failingBackend struct {
	saveErr error
}

func (failingBackend) LoadDocument(context.Context, string) (document.Snapshot, error) {
	return document.Snapshot{}, document.ErrNotFound
}

func (b failingBackend) SaveDocument(context.Context, string, string, string) error {
	return b.saveErr
}

type env struct {
	manager  *Manager
	registry *room.Registry
	tracker  *presence.Tracker
	store    *document.Store
}

func newEnv(backend document.Backend) *env {
	registry := room.NewRegistry()
	tracker := presence.NewTracker()
	store := document.NewStore(backend)
	b := broadcast.New(registry, tracker, store, nil)
	return &env{
		manager:  NewManager(registry, tracker, store, b),
		registry: registry,
		tracker:  tracker,
		store:    store,
	}
}

type client struct {
	conn *pipeConn
	done chan struct{}
}

func connect(e *env, user protocol.UserIdentity) *client {
	c := &client{conn: newPipeConn(), done: make(chan struct{})}
	go func() {
		e.manager.HandleConn(c.conn, user)
		close(c.done)
	}()
	return c
}

func (c *client) send(t *testing.T, ev protocol.Event) {
	t.Helper()
	select {
	case c.conn.in <- ev:
	case <-time.After(2 * time.Second):
		t.Fatal("session stopped reading")
	}
}

func (c *client) recv(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case ev := <-c.conn.out:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return protocol.Event{}
	}
}

func (c *client) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case ev := <-c.conn.out:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func (c *client) join(t *testing.T, roomID string) protocol.Event {
	t.Helper()
	c.send(t, protocol.Event{Type: protocol.EventJoin, RoomID: roomID})
	ev := c.recv(t)
	assert.Equal(t, protocol.EventInit, ev.Type)
	return ev
}

func (c *client) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session never ended")
	}
}

func TestJoinSeedsEmptyDocument(t *testing.T) {
	e := newEnv(failingBackend{})
	x := connect(e, protocol.UserIdentity{ID: "ux", Name: "X"})
	defer x.conn.Close()

	init := x.join(t, "r1")
	assert.Equal(t, "r1", init.RoomID)
	assert.Equal(t, "", *init.Code)
	assert.Equal(t, "javascript", init.Language)
	assert.Equal(t, 0, len(init.Users))
}

func TestJoinSeedsExistingStateAndPresence(t *testing.T) {
	e := newEnv(failingBackend{})
	e.store.Set(context.Background(), "r1", "existing", "python")

	x := connect(e, protocol.UserIdentity{ID: "ux", Name: "X"})
	defer x.conn.Close()
	x.join(t, "r1")

	y := connect(e, protocol.UserIdentity{ID: "uy", Name: "Y"})
	defer y.conn.Close()
	init := y.join(t, "r1")

	assert.Equal(t, "existing", *init.Code)
	assert.Equal(t, "python", init.Language)
	assert.Equal(t, 1, len(init.Users))
	assert.Equal(t, "X", init.Users[0].User.Name)

	// X hears about Y: membership first, then Y's presence entry.
	joined := x.recv(t)
	assert.Equal(t, protocol.EventUserJoined, joined.Type)
	assert.Equal(t, "Y", joined.User.Name)
	pres := x.recv(t)
	assert.Equal(t, protocol.EventPresence, pres.Type)
	assert.Equal(t, joined.SessionID, pres.SessionID)
}

func TestCodeChangeBroadcastWithoutEcho(t *testing.T) {
	e := newEnv(failingBackend{})
	x := connect(e, protocol.UserIdentity{ID: "ux", Name: "X"})
	defer x.conn.Close()
	x.join(t, "r1")

	y := connect(e, protocol.UserIdentity{ID: "uy", Name: "Y"})
	defer y.conn.Close()
	y.join(t, "r1")
	x.recv(t) // user joined
	x.recv(t) // presence

	x.send(t, protocol.Event{
		Type:   protocol.EventCodeChange,
		RoomID: "r1",
		Code:   protocol.StrPtr("print(1)"),
	})

	got := y.recv(t)
	assert.Equal(t, protocol.EventCodeChange, got.Type)
	assert.Equal(t, "print(1)", *got.Code)

	x.expectNothing(t)
	assert.Equal(t, "print(1)", e.store.Get(context.Background(), "r1").Text)
}

func TestBroadcastOrderPreservedPerOrigin(t *testing.T) {
	e := newEnv(failingBackend{})
	x := connect(e, protocol.UserIdentity{ID: "ux"})
	defer x.conn.Close()
	x.join(t, "r1")

	y := connect(e, protocol.UserIdentity{ID: "uy"})
	defer y.conn.Close()
	y.join(t, "r1")
	x.recv(t)
	x.recv(t)

	for _, text := range []string{"M1", "M2", "M3"} {
		x.send(t, protocol.Event{Type: protocol.EventCodeChange, RoomID: "r1", Code: protocol.StrPtr(text)})
	}
	assert.Equal(t, "M1", *y.recv(t).Code)
	assert.Equal(t, "M2", *y.recv(t).Code)
	assert.Equal(t, "M3", *y.recv(t).Code)
}

func TestCursorPropagationAndDisconnect(t *testing.T) {
	e := newEnv(failingBackend{})
	x := connect(e, protocol.UserIdentity{ID: "ux", Name: "X"})
	x.join(t, "r1")

	y := connect(e, protocol.UserIdentity{ID: "uy", Name: "Y"})
	defer y.conn.Close()
	y.join(t, "r1")
	x.recv(t)
	x.recv(t)

	x.send(t, protocol.Event{
		Type:   protocol.EventCursorChange,
		RoomID: "r1",
		Cursor: &protocol.Cursor{Line: 3, Col: 5},
	})

	pres := y.recv(t)
	assert.Equal(t, protocol.EventPresence, pres.Type)
	assert.Equal(t, &protocol.Cursor{Line: 3, Col: 5}, pres.Cursor)
	xSessionID := pres.SessionID

	// Transport close tears the session down and announces the
	// departure; no presence entry survives.
	x.conn.Close()
	left := y.recv(t)
	assert.Equal(t, protocol.EventUserLeft, left.Type)
	assert.Equal(t, xSessionID, left.SessionID)
	x.waitClosed(t)

	for _, entry := range e.tracker.List("r1") {
		assert.NotEqual(t, xSessionID, entry.SessionID)
	}
	assert.Equal(t, 1, len(e.registry.Members("r1")))
}

func TestConcurrentWritesLastArrivalWins(t *testing.T) {
	e := newEnv(failingBackend{})
	x := connect(e, protocol.UserIdentity{ID: "ux"})
	defer x.conn.Close()
	x.join(t, "r1")
	y := connect(e, protocol.UserIdentity{ID: "uy"})
	defer y.conn.Close()
	y.join(t, "r1")
	x.recv(t)
	x.recv(t)

	x.send(t, protocol.Event{Type: protocol.EventCodeChange, RoomID: "r1", Code: protocol.StrPtr("A")})
	y.recv(t)
	y.send(t, protocol.Event{Type: protocol.EventCodeChange, RoomID: "r1", Code: protocol.StrPtr("B")})
	x.recv(t)

	assert.Equal(t, "B", e.store.Get(context.Background(), "r1").Text)
}

func TestPersistenceFailureInvisibleToSessions(t *testing.T) {
	e := newEnv(failingBackend{saveErr: errors.New("write refused")})
	x := connect(e, protocol.UserIdentity{ID: "ux"})
	defer x.conn.Close()
	x.join(t, "r1")
	y := connect(e, protocol.UserIdentity{ID: "uy"})
	defer y.conn.Close()
	y.join(t, "r1")
	x.recv(t)
	x.recv(t)

	x.send(t, protocol.Event{Type: protocol.EventCodeChange, RoomID: "r1", Code: protocol.StrPtr("kept")})
	assert.Equal(t, "kept", *y.recv(t).Code)
	assert.Equal(t, "kept", e.store.Get(context.Background(), "r1").Text)
	x.expectNothing(t)
}

func TestEventForUnjoinedRoomDropped(t *testing.T) {
	e := newEnv(failingBackend{})
	x := connect(e, protocol.UserIdentity{ID: "ux"})
	defer x.conn.Close()
	x.join(t, "r1")

	y := connect(e, protocol.UserIdentity{ID: "uy"})
	defer y.conn.Close()
	y.join(t, "r1")
	x.recv(t)
	x.recv(t)

	// Targets a room X never joined: dropped, session stays up.
	x.send(t, protocol.Event{Type: protocol.EventCodeChange, RoomID: "r2", Code: protocol.StrPtr("nope")})
	y.expectNothing(t)
	assert.Equal(t, "", e.store.Get(context.Background(), "r2").Text)

	// The session still works afterwards.
	x.send(t, protocol.Event{Type: protocol.EventCodeChange, RoomID: "r1", Code: protocol.StrPtr("ok")})
	assert.Equal(t, "ok", *y.recv(t).Code)
}

func TestExplicitLeaveIsTerminal(t *testing.T) {
	e := newEnv(failingBackend{})
	x := connect(e, protocol.UserIdentity{ID: "ux"})
	x.join(t, "r1")

	x.send(t, protocol.Event{Type: protocol.EventLeave})
	x.waitClosed(t)

	assert.Equal(t, 0, len(e.registry.Members("r1")))
	assert.Equal(t, 0, len(e.tracker.List("r1")))

	// A close after the explicit leave must be harmless.
	assert.Equal(t, nil, x.conn.Close())
}

func TestChatRelay(t *testing.T) {
	e := newEnv(failingBackend{})
	x := connect(e, protocol.UserIdentity{ID: "ux", Name: "X"})
	defer x.conn.Close()
	x.join(t, "r1")
	y := connect(e, protocol.UserIdentity{ID: "uy", Name: "Y"})
	defer y.conn.Close()
	y.join(t, "r1")
	x.recv(t)
	x.recv(t)

	x.send(t, protocol.Event{Type: protocol.EventChat, RoomID: "r1", Text: "hello"})
	msg := y.recv(t)
	assert.Equal(t, protocol.EventChat, msg.Type)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "X", msg.User.Name)
	x.expectNothing(t)
}

func TestExecuteWithoutRunner(t *testing.T) {
	e := newEnv(failingBackend{})
	x := connect(e, protocol.UserIdentity{ID: "ux"})
	defer x.conn.Close()
	x.join(t, "r1")

	x.send(t, protocol.Event{Type: protocol.EventExecute, RoomID: "r1", Code: protocol.StrPtr("1+1")})
	res := x.recv(t)
	assert.Equal(t, protocol.EventExecuteResult, res.Type)
	assert.NotEqual(t, "", res.Error)
}

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, code, _ string) (string, string, error) {
	return "ran: " + code, "", nil
}

func TestExecuteWithRunner(t *testing.T) {
	e := newEnv(failingBackend{})
	e.manager.SetRunner(echoRunner{})
	x := connect(e, protocol.UserIdentity{ID: "ux"})
	defer x.conn.Close()
	x.join(t, "r1")

	x.send(t, protocol.Event{Type: protocol.EventExecute, RoomID: "r1", Code: protocol.StrPtr("1+1")})
	res := x.recv(t)
	assert.Equal(t, "ran: 1+1", res.Output)
	assert.Equal(t, "", res.Error)
}

func TestSwitchingRoomsLeavesTheFirst(t *testing.T) {
	e := newEnv(failingBackend{})
	x := connect(e, protocol.UserIdentity{ID: "ux", Name: "X"})
	defer x.conn.Close()
	x.join(t, "r1")

	y := connect(e, protocol.UserIdentity{ID: "uy", Name: "Y"})
	defer y.conn.Close()
	y.join(t, "r1")
	x.recv(t)
	x.recv(t)

	x.join(t, "r2")
	left := y.recv(t)
	assert.Equal(t, protocol.EventUserLeft, left.Type)

	assert.Equal(t, 1, len(e.registry.Members("r1")))
	assert.Equal(t, 1, len(e.registry.Members("r2")))
	assert.Equal(t, 1, len(e.tracker.List("r2")))
}

// mapBackend is a mutable in-memory Backend for tests that need to
// observe reloads.
type mapBackend struct {
	mu   sync.Mutex
	docs map[string]document.Snapshot
}

func newMapBackend() *mapBackend {
	return &mapBackend{docs: make(map[string]document.Snapshot)}
}

func (b *mapBackend) LoadDocument(_ context.Context, roomID string) (document.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.docs[roomID]
	if !ok {
		return document.Snapshot{}, document.ErrNotFound
	}
	return snap, nil
}

func (b *mapBackend) SaveDocument(_ context.Context, roomID, text, language string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[roomID] = document.Snapshot{Text: text, Language: language}
	return nil
}

func (b *mapBackend) put(roomID string, snap document.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[roomID] = snap
}

func (b *mapBackend) get(roomID string) (document.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.docs[roomID]
	return snap, ok
}

// An edit racing a join must reach the joiner one way or the other:
// in the init snapshot when it lands before the seed read, as a
// broadcast when it lands after the registration. Never neither.
func TestConcurrentEditDuringJoinNotLost(t *testing.T) {
	for i := 0; i < 200; i++ {
		e := newEnv(failingBackend{})
		x := connect(e, protocol.UserIdentity{ID: "ux"})
		x.join(t, "r1")

		y := connect(e, protocol.UserIdentity{ID: "uy"})
		edited := make(chan struct{})
		go func() {
			x.conn.in <- protocol.Event{
				Type:   protocol.EventCodeChange,
				RoomID: "r1",
				Code:   protocol.StrPtr("edit"),
			}
			close(edited)
		}()

		init := y.join(t, "r1")
		if *init.Code != "edit" {
			got := y.recv(t)
			assert.Equal(t, protocol.EventCodeChange, got.Type)
			assert.Equal(t, "edit", *got.Code)
		}

		<-edited
		x.conn.Close()
		y.conn.Close()
		x.waitClosed(t)
		y.waitClosed(t)
	}
}

// A transport close landing in the middle of a join must still leave
// the registry and tracker clean once the session ends.
func TestTeardownDuringJoinLeavesNothingBehind(t *testing.T) {
	e := newEnv(failingBackend{})
	for i := 0; i < 200; i++ {
		c := connect(e, protocol.UserIdentity{ID: "ux"})
		c.send(t, protocol.Event{Type: protocol.EventJoin, RoomID: "r1"})
		c.conn.Close()
		c.waitClosed(t)

		assert.Equal(t, 0, len(e.registry.Members("r1")))
		assert.Equal(t, 0, len(e.tracker.List("r1")))
	}
}

func TestLastLeaveDropsDocumentCache(t *testing.T) {
	backend := newMapBackend()
	e := newEnv(backend)

	x := connect(e, protocol.UserIdentity{ID: "ux"})
	x.join(t, "r1")
	x.send(t, protocol.Event{Type: protocol.EventCodeChange, RoomID: "r1", Code: protocol.StrPtr("v1")})
	x.send(t, protocol.Event{Type: protocol.EventLeave})
	x.waitClosed(t)

	// Wait for the async save so the eviction is not deferred.
	deadline := time.After(2 * time.Second)
	for {
		if snap, ok := backend.get("r1"); ok && snap.Text == "v1" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("edit never persisted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// With the room empty its cache is dropped, so a change written
	// straight to the backend is what the next joiner seeds from.
	backend.put("r1", document.Snapshot{Text: "external", Language: "go"})

	deadline = time.After(2 * time.Second)
	for {
		y := connect(e, protocol.UserIdentity{ID: "uy"})
		init := y.join(t, "r1")
		y.send(t, protocol.Event{Type: protocol.EventLeave})
		y.waitClosed(t)
		if *init.Code == "external" {
			assert.Equal(t, "go", init.Language)
			return
		}
		// The saver may still have been draining when X left, deferring
		// the eviction to it; retry until it lands.
		select {
		case <-deadline:
			t.Fatalf("joiner still seeded from stale cache: %q", *init.Code)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	e := newEnv(failingBackend{})
	x := connect(e, protocol.UserIdentity{ID: "ux"})
	defer x.conn.Close()
	x.join(t, "r1")

	x.send(t, protocol.Event{Type: "videoOffer"})
	x.send(t, protocol.Event{Type: protocol.EventChat, RoomID: "r1", Text: "still alive"})
	assert.Equal(t, 1, len(e.registry.Members("r1")))
}
