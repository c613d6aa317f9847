// Package broadcast fans events out to every session in a room except
// their originator. Delivery is fire-and-forget per recipient; a relay
// extends the fan-out across server instances.
package broadcast

import (
	"context"
	"time"

	"github.com/golang/glog"

	"codecollab/server/internal/document"
	"codecollab/server/internal/presence"
	"codecollab/server/internal/protocol"
	"codecollab/server/internal/room"
)

// Envelope wraps an event for cross-instance relay. Instance tags the
// publishing server so it can drop its own echoes; Origin is the
// originating session id, excluded from delivery everywhere.
type Envelope struct {
	Instance string         `json:"instance"`
	Origin   string         `json:"origin"`
	Event    protocol.Event `json:"event"`
}

// Relay carries envelopes between server instances. Publish is
// best-effort; Subscribe keeps the instance listening on a room's
// channel until the returned release function is called.
type Relay interface {
	Publish(ctx context.Context, roomID string, env Envelope)
	Subscribe(roomID string) (release func())
}

// Broadcaster delivers events to local peers via the room registry and,
// when a relay is configured, forwards them to other instances. A nil
// relay means single-node operation.
type Broadcaster struct {
	registry *room.Registry
	tracker  *presence.Tracker
	store    *document.Store
	relay    Relay

	pub chan pubReq
}

type pubReq struct {
	roomID string
	env    Envelope
}

const publishBuffer = 1024

func New(registry *room.Registry, tracker *presence.Tracker, store *document.Store, relay Relay) *Broadcaster {
	b := &Broadcaster{registry: registry, tracker: tracker, store: store, relay: relay}
	if relay != nil {
		// Publishing is a network round trip; a dedicated goroutine
		// keeps it off the callers' fan-out path while the queue
		// preserves per-origin order.
		b.pub = make(chan pubReq, publishBuffer)
		go b.publishLoop()
	}
	return b
}

func (b *Broadcaster) publishLoop() {
	for req := range b.pub {
		b.relay.Publish(context.Background(), req.roomID, req.env)
	}
}

// Attach subscribes this instance to the room's relay channel. The
// returned function releases the subscription; it is safe to call when
// no relay is configured.
func (b *Broadcaster) Attach(roomID string) func() {
	if b.relay == nil {
		return func() {}
	}
	return b.relay.Subscribe(roomID)
}

// Document broadcasts a whole-document overwrite.
func (b *Broadcaster) Document(roomID, origin, text, language string) {
	b.send(roomID, origin, protocol.Event{
		Type:      protocol.EventCodeChange,
		RoomID:    roomID,
		SessionID: origin,
		Code:      protocol.StrPtr(text),
		Language:  language,
	})
}

// Presence broadcasts the origin session's current presence entry,
// including its cursor. No-op if the entry was already cleared.
func (b *Broadcaster) Presence(roomID, origin string) {
	entry, ok := b.tracker.Get(roomID, origin)
	if !ok {
		return
	}
	lastSeen := entry.LastSeen
	b.send(roomID, origin, protocol.Event{
		Type:      protocol.EventPresence,
		RoomID:    roomID,
		SessionID: origin,
		User:      &entry.User,
		Cursor:    entry.Cursor,
		LastSeen:  &lastSeen,
	})
}

// MemberJoined announces a new participant to the rest of the room.
func (b *Broadcaster) MemberJoined(roomID, origin string, user protocol.UserIdentity) {
	b.send(roomID, origin, protocol.Event{
		Type:      protocol.EventUserJoined,
		RoomID:    roomID,
		SessionID: origin,
		User:      &user,
	})
}

// MemberLeft announces a departure.
func (b *Broadcaster) MemberLeft(roomID, origin string) {
	b.send(roomID, origin, protocol.Event{
		Type:      protocol.EventUserLeft,
		RoomID:    roomID,
		SessionID: origin,
	})
}

// Chat relays a chat message with the sender's identity and a server
// timestamp. Message history is not kept here.
func (b *Broadcaster) Chat(roomID, origin string, user protocol.UserIdentity, text string) {
	now := time.Now()
	b.send(roomID, origin, protocol.Event{
		Type:      protocol.EventChat,
		RoomID:    roomID,
		SessionID: origin,
		User:      &user,
		Text:      text,
		Timestamp: &now,
	})
}

func (b *Broadcaster) send(roomID, origin string, ev protocol.Event) {
	b.deliverLocal(roomID, origin, ev)
	if b.pub != nil {
		select {
		case b.pub <- pubReq{roomID: roomID, env: Envelope{Origin: origin, Event: ev}}:
		default:
			glog.Warningf("room %s: relay queue full, dropping %s", roomID, ev.Type)
		}
	}
}

func (b *Broadcaster) deliverLocal(roomID, origin string, ev protocol.Event) {
	for _, p := range b.registry.Peers(roomID, origin) {
		if !p.Send(ev) {
			glog.V(2).Infof("room %s: dropped %s event for session %s", roomID, ev.Type, p.SessionID())
		}
	}
}

// HandleRemote applies an envelope received from another instance.
// Document changes are mirrored into the local store (without
// re-persisting: the origin instance already saves) so late joiners on
// this instance seed from current text; every event then fans out to
// local peers. Presence events are relay-only: remote sessions are not
// in this instance's registry, and mirroring them into the tracker
// would break the rule that a presence entry exists exactly while its
// session is registered here.
func (b *Broadcaster) HandleRemote(roomID string, env Envelope) {
	lock := b.registry.RoomLock(roomID)
	lock.Lock()
	if env.Event.Type == protocol.EventCodeChange && env.Event.Code != nil {
		b.store.Apply(context.Background(), roomID, *env.Event.Code, env.Event.Language)
	}
	b.deliverLocal(roomID, env.Origin, env.Event)
	lock.Unlock()
}
