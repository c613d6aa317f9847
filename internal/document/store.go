// Package document holds the authoritative text and language tag of
// each room's document. Writes are whole-value overwrites resolved
// last-writer-wins by arrival order; there is no merge of concurrent
// edits.
package document

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// ErrNotFound is returned by a Backend when no document exists for a
// room id yet.
var ErrNotFound = errors.New("document: not found")

// DefaultLanguage is applied to rooms whose backend has no language tag.
const DefaultLanguage = "javascript"

// Languages is the fixed set of editor language tags a room may carry.
var Languages = map[string]bool{
	"javascript": true,
	"typescript": true,
	"python":     true,
	"go":         true,
	"java":       true,
	"c":          true,
	"cpp":        true,
	"rust":       true,
	"html":       true,
	"css":        true,
}

// ValidLanguage reports whether lang is one of the supported tags.
func ValidLanguage(lang string) bool { return Languages[lang] }

// Snapshot is the current document value of a room.
type Snapshot struct {
	Text     string
	Language string
}

// Backend is the persistence collaborator. Saves are best-effort; a
// failed save leaves the in-memory value authoritative for connected
// sessions.
type Backend interface {
	LoadDocument(ctx context.Context, roomID string) (Snapshot, error)
	SaveDocument(ctx context.Context, roomID, text, language string) error
}

const saveTimeout = 5 * time.Second

// Store caches one Snapshot per room, lazily loaded from the Backend on
// first access. Set updates memory synchronously (read-your-write) and
// persists asynchronously; a single in-flight save per room coalesces
// bursts so a slow write for one room never delays another.
type Store struct {
	backend Backend

	mu    sync.Mutex
	rooms map[string]*roomState
}

type roomState struct {
	snap    Snapshot
	loaded  bool
	saving  bool
	pending *Snapshot
	evict   bool
	subs    map[int]func(Snapshot)
	nextSub int
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend, rooms: make(map[string]*roomState)}
}

func (s *Store) state(roomID string) *roomState {
	st, ok := s.rooms[roomID]
	if !ok {
		st = &roomState{subs: make(map[int]func(Snapshot))}
		s.rooms[roomID] = st
	}
	return st
}

// Get returns the room's current document, loading it from the backend
// on first access. A backend read failure degrades to an empty document
// with the default language; the in-memory value is authoritative from
// then on.
func (s *Store) Get(ctx context.Context, roomID string) Snapshot {
	s.mu.Lock()
	st := s.state(roomID)
	st.evict = false
	if st.loaded {
		snap := st.snap
		s.mu.Unlock()
		return snap
	}
	s.mu.Unlock()

	snap, err := s.backend.LoadDocument(ctx, roomID)
	switch {
	case errors.Is(err, ErrNotFound):
		snap = Snapshot{Language: DefaultLanguage}
	case err != nil:
		glog.Errorf("load document for room %s: %v", roomID, err)
		snap = Snapshot{Language: DefaultLanguage}
	}
	if snap.Language == "" {
		snap.Language = DefaultLanguage
	}

	s.mu.Lock()
	st = s.state(roomID)
	st.evict = false
	if !st.loaded {
		st.snap = snap
		st.loaded = true
	}
	snap = st.snap
	s.mu.Unlock()
	return snap
}

// Set overwrites the room's document and schedules a best-effort save.
// An empty language keeps the current tag. Subsequent Get calls observe
// the new value immediately, before persistence completes.
func (s *Store) Set(ctx context.Context, roomID, text, language string) Snapshot {
	return s.write(ctx, roomID, text, language, true)
}

// Apply updates the in-memory document and notifies subscribers without
// scheduling a save. Used when the change was already persisted at its
// origin, e.g. a relay delivery from another server instance.
func (s *Store) Apply(ctx context.Context, roomID, text, language string) Snapshot {
	return s.write(ctx, roomID, text, language, false)
}

func (s *Store) write(ctx context.Context, roomID, text, language string, persist bool) Snapshot {
	if language != "" && !ValidLanguage(language) {
		glog.Warningf("room %s: unsupported language %q, keeping current", roomID, language)
		language = ""
	}

	s.mu.Lock()
	st := s.state(roomID)
	st.evict = false
	if language == "" {
		language = st.snap.Language
		if language == "" {
			language = DefaultLanguage
		}
	}
	st.snap = Snapshot{Text: text, Language: language}
	st.loaded = true
	snap := st.snap
	subs := make([]func(Snapshot), 0, len(st.subs))
	for _, fn := range st.subs {
		subs = append(subs, fn)
	}
	if persist {
		st.pending = &snap
		if !st.saving {
			st.saving = true
			go s.saver(roomID)
		}
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return snap
}

// saver drains pending snapshots for one room, always writing the
// latest. Runs until no write is pending.
func (s *Store) saver(roomID string) {
	for {
		s.mu.Lock()
		st := s.state(roomID)
		if st.pending == nil {
			st.saving = false
			if st.evict && len(st.subs) == 0 {
				delete(s.rooms, roomID)
			}
			s.mu.Unlock()
			return
		}
		snap := *st.pending
		st.pending = nil
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		err := s.backend.SaveDocument(ctx, roomID, snap.Text, snap.Language)
		cancel()
		if err != nil {
			glog.Errorf("save document for room %s: %v", roomID, err)
		}
	}
}

// Evict drops a room's cached document, typically once its last
// session leaves; the backend keeps the durable copy and the next Get
// reloads it. A room with an in-flight or pending save keeps its entry
// (and its current cache, so no reader observes the backend's older
// text) until the saver drains, then the saver completes the eviction.
// Subscribed rooms are never evicted.
func (s *Store) Evict(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return
	}
	if st.saving || st.pending != nil || len(st.subs) > 0 {
		st.evict = true
		return
	}
	delete(s.rooms, roomID)
}

// Subscribe registers fn to be called after every write to the room,
// including writes applied on behalf of other server instances. The
// returned function removes the subscription.
func (s *Store) Subscribe(roomID string, fn func(Snapshot)) func() {
	s.mu.Lock()
	st := s.state(roomID)
	st.evict = false
	id := st.nextSub
	st.nextSub++
	st.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(st.subs, id)
		s.mu.Unlock()
	}
}
