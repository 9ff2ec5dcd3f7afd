// Package realtime tracks connected sessions and their note subscriptions, and
// fans engine events out to them.
package realtime

import (
	"cmp"
	"slices"
	"sync"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/fault"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/notes"
)

const (
	opRegister    = "realtime.register"
	opSubscribe   = "realtime.subscribe"
	opUnsubscribe = "realtime.unsubscribe"
	opTyping      = "realtime.typing"

	reasonDuplicateConnection = "duplicate_connection"
	reasonUnknownConnection   = "unknown_connection"
	reasonMissingSink         = "missing_sink"
	reasonParticipantLimit    = "participant_limit"
	reasonNotSubscribed       = "not_subscribed"
)

// ConnectionID identifies one client connection.
type ConnectionID string

// Session is an authenticated connection.
type Session struct {
	ConnectionID ConnectionID
	UserID       notes.UserID
	UserName     string
	Sink         Sink
}

// Departure describes what a connection left behind when it went away.
type Departure struct {
	Session Session
	Notes   []notes.NoteID
	Typing  []notes.NoteID
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// MaxParticipants caps the distinct users subscribed to one note. Zero
	// disables the cap.
	MaxParticipants int
	// OnDisconnect runs after a connection is unregistered, outside the
	// registry lock.
	OnDisconnect func(Departure)
}

type registration struct {
	session Session
	notes   map[notes.NoteID]struct{}
	typing  map[notes.NoteID]struct{}
}

// Registry maps connections to the notes they watch.
type Registry struct {
	mu              sync.RWMutex
	sessions        map[ConnectionID]*registration
	subscribers     map[notes.NoteID]map[ConnectionID]struct{}
	maxParticipants int
	onDisconnect    func(Departure)
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		sessions:        make(map[ConnectionID]*registration),
		subscribers:     make(map[notes.NoteID]map[ConnectionID]struct{}),
		maxParticipants: cfg.MaxParticipants,
		onDisconnect:    cfg.OnDisconnect,
	}
}

// SetOnDisconnect replaces the disconnect hook.
func (r *Registry) SetOnDisconnect(hook func(Departure)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = hook
}

// Register adds a connection.
func (r *Registry) Register(session Session) error {
	if session.ConnectionID == "" {
		return fault.InvalidArgument(opRegister, reasonUnknownConnection, nil)
	}
	if session.Sink == nil {
		return fault.InvalidArgument(opRegister, reasonMissingSink, nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[session.ConnectionID]; exists {
		return fault.Conflict(opRegister, reasonDuplicateConnection, nil)
	}
	r.sessions[session.ConnectionID] = &registration{
		session: session,
		notes:   make(map[notes.NoteID]struct{}),
		typing:  make(map[notes.NoteID]struct{}),
	}
	return nil
}

// Unregister removes a connection and all of its subscriptions, then runs the
// disconnect hook. It reports false when the connection was not registered.
func (r *Registry) Unregister(connectionID ConnectionID) (Departure, bool) {
	r.mu.Lock()
	entry, ok := r.sessions[connectionID]
	if !ok {
		r.mu.Unlock()
		return Departure{}, false
	}
	delete(r.sessions, connectionID)
	departure := Departure{Session: entry.session}
	for noteID := range entry.notes {
		r.removeSubscriberLocked(noteID, connectionID)
		departure.Notes = append(departure.Notes, noteID)
	}
	for noteID := range entry.typing {
		departure.Typing = append(departure.Typing, noteID)
	}
	hook := r.onDisconnect
	r.mu.Unlock()

	slices.Sort(departure.Notes)
	slices.Sort(departure.Typing)
	if hook != nil {
		hook(departure)
	}
	return departure, true
}

// Subscribe adds the connection to the note's subscribers. It reports whether
// the subscription is new.
func (r *Registry) Subscribe(connectionID ConnectionID, noteID notes.NoteID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[connectionID]
	if !ok {
		return false, fault.NotFound(opSubscribe, reasonUnknownConnection, nil)
	}
	if _, already := entry.notes[noteID]; already {
		return false, nil
	}
	if err := r.admitLocked(entry, noteID); err != nil {
		return false, err
	}
	entry.notes[noteID] = struct{}{}
	connections, exists := r.subscribers[noteID]
	if !exists {
		connections = make(map[ConnectionID]struct{})
		r.subscribers[noteID] = connections
	}
	connections[connectionID] = struct{}{}
	return true, nil
}

// Admits reports whether Subscribe would currently accept the connection for
// the note, without subscribing it.
func (r *Registry) Admits(connectionID ConnectionID, noteID notes.NoteID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[connectionID]
	if !ok {
		return fault.NotFound(opSubscribe, reasonUnknownConnection, nil)
	}
	if _, already := entry.notes[noteID]; already {
		return nil
	}
	return r.admitLocked(entry, noteID)
}

func (r *Registry) admitLocked(entry *registration, noteID notes.NoteID) error {
	if r.maxParticipants > 0 && !r.hasUserLocked(noteID, entry.session.UserID) &&
		r.distinctUsersLocked(noteID) >= r.maxParticipants {
		return fault.Forbidden(opSubscribe, reasonParticipantLimit, nil)
	}
	return nil
}

// Unsubscribe removes the connection from the note. It reports whether the
// connection was marked typing there.
func (r *Registry) Unsubscribe(connectionID ConnectionID, noteID notes.NoteID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[connectionID]
	if !ok {
		return false, fault.NotFound(opUnsubscribe, reasonUnknownConnection, nil)
	}
	if _, subscribed := entry.notes[noteID]; !subscribed {
		return false, fault.NotFound(opUnsubscribe, reasonNotSubscribed, nil)
	}
	delete(entry.notes, noteID)
	_, wasTyping := entry.typing[noteID]
	delete(entry.typing, noteID)
	r.removeSubscriberLocked(noteID, connectionID)
	return wasTyping, nil
}

// SetTyping records the typing flag and reports whether it changed.
func (r *Registry) SetTyping(connectionID ConnectionID, noteID notes.NoteID, typing bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[connectionID]
	if !ok {
		return false, fault.NotFound(opTyping, reasonUnknownConnection, nil)
	}
	if _, subscribed := entry.notes[noteID]; !subscribed {
		return false, fault.NotFound(opTyping, reasonNotSubscribed, nil)
	}
	_, was := entry.typing[noteID]
	if typing {
		entry.typing[noteID] = struct{}{}
	} else {
		delete(entry.typing, noteID)
	}
	return was != typing, nil
}

// Session returns the registered session for the connection.
func (r *Registry) Session(connectionID ConnectionID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[connectionID]
	if !ok {
		return Session{}, false
	}
	return entry.session, true
}

// IsSubscribed reports whether the connection watches the note.
func (r *Registry) IsSubscribed(connectionID ConnectionID, noteID notes.NoteID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[connectionID]
	if !ok {
		return false
	}
	_, subscribed := entry.notes[noteID]
	return subscribed
}

// Subscribers returns a snapshot of the note's sessions ordered by connection.
func (r *Registry) Subscribers(noteID notes.NoteID) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connections := r.subscribers[noteID]
	sessions := make([]Session, 0, len(connections))
	for connectionID := range connections {
		if entry, ok := r.sessions[connectionID]; ok {
			sessions = append(sessions, entry.session)
		}
	}
	slices.SortFunc(sessions, func(left, right Session) int {
		return cmp.Compare(left.ConnectionID, right.ConnectionID)
	})
	return sessions
}

// Notes lists the notes that have at least one subscriber.
func (r *Registry) Notes() []notes.NoteID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	noteIDs := make([]notes.NoteID, 0, len(r.subscribers))
	for noteID := range r.subscribers {
		noteIDs = append(noteIDs, noteID)
	}
	slices.Sort(noteIDs)
	return noteIDs
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) removeSubscriberLocked(noteID notes.NoteID, connectionID ConnectionID) {
	connections := r.subscribers[noteID]
	if connections == nil {
		return
	}
	delete(connections, connectionID)
	if len(connections) == 0 {
		delete(r.subscribers, noteID)
	}
}

func (r *Registry) hasUserLocked(noteID notes.NoteID, userID notes.UserID) bool {
	for connectionID := range r.subscribers[noteID] {
		if entry, ok := r.sessions[connectionID]; ok && entry.session.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Registry) distinctUsersLocked(noteID notes.NoteID) int {
	users := make(map[notes.UserID]struct{})
	for connectionID := range r.subscribers[noteID] {
		if entry, ok := r.sessions[connectionID]; ok {
			users[entry.session.UserID] = struct{}{}
		}
	}
	return len(users)
}
