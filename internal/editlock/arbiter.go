// Package editlock arbitrates the single-writer lock of a note.
//
// An Arbiter is a state machine for one note. It is not safe for concurrent
// use; the session engine serializes every call for a note. Each transition
// returns the events it produced together with the audience that must see
// them, in the order they must be delivered.
package editlock

import (
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/fault"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/realtime"
	"github.com/google/uuid"
)

const (
	opRequest = "editlock.request"
	opGrant   = "editlock.grant"
	opDeny    = "editlock.deny"
	opRelease = "editlock.release"

	reasonMissingUser      = "missing_user"
	reasonNotHolder        = "not_holder"
	reasonNoPendingRequest = "no_pending_request"
)

// State is the coarse lock state of a note.
type State string

const (
	StateUnlocked  State = "unlocked"
	StateRequested State = "requested"
	StateLocked    State = "locked"
)

// Participant identifies the connection acting on the lock.
type Participant struct {
	UserID       notes.UserID
	UserName     string
	ConnectionID realtime.ConnectionID
}

// Holder is the current owner of the lock.
type Holder struct {
	Participant
	SessionID    string
	AcquiredAt   time.Time
	LastActivity time.Time
}

// PendingRequest is a request waiting for the holder's decision.
type PendingRequest struct {
	Participant
	RequestedAt time.Time
}

// Effect is an event and the subscribers it is addressed to.
type Effect struct {
	Audience realtime.Audience
	Event    protocol.Event
}

// Status is a copy of the arbiter's state.
type Status struct {
	State   State
	Holder  *Holder
	Pending []PendingRequest
}

// Config configures an Arbiter.
type Config struct {
	NoteID notes.NoteID
	// AutoGrant hands an unheld lock to the first requester immediately.
	AutoGrant bool
	Clock     func() time.Time
	// NewSessionID names each grant. Defaults to UUIDv7.
	NewSessionID func() string
}

// Arbiter owns the lock state of one note.
type Arbiter struct {
	noteID       notes.NoteID
	autoGrant    bool
	clock        func() time.Time
	newSessionID func() string
	holder       *Holder
	pending      []PendingRequest
}

// NewArbiter constructs an unlocked Arbiter.
func NewArbiter(cfg Config) *Arbiter {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newSessionID := cfg.NewSessionID
	if newSessionID == nil {
		newSessionID = newUUIDv7
	}
	return &Arbiter{
		noteID:       cfg.NoteID,
		autoGrant:    cfg.AutoGrant,
		clock:        clock,
		newSessionID: newSessionID,
	}
}

func newUUIDv7() string {
	identifier, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return identifier.String()
}

// Status returns a copy of the current state.
func (a *Arbiter) Status() Status {
	status := Status{State: a.state(), Pending: slices.Clone(a.pending)}
	if a.holder != nil {
		holder := *a.holder
		status.Holder = &holder
	}
	return status
}

// Holder returns the current holder's user, or "" when unheld.
func (a *Arbiter) Holder() notes.UserID {
	if a.holder == nil {
		return ""
	}
	return a.holder.UserID
}

// HeldBy reports whether the lock was acquired through the connection.
func (a *Arbiter) HeldBy(connectionID realtime.ConnectionID) bool {
	return a.holder != nil && a.holder.ConnectionID == connectionID
}

// Request asks for the lock. Requests by the holder are no-ops, and a repeated
// request replaces the earlier one at the back of the queue.
func (a *Arbiter) Request(requester Participant) ([]Effect, error) {
	if requester.UserID == "" {
		return nil, fault.InvalidArgument(opRequest, reasonMissingUser, nil)
	}
	if a.holder != nil && a.holder.UserID == requester.UserID {
		return nil, nil
	}
	a.removePending(requester.UserID)
	if a.holder == nil && a.autoGrant {
		return a.grantTo(requester, ""), nil
	}
	a.pending = append(a.pending, PendingRequest{Participant: requester, RequestedAt: a.clock()})
	if a.holder == nil {
		return nil, nil
	}
	return []Effect{{
		Audience: realtime.OnlyUser(a.holder.UserID),
		Event: protocol.EditControlRequested{
			NoteID:          a.noteID.String(),
			RequesterID:     requester.UserID.String(),
			RequesterName:   requester.UserName,
			CurrentEditorID: a.holder.UserID.String(),
		},
	}}, nil
}

// Grant hands the lock to a pending requester. While the lock is held only
// the holder may grant; an unheld lock may be granted by any participant.
func (a *Arbiter) Grant(grantor notes.UserID, requesterID notes.UserID) ([]Effect, error) {
	if a.holder != nil && a.holder.UserID != grantor {
		return nil, fault.Forbidden(opGrant, reasonNotHolder, nil)
	}
	index := a.pendingIndex(requesterID)
	if index < 0 {
		return nil, fault.Conflict(opGrant, reasonNoPendingRequest, nil)
	}
	request := a.pending[index]
	a.pending = slices.Delete(a.pending, index, index+1)
	previous := ""
	if a.holder != nil {
		previous = a.holder.UserID.String()
	}
	return a.grantTo(request.Participant, previous), nil
}

// Deny refuses a pending request. Denying a request that does not exist is a
// no-op so a repeated deny is harmless.
func (a *Arbiter) Deny(denier notes.UserID, requesterID notes.UserID, reason string) ([]Effect, error) {
	if a.holder != nil && a.holder.UserID != denier {
		return nil, fault.Forbidden(opDeny, reasonNotHolder, nil)
	}
	if a.pendingIndex(requesterID) < 0 {
		return nil, nil
	}
	a.removePending(requesterID)
	return []Effect{{
		Audience: realtime.OnlyUser(requesterID),
		Event: protocol.EditControlDenied{
			UserID: requesterID.String(),
			NoteID: a.noteID.String(),
			Reason: reason,
		},
	}}, nil
}

// Release gives the lock up and hands it to the oldest pending requester.
func (a *Arbiter) Release(holderID notes.UserID) ([]Effect, error) {
	if a.holder == nil || a.holder.UserID != holderID {
		return nil, fault.Conflict(opRelease, reasonNotHolder, nil)
	}
	return a.release(), nil
}

// ForceRelease frees the lock whoever holds it. It returns nil when unheld.
func (a *Arbiter) ForceRelease() []Effect {
	if a.holder == nil {
		return nil
	}
	return a.release()
}

// DropPending discards requests made through the connection and reports
// whether any were removed. No events are produced.
func (a *Arbiter) DropPending(connectionID realtime.ConnectionID) bool {
	before := len(a.pending)
	a.pending = slices.DeleteFunc(a.pending, func(request PendingRequest) bool {
		return request.ConnectionID == connectionID
	})
	return len(a.pending) != before
}

// Touch records activity by the holder.
func (a *Arbiter) Touch(userID notes.UserID) {
	if a.holder != nil && a.holder.UserID == userID {
		a.holder.LastActivity = a.clock()
	}
}

// IdleFor reports whether the holder has been inactive for at least window.
func (a *Arbiter) IdleFor(now time.Time, window time.Duration) bool {
	if a.holder == nil || window <= 0 {
		return false
	}
	return now.Sub(a.holder.LastActivity) >= window
}

func (a *Arbiter) release() []Effect {
	previous := a.holder.UserID
	a.holder = nil
	effects := []Effect{{
		Audience: realtime.Everyone(),
		Event: protocol.EditControlReleased{
			PreviousEditorID: previous.String(),
			NoteID:           a.noteID.String(),
		},
	}}
	if len(a.pending) == 0 {
		return effects
	}
	next := a.pending[0]
	a.pending = slices.Delete(a.pending, 0, 1)
	return append(effects, a.grantTo(next.Participant, previous.String())...)
}

func (a *Arbiter) grantTo(participant Participant, previous string) []Effect {
	now := a.clock()
	a.holder = &Holder{
		Participant:  participant,
		SessionID:    a.newSessionID(),
		AcquiredAt:   now,
		LastActivity: now,
	}
	return []Effect{
		{
			Audience: realtime.OnlyUser(participant.UserID),
			Event: protocol.EditControlGranted{
				UserID:    participant.UserID.String(),
				NoteID:    a.noteID.String(),
				SessionID: a.holder.SessionID,
			},
		},
		{
			Audience: realtime.ExceptUser(participant.UserID),
			Event: protocol.EditControlChanged{
				NoteID:           a.noteID.String(),
				NewEditorID:      participant.UserID.String(),
				NewEditorName:    participant.UserName,
				PreviousEditorID: previous,
			},
		},
	}
}

func (a *Arbiter) state() State {
	switch {
	case len(a.pending) > 0:
		return StateRequested
	case a.holder != nil:
		return StateLocked
	default:
		return StateUnlocked
	}
}

func (a *Arbiter) pendingIndex(userID notes.UserID) int {
	return slices.IndexFunc(a.pending, func(request PendingRequest) bool {
		return request.UserID == userID
	})
}

func (a *Arbiter) removePending(userID notes.UserID) {
	a.pending = slices.DeleteFunc(a.pending, func(request PendingRequest) bool {
		return request.UserID == userID
	})
}
