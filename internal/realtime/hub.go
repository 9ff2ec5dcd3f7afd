package realtime

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/fault"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/protocol"
	"go.uber.org/zap"
)

const (
	opPublish = "realtime.publish"
	opSend    = "realtime.send"

	reasonDeliveryFailed = "delivery_failed"
)

type audienceKind int

const (
	audienceEveryone audienceKind = iota
	audienceOnlyUser
	audienceExceptUser
)

// Audience selects which subscribers of a note receive an event.
type Audience struct {
	kind   audienceKind
	userID notes.UserID
}

// Everyone addresses every subscriber.
func Everyone() Audience {
	return Audience{kind: audienceEveryone}
}

// OnlyUser addresses every connection of one user.
func OnlyUser(userID notes.UserID) Audience {
	return Audience{kind: audienceOnlyUser, userID: userID}
}

// ExceptUser addresses every subscriber except the connections of one user.
func ExceptUser(userID notes.UserID) Audience {
	return Audience{kind: audienceExceptUser, userID: userID}
}

// Includes reports whether the audience covers the user.
func (a Audience) Includes(userID notes.UserID) bool {
	switch a.kind {
	case audienceOnlyUser:
		return userID == a.userID
	case audienceExceptUser:
		return userID != a.userID
	default:
		return true
	}
}

func (a Audience) String() string {
	switch a.kind {
	case audienceOnlyUser:
		return "only:" + a.userID.String()
	case audienceExceptUser:
		return "except:" + a.userID.String()
	default:
		return "everyone"
	}
}

// DeliveryError reports one subscriber that did not receive an event.
type DeliveryError struct {
	ConnectionID ConnectionID
	UserID       notes.UserID
	Err          error
}

func (e DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s (%s): %v", e.ConnectionID, e.UserID, e.Err)
}

func (e DeliveryError) Unwrap() error {
	return e.Err
}

// DeliveryRecorder observes fan-out results.
type DeliveryRecorder interface {
	RecordDelivery(eventType protocol.Type, err error)
}

// HubConfig describes the dependencies of a Hub.
type HubConfig struct {
	Registry *Registry
	Recorder DeliveryRecorder
	Logger   *zap.Logger
}

// Hub fans events out to a note's subscribers. Callers that need per-note
// ordering must serialize Publish calls for the same note.
type Hub struct {
	registry *Registry
	recorder DeliveryRecorder
	logger   *zap.Logger
}

// NewHub constructs a Hub over the registry.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Registry == nil {
		return nil, errors.New("realtime: registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopDeliveryRecorder{}
	}
	return &Hub{registry: cfg.Registry, recorder: recorder, logger: logger}, nil
}

// Publish delivers event to the note's subscribers in the audience. A failing
// subscriber never prevents delivery to the others.
func (h *Hub) Publish(noteID notes.NoteID, audience Audience, event protocol.Event) []DeliveryError {
	var failures []DeliveryError
	for _, session := range h.registry.Subscribers(noteID) {
		if !audience.Includes(session.UserID) {
			continue
		}
		err := session.Sink.Deliver(event)
		h.recorder.RecordDelivery(event.Type(), err)
		if err == nil {
			continue
		}
		failures = append(failures, DeliveryError{ConnectionID: session.ConnectionID, UserID: session.UserID, Err: err})
		h.logError(opPublish, reasonDeliveryFailed, err,
			zap.String("note_id", noteID.String()),
			zap.String("connection_id", string(session.ConnectionID)),
			zap.String("event_type", string(event.Type())),
			zap.Stringer("audience", audience))
	}
	return failures
}

// Send delivers event to a single connection regardless of subscriptions.
func (h *Hub) Send(connectionID ConnectionID, event protocol.Event) error {
	session, ok := h.registry.Session(connectionID)
	if !ok {
		return fault.NotFound(opSend, reasonUnknownConnection, nil)
	}
	err := session.Sink.Deliver(event)
	h.recorder.RecordDelivery(event.Type(), err)
	if err != nil {
		h.logError(opSend, reasonDeliveryFailed, err,
			zap.String("connection_id", string(connectionID)),
			zap.String("event_type", string(event.Type())))
		return DeliveryError{ConnectionID: connectionID, UserID: session.UserID, Err: err}
	}
	return nil
}

func (h *Hub) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	h.logger.Warn("realtime delivery error", allFields...)
}

type noopDeliveryRecorder struct{}

func (noopDeliveryRecorder) RecordDelivery(protocol.Type, error) {}
