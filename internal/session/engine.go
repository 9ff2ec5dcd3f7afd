// Package session orchestrates edit locks, operation sequencing, and fan-out
// for every live note.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/editlock"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/fault"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/realtime"
	"go.uber.org/zap"
)

const (
	opNewEngine = "session.new"
	opHandle    = "session.handle"
	opLoadNote  = "session.load_note"
	opSnapshot  = "session.snapshot"
	opReap      = "session.reap"

	reasonUnknownConnection = "unknown_connection"
	reasonUserMismatch      = "user_mismatch"
	reasonInvalidNote       = "invalid_note"
	reasonInvalidUser       = "invalid_user"
	reasonInvalidKind       = "invalid_kind"
	reasonNotSubscribed     = "not_subscribed"
	reasonUnsupported       = "unsupported_message"
	reasonStoreUnavailable  = "store_unavailable"

	// Lock release causes reported to the Recorder.
	ReleaseExplicit   = "explicit"
	ReleaseDisconnect = "disconnect"
	ReleaseIdle       = "idle"

	defaultReapInterval = 5 * time.Second
)

var errMissingCollaborator = errors.New("session: registry and hub are required")

// Recorder observes handled messages. kind is empty for accepted messages.
type Recorder interface {
	RecordMessage(messageType protocol.Type, kind fault.Kind)
	RecordLockReleased(reason string)
}

// Config describes the collaborators and policies of an Engine.
type Config struct {
	Registry *realtime.Registry
	Hub      *realtime.Hub
	// Store loads notes on first use. Nil keeps every note in memory only.
	Store notes.Store
	// Persister receives accepted operations, usually a notes.Journal.
	Persister        notes.Persister
	AutoGrant        bool
	IdleTimeout      time.Duration
	ReapInterval     time.Duration
	RetainOperations int
	MaxContentRunes  int
	Clock            func() time.Time
	IDProvider       notes.IDProvider
	Recorder         Recorder
	Logger           *zap.Logger
}

type noteShard struct {
	mu             sync.Mutex
	arbiter        *editlock.Arbiter
	sequencer      *notes.Sequencer
	loadedSequence int64
}

// Engine is the entry point for every client message. Calls for the same note
// are serialized; different notes proceed independently.
type Engine struct {
	registry         *realtime.Registry
	hub              *realtime.Hub
	store            notes.Store
	persister        notes.Persister
	autoGrant        bool
	idleTimeout      time.Duration
	reapInterval     time.Duration
	retainOperations int
	maxContentRunes  int
	clock            func() time.Time
	idProvider       notes.IDProvider
	recorder         Recorder
	logger           *zap.Logger

	shardsMu sync.RWMutex
	shards   map[notes.NoteID]*noteShard
}

// NewEngine wires an Engine and installs its disconnect hook on the registry.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Registry == nil || cfg.Hub == nil {
		return nil, fault.InvalidArgument(opNewEngine, "missing_collaborator", errMissingCollaborator)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retain := cfg.RetainOperations
	if retain <= 0 {
		retain = notes.DefaultRetainOperations
	}
	reapInterval := cfg.ReapInterval
	if reapInterval <= 0 {
		reapInterval = defaultReapInterval
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &Engine{
		registry:         cfg.Registry,
		hub:              cfg.Hub,
		store:            cfg.Store,
		persister:        cfg.Persister,
		autoGrant:        cfg.AutoGrant,
		idleTimeout:      cfg.IdleTimeout,
		reapInterval:     reapInterval,
		retainOperations: retain,
		maxContentRunes:  cfg.MaxContentRunes,
		clock:            clock,
		idProvider:       cfg.IDProvider,
		recorder:         recorder,
		logger:           logger,
		shards:           make(map[notes.NoteID]*noteShard),
	}
	cfg.Registry.SetOnDisconnect(engine.onDisconnect)
	return engine, nil
}

// Connect registers an authenticated connection.
func (e *Engine) Connect(session realtime.Session) error {
	return e.registry.Register(session)
}

// Disconnect unregisters the connection. Locks it held are released and its
// typing indicators cleared exactly as if the client had asked. Repeated calls
// are no-ops.
func (e *Engine) Disconnect(connectionID realtime.ConnectionID) {
	e.registry.Unregister(connectionID)
}

// Handle processes one client message. A rejected message is reported to the
// sending connection as an ERROR event and returned.
func (e *Engine) Handle(ctx context.Context, connectionID realtime.ConnectionID, message protocol.Inbound) error {
	err := e.handle(ctx, connectionID, message)
	e.recorder.RecordMessage(message.Type(), fault.KindOf(err))
	if err == nil {
		return nil
	}
	rejection := protocol.Error{
		NoteID:      message.NoteRef(),
		RequestType: message.Type(),
		Kind:        string(fault.KindOf(err)),
		Code:        fault.CodeOf(err),
		Message:     err.Error(),
	}
	if sendErr := e.hub.Send(connectionID, rejection); sendErr != nil && fault.KindOf(err) != fault.KindNotFound {
		e.logError(opHandle, "rejection_undelivered", sendErr, zap.String("connection_id", string(connectionID)))
	}
	return err
}

func (e *Engine) handle(ctx context.Context, connectionID realtime.ConnectionID, message protocol.Inbound) error {
	session, ok := e.registry.Session(connectionID)
	if !ok {
		return fault.NotFound(opHandle, reasonUnknownConnection, nil)
	}
	if claimant := message.Claimant(); claimant != "" && claimant != session.UserID.String() {
		return fault.Forbidden(opHandle, reasonUserMismatch, nil)
	}
	noteID, err := notes.NewNoteID(message.NoteRef())
	if err != nil {
		return fault.InvalidArgument(opHandle, reasonInvalidNote, err)
	}

	if subscribe, ok := message.(protocol.SubscribeNote); ok {
		return e.subscribe(ctx, session, noteID, subscribe.SinceSequence)
	}

	shard := e.existingShard(noteID)
	if shard == nil {
		return fault.NotFound(opHandle, reasonNotSubscribed, nil)
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if !e.registry.IsSubscribed(connectionID, noteID) {
		return fault.NotFound(opHandle, reasonNotSubscribed, nil)
	}

	switch typed := message.(type) {
	case protocol.UnsubscribeNote:
		return e.unsubscribe(shard, session, noteID)
	case protocol.RequestEditControl:
		return e.publishEffects(noteID, func() ([]editlock.Effect, error) {
			return shard.arbiter.Request(participantOf(session))
		})
	case protocol.GrantEditControl:
		grantee, err := notes.NewUserID(typed.GrantToUserID)
		if err != nil {
			return fault.InvalidArgument(opHandle, reasonInvalidUser, err)
		}
		return e.publishEffects(noteID, func() ([]editlock.Effect, error) {
			return shard.arbiter.Grant(session.UserID, grantee)
		})
	case protocol.DenyEditControl:
		requester, err := notes.NewUserID(typed.RequesterID)
		if err != nil {
			return fault.InvalidArgument(opHandle, reasonInvalidUser, err)
		}
		return e.publishEffects(noteID, func() ([]editlock.Effect, error) {
			return shard.arbiter.Deny(session.UserID, requester, typed.Reason)
		})
	case protocol.ReleaseEditControl:
		return e.publishEffects(noteID, func() ([]editlock.Effect, error) {
			effects, err := shard.arbiter.Release(session.UserID)
			if err == nil {
				e.recorder.RecordLockReleased(ReleaseExplicit)
			}
			return effects, err
		})
	case protocol.ContentUpdate:
		return e.applyContent(shard, session, noteID, typed)
	case protocol.TypingStatus:
		return e.typing(shard, session, noteID, typed.IsTyping)
	case protocol.Heartbeat:
		shard.arbiter.Touch(session.UserID)
		return nil
	case protocol.Resync:
		return e.sendSync(shard, session.ConnectionID, noteID, typed.SinceSequence)
	default:
		return fault.InvalidArgument(opHandle, reasonUnsupported, nil)
	}
}

func (e *Engine) subscribe(ctx context.Context, session realtime.Session, noteID notes.NoteID, since int64) error {
	if err := e.registry.Admits(session.ConnectionID, noteID); err != nil {
		return err
	}
	shard, created, err := e.shard(ctx, noteID)
	if err != nil {
		return err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, err := e.registry.Subscribe(session.ConnectionID, noteID); err != nil {
		if created {
			e.discardShard(noteID, shard)
		}
		return err
	}
	return e.sendSync(shard, session.ConnectionID, noteID, since)
}

// discardShard forgets a shard nobody joined. It must be called with
// shard.mu held, and keeps the shard once it has sequenced anything.
func (e *Engine) discardShard(noteID notes.NoteID, shard *noteShard) {
	if len(e.registry.Subscribers(noteID)) > 0 || shard.sequencer.Snapshot().Sequence != shard.loadedSequence {
		return
	}
	e.shardsMu.Lock()
	defer e.shardsMu.Unlock()
	if e.shards[noteID] == shard {
		delete(e.shards, noteID)
	}
}

func (e *Engine) unsubscribe(shard *noteShard, session realtime.Session, noteID notes.NoteID) error {
	wasTyping, err := e.registry.Unsubscribe(session.ConnectionID, noteID)
	if err != nil {
		return err
	}
	e.leaveNote(shard, session, noteID, wasTyping)
	return nil
}

func (e *Engine) applyContent(shard *noteShard, session realtime.Session, noteID notes.NoteID, update protocol.ContentUpdate) error {
	kind, err := notes.ParseOperationKind(update.Kind)
	if err != nil {
		return fault.InvalidArgument(opHandle, reasonInvalidKind, err)
	}
	result, err := shard.sequencer.Apply(shard.arbiter.Holder(), notes.Draft{
		AuthorID:         session.UserID,
		ClientID:         update.ClientID,
		ClientSeq:        update.ClientSeq,
		Kind:             kind,
		Position:         update.Position,
		Length:           update.Length,
		Content:          update.Content,
		ExpectedRevision: update.BaseRevision,
	})
	if err != nil {
		return err
	}
	shard.arbiter.Touch(session.UserID)
	if result.Duplicate {
		return nil
	}
	operation := result.Operation
	e.hub.Publish(noteID, realtime.Everyone(), protocol.ContentUpdated{
		NoteID:         noteID.String(),
		Content:        shard.sequencer.Snapshot().Content,
		NewEditorID:    session.UserID.String(),
		CursorPosition: update.CursorPosition,
		Timestamp:      operation.CreatedAt.UnixMilli(),
		SequenceNumber: operation.Sequence,
		Revision:       operation.Revision,
		Operation:      operationView(operation),
	})
	return nil
}

func (e *Engine) typing(shard *noteShard, session realtime.Session, noteID notes.NoteID, isTyping bool) error {
	changed, err := e.registry.SetTyping(session.ConnectionID, noteID, isTyping)
	if err != nil {
		return err
	}
	shard.arbiter.Touch(session.UserID)
	if changed {
		e.publishTyping(noteID, session, isTyping)
	}
	return nil
}

func (e *Engine) publishTyping(noteID notes.NoteID, session realtime.Session, isTyping bool) {
	e.hub.Publish(noteID, realtime.Everyone(), protocol.UserTyping{
		UserID:   session.UserID.String(),
		UserName: session.UserName,
		NoteID:   noteID.String(),
		IsTyping: isTyping,
	})
}

// onDisconnect runs for every note the departed connection had joined. The
// connection is already out of the registry, so it receives none of the events.
func (e *Engine) onDisconnect(departure realtime.Departure) {
	for _, noteID := range departure.Notes {
		shard := e.existingShard(noteID)
		if shard == nil {
			continue
		}
		shard.mu.Lock()
		e.leaveNote(shard, departure.Session, noteID, slices.Contains(departure.Typing, noteID))
		shard.mu.Unlock()
	}
}

// leaveNote must be called with shard.mu held.
func (e *Engine) leaveNote(shard *noteShard, session realtime.Session, noteID notes.NoteID, wasTyping bool) {
	if shard.arbiter.HeldBy(session.ConnectionID) {
		e.publish(noteID, shard.arbiter.ForceRelease())
		e.recorder.RecordLockReleased(ReleaseDisconnect)
	}
	shard.arbiter.DropPending(session.ConnectionID)
	if wasTyping {
		e.publishTyping(noteID, session, false)
	}
}

func (e *Engine) publishEffects(noteID notes.NoteID, transition func() ([]editlock.Effect, error)) error {
	effects, err := transition()
	if err != nil {
		return err
	}
	e.publish(noteID, effects)
	return nil
}

func (e *Engine) publish(noteID notes.NoteID, effects []editlock.Effect) {
	for _, effect := range effects {
		e.hub.Publish(noteID, effect.Audience, effect.Event)
	}
}

// sendSync must be called with shard.mu held so no broadcast interleaves.
func (e *Engine) sendSync(shard *noteShard, connectionID realtime.ConnectionID, noteID notes.NoteID, since int64) error {
	state := shard.sequencer.Snapshot()
	catchUp := protocol.NoteSync{
		NoteID:     noteID.String(),
		Revision:   state.Revision,
		Sequence:   state.Sequence,
		Operations: []protocol.OperationView{},
	}
	for operation := range shard.sequencer.ReplaySince(since) {
		catchUp.Operations = append(catchUp.Operations, operationView(operation))
	}
	status := shard.arbiter.Status()
	if status.Holder != nil {
		catchUp.EditorID = status.Holder.UserID.String()
		catchUp.EditorName = status.Holder.UserName
	}
	for _, request := range status.Pending {
		catchUp.Pending = append(catchUp.Pending, request.UserID.String())
	}
	return e.hub.Send(connectionID, catchUp)
}

// ReapIdle force-releases every lock whose holder has been inactive for the
// idle timeout and returns how many were released.
func (e *Engine) ReapIdle(now time.Time) int {
	if e.idleTimeout <= 0 {
		return 0
	}
	released := 0
	for noteID, shard := range e.snapshotShards() {
		shard.mu.Lock()
		if shard.arbiter.IdleFor(now, e.idleTimeout) {
			holder := shard.arbiter.Holder()
			e.publish(noteID, shard.arbiter.ForceRelease())
			e.recorder.RecordLockReleased(ReleaseIdle)
			e.logger.Info("released idle edit lock",
				zap.String("operation", opReap),
				zap.String("note_id", noteID.String()),
				zap.String("user_id", holder.String()))
			released++
		}
		shard.mu.Unlock()
	}
	return released
}

// Run reaps idle holders until ctx is cancelled. It returns immediately when
// the idle timeout is disabled.
func (e *Engine) Run(ctx context.Context) error {
	if e.idleTimeout <= 0 {
		return nil
	}
	ticker := time.NewTicker(e.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.ReapIdle(e.clock())
		}
	}
}

// Snapshot returns the current state of a note, loading it if no client has
// joined it yet.
func (e *Engine) Snapshot(ctx context.Context, noteID notes.NoteID) (notes.State, error) {
	if shard := e.existingShard(noteID); shard != nil {
		return shard.sequencer.Snapshot(), nil
	}
	if e.store == nil {
		return notes.State{}, fault.NotFound(opSnapshot, "note_missing", notes.ErrNoteNotFound)
	}
	stored, err := e.store.LoadNote(ctx, noteID, 0)
	if err != nil {
		return notes.State{}, err
	}
	return stored.State, nil
}

func (e *Engine) existingShard(noteID notes.NoteID) *noteShard {
	e.shardsMu.RLock()
	defer e.shardsMu.RUnlock()
	return e.shards[noteID]
}

func (e *Engine) snapshotShards() map[notes.NoteID]*noteShard {
	e.shardsMu.RLock()
	defer e.shardsMu.RUnlock()
	copies := make(map[notes.NoteID]*noteShard, len(e.shards))
	for noteID, shard := range e.shards {
		copies[noteID] = shard
	}
	return copies
}

// shard returns the note's shard, loading the note on first use, and reports
// whether this call created it. Shards stay resident so state written behind
// by the journal is never read back stale.
func (e *Engine) shard(ctx context.Context, noteID notes.NoteID) (*noteShard, bool, error) {
	if shard := e.existingShard(noteID); shard != nil {
		return shard, false, nil
	}
	stored, err := e.loadNote(ctx, noteID)
	if err != nil {
		return nil, false, err
	}
	sequencer, err := notes.NewSequencer(notes.SequencerConfig{
		NoteID:           noteID,
		Initial:          stored.State,
		Tail:             stored.Tail,
		RetainOperations: e.retainOperations,
		MaxContentRunes:  e.maxContentRunes,
		Clock:            e.clock,
		IDProvider:       e.idProvider,
		Persister:        e.persister,
		Logger:           e.logger,
	})
	if err != nil {
		return nil, false, err
	}
	created := &noteShard{
		arbiter:        editlock.NewArbiter(editlock.Config{NoteID: noteID, AutoGrant: e.autoGrant, Clock: e.clock}),
		sequencer:      sequencer,
		loadedSequence: stored.State.Sequence,
	}

	e.shardsMu.Lock()
	defer e.shardsMu.Unlock()
	if existing, ok := e.shards[noteID]; ok {
		return existing, false, nil
	}
	e.shards[noteID] = created
	return created, true, nil
}

func (e *Engine) loadNote(ctx context.Context, noteID notes.NoteID) (notes.StoredNote, error) {
	if e.store == nil {
		return notes.StoredNote{}, nil
	}
	stored, err := e.store.LoadNote(ctx, noteID, e.retainOperations)
	if err == nil {
		return stored, nil
	}
	if errors.Is(err, notes.ErrNoteNotFound) {
		return notes.StoredNote{}, nil
	}
	e.logError(opLoadNote, reasonStoreUnavailable, err, zap.String("note_id", noteID.String()))
	return notes.StoredNote{}, fault.Unavailable(opLoadNote, reasonStoreUnavailable, err)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	e.logger.Error("session engine error", allFields...)
}

func participantOf(session realtime.Session) editlock.Participant {
	return editlock.Participant{
		UserID:       session.UserID,
		UserName:     session.UserName,
		ConnectionID: session.ConnectionID,
	}
}

func operationView(operation notes.Operation) protocol.OperationView {
	return protocol.OperationView{
		ID:             operation.ID,
		Kind:           string(operation.Kind),
		AuthorID:       operation.AuthorID.String(),
		ClientID:       operation.ClientID,
		ClientSeq:      operation.ClientSeq,
		Position:       operation.Position,
		Length:         operation.Length,
		Content:        operation.Content,
		SequenceNumber: operation.Sequence,
		Revision:       operation.Revision,
		CreatedAtMs:    operation.CreatedAt.UnixMilli(),
		Snapshot:       operation.Snapshot,
	}
}

type noopRecorder struct{}

func (noopRecorder) RecordMessage(protocol.Type, fault.Kind) {}
func (noopRecorder) RecordLockReleased(string)               {}
