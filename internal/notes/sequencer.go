package notes

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/fault"
	"go.uber.org/zap"
)

const (
	opSequencerNew   = "notes.sequencer.new"
	opApply          = "notes.apply"
	reasonNotHolder  = "not_holder"
	reasonStaleRev   = "stale_revision"
	reasonStaleSeq   = "stale_client_sequence"
	reasonBadEdit    = "invalid_edit"
	reasonIDFailed   = "id_generation_failed"
	reasonBadAuthor  = "invalid_author"
	reasonMissingNID = "missing_note_id"
	reasonRefused    = "persist_refused"

	// DefaultRetainOperations bounds the in-memory replay window per note.
	DefaultRetainOperations = 1000
)

var (
	errMissingNoteID = errors.New("note identifier is required")
	errNotHolder     = errors.New("author does not hold the edit lock")
	noOpLogger       = zap.NewNop()
)

// Persister receives every operation together with the note state it
// produces, before the state is committed. Implementations must not block for
// longer than a bounded queue hand-off; an error refuses the operation.
type Persister interface {
	Persist(operation Operation, state State) error
}

// SequencerConfig describes the inputs required to build a Sequencer.
type SequencerConfig struct {
	NoteID NoteID
	// Initial is the state loaded from storage; the zero value is an empty note.
	Initial State
	// Tail is the retained suffix of the operation log ending at Initial.Sequence.
	Tail             []Operation
	RetainOperations int
	MaxContentRunes  int
	Clock            func() time.Time
	IDProvider       IDProvider
	Persister        Persister
	Logger           *zap.Logger
}

// Sequencer owns one note's authoritative content, revision, and operation log.
// Apply is expected to be serialized by the caller per note; reads are safe
// from any goroutine.
type Sequencer struct {
	mu              sync.RWMutex
	noteID          NoteID
	content         string
	revision        int64
	sequence        int64
	updatedAt       time.Time
	log             []Operation
	clientSeqs      map[string]int64
	retain          int
	maxContentRunes int
	clock           func() time.Time
	idProvider      IDProvider
	persister       Persister
	logger          *zap.Logger
}

// NewSequencer constructs a sequencer positioned at cfg.Initial.
func NewSequencer(cfg SequencerConfig) (*Sequencer, error) {
	if cfg.NoteID == "" {
		return nil, fault.InvalidArgument(opSequencerNew, reasonMissingNID, errMissingNoteID)
	}
	retain := cfg.RetainOperations
	if retain <= 0 {
		retain = DefaultRetainOperations
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	sequencer := &Sequencer{
		noteID:          cfg.NoteID,
		content:         cfg.Initial.Content,
		revision:        cfg.Initial.Revision,
		sequence:        cfg.Initial.Sequence,
		updatedAt:       cfg.Initial.UpdatedAt,
		clientSeqs:      make(map[string]int64),
		retain:          retain,
		maxContentRunes: cfg.MaxContentRunes,
		clock:           clock,
		idProvider:      idProvider,
		persister:       cfg.Persister,
		logger:          logger,
	}
	for _, operation := range contiguousTail(cfg.Tail, cfg.Initial.Sequence) {
		sequencer.log = append(sequencer.log, operation)
		sequencer.trackClient(operation)
	}
	return sequencer, nil
}

// NoteID returns the note the sequencer owns.
func (s *Sequencer) NoteID() NoteID {
	return s.noteID
}

// Apply sequences a draft authored by the current lock holder.
func (s *Sequencer) Apply(holder UserID, draft Draft) (ApplyResult, error) {
	if draft.AuthorID == "" {
		return ApplyResult{}, fault.InvalidArgument(opApply, reasonBadAuthor, ErrInvalidUserID)
	}
	if holder == "" || draft.AuthorID != holder {
		return ApplyResult{}, fault.Forbidden(opApply, reasonNotHolder, errNotHolder)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if draft.ClientID != "" && draft.ClientSeq > 0 {
		if lastSeen, ok := s.clientSeqs[draft.ClientID]; ok && draft.ClientSeq <= lastSeen {
			if original, found := s.findClientOperation(draft.ClientID, draft.ClientSeq); found {
				return ApplyResult{Operation: original, Duplicate: true}, nil
			}
			return ApplyResult{}, fault.Conflict(opApply, reasonStaleSeq,
				fmt.Errorf("client %s sequence %d already superseded by %d", draft.ClientID, draft.ClientSeq, lastSeen))
		}
	}
	if draft.ExpectedRevision != nil && *draft.ExpectedRevision != s.revision {
		return ApplyResult{}, fault.Conflict(opApply, reasonStaleRev,
			fmt.Errorf("expected revision %d, current %d", *draft.ExpectedRevision, s.revision))
	}

	resolved, err := resolveDraft(s.content, draft, s.maxContentRunes)
	if err != nil {
		return ApplyResult{}, fault.InvalidArgument(opApply, reasonBadEdit, err)
	}

	operationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opApply, reasonIDFailed, err)
		return ApplyResult{}, fault.Unavailable(opApply, reasonIDFailed, err)
	}

	now := s.clock().UTC()
	operation := Operation{
		ID:        operationID,
		NoteID:    s.noteID,
		AuthorID:  draft.AuthorID,
		ClientID:  draft.ClientID,
		ClientSeq: draft.ClientSeq,
		Kind:      draft.Kind,
		Position:  resolved.position,
		Content:   resolved.payload,
		Length:    resolved.length,
		Sequence:  s.sequence + 1,
		Revision:  s.revision + 1,
		CreatedAt: now,
	}

	if s.persister != nil {
		next := State{Content: resolved.content, Revision: operation.Revision, Sequence: operation.Sequence, UpdatedAt: now}
		if err := s.persister.Persist(operation, next); err != nil {
			s.logError(opApply, reasonRefused, err)
			return ApplyResult{}, fault.Unavailable(opApply, reasonRefused, err)
		}
	}

	s.content = resolved.content
	s.sequence = operation.Sequence
	s.revision = operation.Revision
	s.updatedAt = now
	s.log = append(s.log, operation)
	s.trackClient(operation)
	s.compact()
	return ApplyResult{Operation: operation}, nil
}

// ReplaySince returns the operations with a sequence number greater than after,
// in ascending order. When that range has been compacted away, or after lies
// beyond the current sequence, it yields a single synthetic snapshot operation
// instead. The returned sequence is fixed at call time and can be ranged over
// any number of times.
func (s *Sequencer) ReplaySince(after int64) iter.Seq[Operation] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if after < 0 {
		after = 0
	}
	if after == s.sequence {
		return func(func(Operation) bool) {}
	}
	firstRetained := s.sequence + 1
	if len(s.log) > 0 {
		firstRetained = s.log[0].Sequence
	}
	if after > s.sequence || after+1 < firstRetained {
		snapshot := s.snapshotOperationLocked()
		return func(yield func(Operation) bool) {
			yield(snapshot)
		}
	}
	tail := s.log[after+1-firstRetained:]
	return func(yield func(Operation) bool) {
		for _, operation := range tail {
			if !yield(operation) {
				return
			}
		}
	}
}

// Snapshot returns content, revision, and sequence as of a single operation.
func (s *Sequencer) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

// FirstRetained reports the oldest sequence number still replayable, or zero
// when the retained log is empty.
func (s *Sequencer) FirstRetained() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.log) == 0 {
		return 0
	}
	return s.log[0].Sequence
}

func (s *Sequencer) stateLocked() State {
	return State{
		Content:   s.content,
		Revision:  s.revision,
		Sequence:  s.sequence,
		UpdatedAt: s.updatedAt,
	}
}

func (s *Sequencer) snapshotOperationLocked() Operation {
	return Operation{
		ID:        fmt.Sprintf("snapshot:%s:%d", s.noteID, s.revision),
		NoteID:    s.noteID,
		Kind:      OperationKindReplace,
		Content:   s.content,
		Length:    runeLength(s.content),
		Sequence:  s.sequence,
		Revision:  s.revision,
		CreatedAt: s.updatedAt,
		Snapshot:  true,
	}
}

// compact keeps between retain and 2*retain operations so trimming cost is
// amortized over retain appends.
func (s *Sequencer) compact() {
	if len(s.log) < 2*s.retain {
		return
	}
	kept := make([]Operation, s.retain, 2*s.retain)
	copy(kept, s.log[len(s.log)-s.retain:])
	s.log = kept
}

func (s *Sequencer) trackClient(operation Operation) {
	if operation.ClientID == "" || operation.ClientSeq <= 0 {
		return
	}
	if operation.ClientSeq > s.clientSeqs[operation.ClientID] {
		s.clientSeqs[operation.ClientID] = operation.ClientSeq
	}
}

func (s *Sequencer) findClientOperation(clientID string, clientSeq int64) (Operation, bool) {
	for index := len(s.log) - 1; index >= 0; index-- {
		operation := s.log[index]
		if operation.ClientID == clientID && operation.ClientSeq == clientSeq {
			return operation, true
		}
	}
	return Operation{}, false
}

func (s *Sequencer) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldNoteID, s.noteID.String()),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notes sequencer error", attrs...)
}

// contiguousTail returns the longest gap-free suffix of tail ending at sequence.
func contiguousTail(tail []Operation, sequence int64) []Operation {
	if len(tail) == 0 || tail[len(tail)-1].Sequence != sequence {
		return nil
	}
	start := len(tail) - 1
	for start > 0 && tail[start-1].Sequence == tail[start].Sequence-1 {
		start--
	}
	return tail[start:]
}
