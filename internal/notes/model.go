package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// OperationKind enumerates the supported content operations.
type OperationKind string

const (
	// OperationKindInsert inserts content at a position.
	OperationKindInsert OperationKind = "insert"
	// OperationKindDelete removes length characters starting at a position.
	OperationKindDelete OperationKind = "delete"
	// OperationKindReplace replaces the full note content.
	OperationKindReplace OperationKind = "replace"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidOperationKind indicates an unknown operation kind.
	ErrInvalidOperationKind = errors.New("notes: invalid operation kind")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ParseOperationKind maps wire values onto an OperationKind. An empty value is a
// full replace, which is what CONTENT_UPDATE carries by default.
func ParseOperationKind(rawInput string) (OperationKind, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "", string(OperationKindReplace), "full-update", "full_update":
		return OperationKindReplace, nil
	case string(OperationKindInsert):
		return OperationKindInsert, nil
	case string(OperationKindDelete):
		return OperationKindDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperationKind, rawInput)
	}
}

// State is the note content and its position in the operation log.
type State struct {
	Content   string
	Revision  int64
	Sequence  int64
	UpdatedAt time.Time
}

// Operation is a single accepted, sequenced edit. Operations are immutable once
// returned by the Sequencer.
type Operation struct {
	ID        string
	NoteID    NoteID
	AuthorID  UserID
	ClientID  string
	ClientSeq int64
	Kind      OperationKind
	Position  int
	Content   string
	Length    int
	Sequence  int64
	Revision  int64
	CreatedAt time.Time
	// Snapshot marks the synthetic full-content operation produced when the
	// requested replay range is no longer retained.
	Snapshot bool
}

// Draft is an edit submitted for sequencing.
type Draft struct {
	AuthorID  UserID
	ClientID  string
	ClientSeq int64
	Kind      OperationKind
	Position  int
	Length    int
	Content   string
	// ExpectedRevision, when set, must equal the current revision.
	ExpectedRevision *int64
}

// ApplyResult is the outcome of Sequencer.Apply.
type ApplyResult struct {
	Operation Operation
	// Duplicate reports that (ClientID, ClientSeq) was already applied and
	// Operation is the original stored operation.
	Duplicate bool
}

func runeLength(value string) int {
	return utf8.RuneCountInString(value)
}
