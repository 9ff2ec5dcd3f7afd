package notes

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/fault"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew            = "notes.store.new"
	opLoadNote            = "notes.load_note"
	opSaveOperation       = "notes.save_operation"
	fieldNoteID           = "note_id"
	fieldSequence         = "sequence"
	querySingleNote       = fieldNoteID + " = ?"
	orderSequenceDesc     = fieldSequence + " DESC"
	reasonMissingDatabase = "missing_database"
	reasonNoteMissing     = "note_missing"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "operation_insert_failed"
	reasonUpsertFailed    = "note_upsert_failed"
	reasonRecordInvalid   = "record_invalid"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrNoteNotFound indicates that no stored note exists for the identifier.
	ErrNoteNotFound = errors.New("notes: note not found")
)

// Store is the durable side of the operation log.
type Store interface {
	LoadNote(ctx context.Context, noteID NoteID, tailLimit int) (StoredNote, error)
	SaveOperation(ctx context.Context, operation Operation, state State) error
}

// StoredNote is a note as read back from durable storage.
type StoredNote struct {
	State State
	Tail  []Operation
}

// GormStoreConfig describes the dependencies of a GormStore.
type GormStoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// GormStore persists notes and operations through GORM.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore constructs a GormStore.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, fault.Unavailable(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &GormStore{db: cfg.Database, logger: logger}, nil
}

// LoadNote reads the note row and up to tailLimit of its most recent operations.
func (store *GormStore) LoadNote(ctx context.Context, noteID NoteID, tailLimit int) (StoredNote, error) {
	var record NoteRecord
	err := store.db.WithContext(ctx).Where(querySingleNote, noteID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StoredNote{}, fault.NotFound(opLoadNote, reasonNoteMissing, ErrNoteNotFound)
	}
	if err != nil {
		store.logError(opLoadNote, reasonQueryFailed, err, zap.String(fieldNoteID, noteID.String()))
		return StoredNote{}, fault.Unavailable(opLoadNote, reasonQueryFailed, err)
	}

	stored := StoredNote{
		State: State{
			Content:   record.Content,
			Revision:  record.Revision,
			Sequence:  record.LastSequence,
			UpdatedAt: time.Unix(record.UpdatedAtSeconds, 0).UTC(),
		},
	}
	if tailLimit <= 0 || record.LastSequence == 0 {
		return stored, nil
	}

	var rows []OperationRecord
	if err := store.db.WithContext(ctx).
		Where(querySingleNote, noteID.String()).
		Where(fieldSequence+" <= ?", record.LastSequence).
		Order(orderSequenceDesc).
		Limit(tailLimit).
		Find(&rows).Error; err != nil {
		store.logError(opLoadNote, reasonQueryFailed, err, zap.String(fieldNoteID, noteID.String()))
		return StoredNote{}, fault.Unavailable(opLoadNote, reasonQueryFailed, err)
	}
	slices.Reverse(rows)

	stored.Tail = make([]Operation, 0, len(rows))
	for _, row := range rows {
		operation, convErr := operationFromRecord(row)
		if convErr != nil {
			store.logError(opLoadNote, reasonRecordInvalid, convErr,
				zap.String(fieldNoteID, noteID.String()),
				zap.Int64(fieldSequence, row.Sequence))
			return StoredNote{}, fault.Unavailable(opLoadNote, reasonRecordInvalid, convErr)
		}
		stored.Tail = append(stored.Tail, operation)
	}
	return stored, nil
}

// SaveOperation appends the operation and advances the note row in one
// transaction. Saving the same operation twice is a no-op, and the note row
// never moves backwards.
func (store *GormStore) SaveOperation(ctx context.Context, operation Operation, state State) error {
	transactionError := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		row := recordFromOperation(operation)
		if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			store.logError(opSaveOperation, reasonInsertFailed, err,
				zap.String(fieldNoteID, operation.NoteID.String()),
				zap.Int64(fieldSequence, operation.Sequence))
			return fault.Unavailable(opSaveOperation, reasonInsertFailed, err)
		}
		if err := store.upsertNote(transaction, operation.NoteID, state); err != nil {
			store.logError(opSaveOperation, reasonUpsertFailed, err,
				zap.String(fieldNoteID, operation.NoteID.String()),
				zap.Int64(fieldSequence, operation.Sequence))
			return fault.Unavailable(opSaveOperation, reasonUpsertFailed, err)
		}
		return nil
	})
	return transactionError
}

func (store *GormStore) upsertNote(transaction *gorm.DB, noteID NoteID, state State) error {
	var existing NoteRecord
	err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(querySingleNote, noteID.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return transaction.Create(&NoteRecord{
			NoteID:           noteID.String(),
			Content:          state.Content,
			Revision:         state.Revision,
			LastSequence:     state.Sequence,
			UpdatedAtSeconds: state.UpdatedAt.UTC().Unix(),
		}).Error
	}
	if err != nil {
		return err
	}
	if state.Sequence <= existing.LastSequence {
		return nil
	}
	existing.Content = state.Content
	existing.Revision = state.Revision
	existing.LastSequence = state.Sequence
	existing.UpdatedAtSeconds = state.UpdatedAt.UTC().Unix()
	return transaction.Save(&existing).Error
}

func (store *GormStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.logger.Error("notes store error", attrs...)
}

func recordFromOperation(operation Operation) OperationRecord {
	return OperationRecord{
		OperationID:     operation.ID,
		NoteID:          operation.NoteID.String(),
		Sequence:        operation.Sequence,
		Revision:        operation.Revision,
		AuthorID:        operation.AuthorID.String(),
		ClientID:        operation.ClientID,
		ClientSeq:       operation.ClientSeq,
		Kind:            string(operation.Kind),
		Position:        operation.Position,
		Length:          operation.Length,
		Content:         operation.Content,
		CreatedAtMillis: operation.CreatedAt.UTC().UnixMilli(),
	}
}

func operationFromRecord(row OperationRecord) (Operation, error) {
	noteID, err := NewNoteID(row.NoteID)
	if err != nil {
		return Operation{}, err
	}
	authorID, err := NewUserID(row.AuthorID)
	if err != nil {
		return Operation{}, err
	}
	kind, err := ParseOperationKind(row.Kind)
	if err != nil {
		return Operation{}, err
	}
	return Operation{
		ID:        row.OperationID,
		NoteID:    noteID,
		AuthorID:  authorID,
		ClientID:  row.ClientID,
		ClientSeq: row.ClientSeq,
		Kind:      kind,
		Position:  row.Position,
		Content:   row.Content,
		Length:    row.Length,
		Sequence:  row.Sequence,
		Revision:  row.Revision,
		CreatedAt: time.UnixMilli(row.CreatedAtMillis).UTC(),
	}, nil
}
