package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationReplayNoteHeads = "2026-10-01_replay_note_heads"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationReplayNoteHeads, apply: replayNoteHeads},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// replayNoteHeads rolls a note row forward over logged operations it has not
// absorbed, so content, revision, and last_sequence always describe the same
// operation. Replay stops at the first gap or unreplayable operation.
func replayNoteHeads(db *gorm.DB) error {
	var behind []notes.NoteRecord
	err := db.Where(`last_sequence < (
		SELECT COALESCE(MAX(sequence), 0) FROM note_operations WHERE note_operations.note_id = notes.note_id
	)`).Find(&behind).Error
	if err != nil {
		return err
	}
	for _, note := range behind {
		if err := db.Transaction(func(tx *gorm.DB) error {
			return replayNoteHead(tx, note)
		}); err != nil {
			return err
		}
	}
	return nil
}

func replayNoteHead(tx *gorm.DB, note notes.NoteRecord) error {
	var rows []notes.OperationRecord
	if err := tx.Where("note_id = ? AND sequence > ?", note.NoteID, note.LastSequence).
		Order("sequence ASC").
		Find(&rows).Error; err != nil {
		return err
	}

	head := note
	for _, row := range rows {
		if row.Sequence != head.LastSequence+1 {
			break
		}
		content, err := notes.ApplyOperation(head.Content, notes.Operation{
			Kind:     notes.OperationKind(row.Kind),
			Position: row.Position,
			Content:  row.Content,
			Length:   row.Length,
		})
		if err != nil {
			break
		}
		head.Content = content
		head.Revision = row.Revision
		head.LastSequence = row.Sequence
		head.UpdatedAtSeconds = row.CreatedAtMillis / 1000
	}
	if head.LastSequence == note.LastSequence {
		return nil
	}
	return tx.Model(&notes.NoteRecord{}).
		Where("note_id = ? AND last_sequence = ?", note.NoteID, note.LastSequence).
		Updates(map[string]any{
			"content":       head.Content,
			"revision":      head.Revision,
			"last_sequence": head.LastSequence,
			"updated_at_s":  head.UpdatedAtSeconds,
		}).Error
}
