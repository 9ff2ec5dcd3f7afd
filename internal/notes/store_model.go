package notes

// NoteRecord stores the latest known content of a note.
type NoteRecord struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	Revision         int64  `gorm:"column:revision;not null;default:0"`
	LastSequence     int64  `gorm:"column:last_sequence;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRecord) TableName() string {
	return "notes"
}

// OperationRecord stores an append-only operation log entry.
type OperationRecord struct {
	OperationID     string `gorm:"column:operation_id;primaryKey;size:190;not null"`
	NoteID          string `gorm:"column:note_id;size:190;not null;uniqueIndex:idx_note_operations_sequence,priority:1"`
	Sequence        int64  `gorm:"column:sequence;not null;uniqueIndex:idx_note_operations_sequence,priority:2"`
	Revision        int64  `gorm:"column:revision;not null"`
	AuthorID        string `gorm:"column:author_id;size:190;not null"`
	ClientID        string `gorm:"column:client_id;size:190;not null;default:''"`
	ClientSeq       int64  `gorm:"column:client_seq;not null;default:0"`
	Kind            string `gorm:"column:kind;size:16;not null"`
	Position        int    `gorm:"column:position;not null;default:0"`
	Length          int    `gorm:"column:length;not null;default:0"`
	Content         string `gorm:"column:content;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OperationRecord) TableName() string {
	return "note_operations"
}
