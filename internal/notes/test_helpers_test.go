package notes

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

type sequentialIDs struct {
	counter atomic.Int64
}

func (p *sequentialIDs) NewID() (string, error) {
	return fmt.Sprintf("op-%04d", p.counter.Add(1)), nil
}

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Unix(1700000000, 0).UTC()
	}
}

func mustSequencer(t *testing.T, cfg SequencerConfig) *Sequencer {
	t.Helper()
	if cfg.NoteID == "" {
		cfg.NoteID = mustNoteID(t, "note-7")
	}
	if cfg.Clock == nil {
		cfg.Clock = fixedClock()
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = &sequentialIDs{}
	}
	sequencer, err := NewSequencer(cfg)
	if err != nil {
		t.Fatalf("failed to create sequencer: %v", err)
	}
	return sequencer
}

func mustApply(t *testing.T, sequencer *Sequencer, holder UserID, draft Draft) Operation {
	t.Helper()
	result, err := sequencer.Apply(holder, draft)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	return result.Operation
}

func mustDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&NoteRecord{}, &OperationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

type recordingPersister struct {
	mu      sync.Mutex
	entries []journalEntry
	err     error
}

func (p *recordingPersister) Persist(operation Operation, state State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.entries = append(p.entries, journalEntry{operation: operation, state: state})
	return nil
}

func (p *recordingPersister) snapshot() []journalEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]journalEntry(nil), p.entries...)
}
