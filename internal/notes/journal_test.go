package notes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type flakyStore struct {
	mu     sync.Mutex
	err    error
	saved  []int64
	called int
}

func (s *flakyStore) LoadNote(context.Context, NoteID, int) (StoredNote, error) {
	return StoredNote{}, ErrNoteNotFound
}

func (s *flakyStore) SaveOperation(_ context.Context, operation Operation, _ State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called++
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, operation.Sequence)
	return nil
}

type countingRecorder struct {
	mu       sync.Mutex
	ok       int
	failed   int
	openSeen bool
}

func (r *countingRecorder) RecordPersist(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed++
		return
	}
	r.ok++
}

func (r *countingRecorder) RecordBreakerState(_ string, open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if open {
		r.openSeen = true
	}
}

func TestJournalWritesInAcceptanceOrderAndDrainsOnShutdown(t *testing.T) {
	store := &flakyStore{}
	recorder := &countingRecorder{}
	journal, err := NewJournal(JournalConfig{Store: store, Buffer: 16, Recorder: recorder})
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	for sequence := int64(1); sequence <= 5; sequence++ {
		if err := journal.Persist(Operation{NoteID: "note-j", Sequence: sequence}, State{Sequence: sequence}); err != nil {
			t.Fatalf("persist %d failed: %v", sequence, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := journal.Run(ctx); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	if len(store.saved) != 5 {
		t.Fatalf("expected 5 writes after drain, got %v", store.saved)
	}
	for index, sequence := range store.saved {
		if sequence != int64(index+1) {
			t.Fatalf("writes out of order: %v", store.saved)
		}
	}
	if recorder.ok != 5 {
		t.Fatalf("expected 5 successful writes recorded, got %d", recorder.ok)
	}

	if err := journal.Persist(Operation{NoteID: "note-j", Sequence: 6}, State{Sequence: 6}); !errors.Is(err, errJournalClosed) {
		t.Fatalf("expected persist after shutdown to be refused, got %v", err)
	}
}

func TestJournalRefusesWhenQueueStaysFull(t *testing.T) {
	store := &flakyStore{}
	recorder := &countingRecorder{}
	core, logs := observer.New(zapcore.ErrorLevel)
	journal, err := NewJournal(JournalConfig{
		Store:          store,
		Buffer:         2,
		EnqueueTimeout: 20 * time.Millisecond,
		Recorder:       recorder,
		Logger:         zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	for sequence := int64(1); sequence <= 2; sequence++ {
		if err := journal.Persist(Operation{NoteID: "note-j", Sequence: sequence}, State{Sequence: sequence}); err != nil {
			t.Fatalf("persist %d failed: %v", sequence, err)
		}
	}

	started := time.Now()
	err = journal.Persist(Operation{NoteID: "note-j", Sequence: 3}, State{Sequence: 3})
	if !errors.Is(err, errJournalFull) {
		t.Fatalf("expected queue full refusal, got %v", err)
	}
	if waited := time.Since(started); waited > time.Second {
		t.Fatalf("persist waited %v on a full queue", waited)
	}
	if recorder.failed != 1 {
		t.Fatalf("expected one recorded refusal, got %d", recorder.failed)
	}
	if len(logs.FilterField(zap.String("reason", reasonQueueFull)).All()) != 1 {
		t.Fatalf("expected a queue_full log entry, got %d entries", logs.Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = journal.Run(ctx)
	if len(store.saved) != 2 {
		t.Fatalf("expected only the queued entries to be written, got %v", store.saved)
	}
}

func TestJournalTripsBreakerAndLogsFailures(t *testing.T) {
	store := &flakyStore{err: errors.New("database is locked")}
	recorder := &countingRecorder{}
	core, logs := observer.New(zapcore.ErrorLevel)
	journal, err := NewJournal(JournalConfig{
		Store:          store,
		Buffer:         32,
		BreakerTimeout: time.Hour,
		Recorder:       recorder,
		Logger:         zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	for sequence := int64(1); sequence <= 10; sequence++ {
		_ = journal.Persist(Operation{NoteID: "note-j", Sequence: sequence}, State{Sequence: sequence})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = journal.Run(ctx)

	if store.called != breakerMinRequests {
		t.Fatalf("expected breaker to stop calls after %d failures, store called %d times", breakerMinRequests, store.called)
	}
	if recorder.failed != 10 || !recorder.openSeen {
		t.Fatalf("expected 10 recorded failures and an open breaker, got %+v", recorder)
	}
	if len(logs.FilterField(zap.String("reason", reasonBreakerOpen)).All()) != 10-breakerMinRequests {
		t.Fatalf("expected breaker-open log entries, got %d", logs.Len())
	}
}
