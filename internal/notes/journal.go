package notes

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	opJournalPersist      = "notes.journal.persist"
	reasonJournalClosed   = "journal_closed"
	reasonWriteFailed     = "write_failed"
	reasonBreakerOpen     = "breaker_open"
	reasonQueueFull       = "queue_full"
	defaultJournalBuffer  = 1024
	defaultWriteTimeout   = 5 * time.Second
	defaultEnqueueTimeout = 100 * time.Millisecond
	defaultBreakerTimeout = 30 * time.Second
	breakerInterval       = time.Minute
	breakerMinRequests    = 5
	breakerFailureRatio   = 0.6
)

// PersistenceRecorder observes journal writes.
type PersistenceRecorder interface {
	RecordPersist(err error)
	RecordBreakerState(name string, open bool)
}

// JournalConfig describes the dependencies of a Journal.
type JournalConfig struct {
	Store        Store
	Buffer       int
	WriteTimeout time.Duration
	// EnqueueTimeout bounds how long Persist waits for queue space.
	EnqueueTimeout time.Duration
	BreakerTimeout time.Duration
	Recorder       PersistenceRecorder
	Logger         *zap.Logger
}

type journalEntry struct {
	operation Operation
	state     State
}

// Journal writes accepted operations to the Store behind the engine, in the
// order they were accepted. A circuit breaker stops hammering an unhealthy
// store; failed writes are logged and counted, never replayed into memory.
type Journal struct {
	store          Store
	queue          chan journalEntry
	stopped        chan struct{}
	stopOnce       sync.Once
	breaker        *gobreaker.CircuitBreaker
	writeTimeout   time.Duration
	enqueueTimeout time.Duration
	recorder       PersistenceRecorder
	logger         *zap.Logger
}

// NewJournal constructs a Journal. Run must be started for entries to be written.
func NewJournal(cfg JournalConfig) (*Journal, error) {
	if cfg.Store == nil {
		return nil, errors.New("notes: journal store is required")
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultJournalBuffer
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	enqueueTimeout := cfg.EnqueueTimeout
	if enqueueTimeout <= 0 {
		enqueueTimeout = defaultEnqueueTimeout
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = defaultBreakerTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}

	journal := &Journal{
		store:          cfg.Store,
		queue:          make(chan journalEntry, buffer),
		stopped:        make(chan struct{}),
		writeTimeout:   writeTimeout,
		enqueueTimeout: enqueueTimeout,
		recorder:       recorder,
		logger:         logger,
	}
	journal.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notes-journal",
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			journal.logger.Warn("journal breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			journal.recorder.RecordBreakerState(name, to == gobreaker.StateOpen)
		},
	})
	return journal, nil
}

// Persist queues an operation for writing. When the queue stays full for the
// enqueue timeout, or the journal has stopped, the operation is refused so the
// caller can reject the edit instead of diverging from the store.
func (j *Journal) Persist(operation Operation, state State) error {
	entry := journalEntry{operation: operation, state: state}
	select {
	case <-j.stopped:
		return j.refuse(operation, reasonJournalClosed, errJournalClosed)
	default:
	}
	select {
	case j.queue <- entry:
		return nil
	default:
	}

	timer := time.NewTimer(j.enqueueTimeout)
	defer timer.Stop()
	select {
	case j.queue <- entry:
		return nil
	case <-j.stopped:
		return j.refuse(operation, reasonJournalClosed, errJournalClosed)
	case <-timer.C:
		return j.refuse(operation, reasonQueueFull, errJournalFull)
	}
}

func (j *Journal) refuse(operation Operation, reason string, err error) error {
	j.logger.Error("notes journal error",
		zap.String("operation", opJournalPersist),
		zap.String("reason", reason),
		zap.String(fieldNoteID, operation.NoteID.String()),
		zap.Int64(fieldSequence, operation.Sequence))
	j.recorder.RecordPersist(err)
	return err
}

var (
	errJournalClosed = errors.New("notes: journal closed")
	errJournalFull   = errors.New("notes: journal queue full")
)

// Run writes queued entries until ctx is cancelled, then drains what is left.
func (j *Journal) Run(ctx context.Context) error {
	defer j.stopOnce.Do(func() { close(j.stopped) })
	for {
		select {
		case entry := <-j.queue:
			j.write(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-j.queue:
					j.write(entry)
				default:
					return nil
				}
			}
		}
	}
}

func (j *Journal) write(entry journalEntry) {
	writeCtx, cancel := context.WithTimeout(context.Background(), j.writeTimeout)
	defer cancel()
	_, err := j.breaker.Execute(func() (interface{}, error) {
		return nil, j.store.SaveOperation(writeCtx, entry.operation, entry.state)
	})
	j.recorder.RecordPersist(err)
	if err == nil {
		return
	}
	reason := reasonWriteFailed
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		reason = reasonBreakerOpen
	}
	j.logger.Error("notes journal error",
		zap.String("operation", opJournalPersist),
		zap.String("reason", reason),
		zap.String(fieldNoteID, entry.operation.NoteID.String()),
		zap.Int64(fieldSequence, entry.operation.Sequence),
		zap.Error(err))
}

type noopRecorder struct{}

func (noopRecorder) RecordPersist(error)             {}
func (noopRecorder) RecordBreakerState(string, bool) {}
