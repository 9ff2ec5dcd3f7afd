package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/protocol"
)

func TestOutboxDeliversInOrder(t *testing.T) {
	outbox := NewOutbox(4)
	for index := 0; index < 3; index++ {
		if err := outbox.Deliver(protocol.UserTyping{UserID: "user-a", NoteID: "note-7", IsTyping: index%2 == 0}); err != nil {
			t.Fatalf("deliver %d failed: %v", index, err)
		}
	}
	for index := 0; index < 3; index++ {
		select {
		case event := <-outbox.Events():
			typing, ok := event.(protocol.UserTyping)
			if !ok || typing.IsTyping != (index%2 == 0) {
				t.Fatalf("event %d out of order: %#v", index, event)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected queued event within deadline")
		}
	}
}

func TestOutboxClosesOnOverflow(t *testing.T) {
	outbox := NewOutbox(1)
	if err := outbox.Deliver(protocol.UserTyping{UserID: "user-a", NoteID: "note-7"}); err != nil {
		t.Fatalf("first deliver failed: %v", err)
	}
	if err := outbox.Deliver(protocol.EditControlReleased{NoteID: "note-7"}); !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("expected slow consumer, got %v", err)
	}
	if !outbox.Closed() {
		t.Fatal("expected outbox to close after overflow")
	}
	if err := outbox.Deliver(protocol.EditControlReleased{NoteID: "note-7"}); !errors.Is(err, ErrOutboxClosed) {
		t.Fatalf("expected closed outbox, got %v", err)
	}

	received := 0
	for range outbox.Events() {
		received++
	}
	if received != 1 {
		t.Fatalf("expected the queued event to stay readable, got %d", received)
	}
}
