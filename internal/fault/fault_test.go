package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCarriesKindAndCode(t *testing.T) {
	cause := errors.New("holder mismatch")
	err := Conflict("editlock.release", "not_holder", cause)

	if err.Kind() != KindConflict {
		t.Fatalf("expected conflict kind, got %s", err.Kind())
	}
	if err.Code() != "editlock.release.not_holder" {
		t.Fatalf("unexpected code %q", err.Code())
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected errors.Is to match conflict sentinel")
	}
	if errors.Is(err, ErrForbidden) {
		t.Fatalf("did not expect forbidden sentinel to match")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to remain reachable")
	}
	if err.Error() != "editlock.release.not_holder: holder mismatch" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("engine: %w", Forbidden("notes.apply", "not_holder", nil))
	if KindOf(wrapped) != KindForbidden {
		t.Fatalf("expected forbidden, got %s", KindOf(wrapped))
	}
	if CodeOf(wrapped) != "notes.apply.not_holder" {
		t.Fatalf("unexpected code %q", CodeOf(wrapped))
	}
}

func TestKindOfClassifiesSentinelsAndUnknownErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "sentinel", err: fmt.Errorf("lookup: %w", ErrNotFound), want: KindNotFound},
		{name: "invalid", err: ErrInvalidArgument, want: KindInvalidArgument},
		{name: "unknown", err: errors.New("disk on fire"), want: KindUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("want %q, got %q", tt.want, got)
			}
		})
	}
	if CodeOf(errors.New("boom")) != "internal" {
		t.Fatalf("expected internal code for unclassified error")
	}
}
