package booking

import (
	"errors"
	"fmt"
	"testing"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/slottoken"
)

func TestErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", ErrSlotTaken)
	if !errors.Is(wrapped, ErrSlotTaken) || KindOf(wrapped) != KindSlotTaken {
		t.Fatalf("wrapped sentinel lost its kind: %v", wrapped)
	}

	cause := errors.New("connection reset")
	err := classify("book", cause)
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, cause) {
		t.Fatalf("expected persistence wrapping %v, got %v", cause, err)
	}
	if errors.Is(err, ErrSlotTaken) {
		t.Fatal("persistence failure must not read as slot taken")
	}

	if got := KindOf(fmt.Errorf("x: %w", slottoken.ErrMalformed)); got != KindMalformedToken {
		t.Fatalf("expected malformed_token, got %q", got)
	}
	if got := classify("book", ErrNotFound); got != ErrNotFound {
		t.Fatalf("domain errors pass through, got %v", got)
	}
	if KindOf(nil) != "" {
		t.Fatal("nil has no kind")
	}
}
