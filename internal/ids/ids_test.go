package ids

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestReferencePrefix(t *testing.T) {
	ref := Reference(" upi ")
	if !strings.HasPrefix(ref, "UPI") {
		t.Fatalf("expected UPI prefix, got %s", ref)
	}
	if len(ref) != len("UPI")+26 {
		t.Fatalf("unexpected reference length %d", len(ref))
	}
}

func TestRequestIDIsUUID(t *testing.T) {
	if _, err := uuid.Parse(RequestID()); err != nil {
		t.Fatalf("RequestID is not a uuid: %v", err)
	}
}
