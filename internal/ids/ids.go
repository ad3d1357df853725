package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Reference builds a payment correlation token such as "UPI01J9Z...".
// The prefix is upper-cased; an empty prefix yields a bare ULID.
func Reference(prefix string) string {
	return strings.ToUpper(strings.TrimSpace(prefix)) + New()
}

// RequestID returns a random identifier for the X-Request-ID header.
func RequestID() string {
	return uuid.NewString()
}
