package ids

import (
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for document keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ApplicationNumber returns a human readable case number such as ZK-2026-7F3KQ9.
// The suffix is taken from the random part of a fresh ULID.
func ApplicationNumber(now time.Time) string {
	id := New()
	suffix := strings.ToUpper(id[len(id)-6:])
	return fmt.Sprintf("ZK-%d-%s", now.UTC().Year(), suffix)
}
