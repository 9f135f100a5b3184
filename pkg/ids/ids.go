// Package ids generates the opaque, time-ordered identifiers used
// throughout the control plane: node_id, endpoint_id, grant_id, domain_id,
// token_id, and supervisor event IDs. All are ULIDs, so lexicographic
// order matches creation order without a separate timestamp field.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu        sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new ULID string. Safe for concurrent use; ulid.Monotonic
// is not itself goroutine-safe, so calls are serialized behind a mutex.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
