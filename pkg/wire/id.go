package wire

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

var refMu sync.Mutex

// NewRef returns a new correlation reference. References are ULIDs, so they
// are unique for the life of the process and never reused; only a value the
// server itself generated can complete a pending call.
func NewRef() string {
	refMu.Lock()
	defer refMu.Unlock()
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
