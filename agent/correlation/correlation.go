// Package correlation generates and formats the correlation identifier that
// threads a single host request through the collector, the local transport,
// the daemon, the central store, and back out through the SQL comment the
// database's own monitoring agent reads.
package correlation

import (
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var fallbackCounter uint64

// NewID returns a fresh v4 UUID in canonical 8-4-4-4-12 hex form. Generation
// must never fail the host request: if the crypto/rand-backed generator is
// exhausted, it falls back to a timestamp+counter token that is still unique
// per process, just not a valid UUID.
func NewID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fallbackID()
	}
	return id.String()
}

func fallbackID() string {
	n := atomic.AddUint64(&fallbackCounter, 1)
	return fmt.Sprintf("fallback-%d-%d", time.Now().UnixNano(), n)
}

// FormatComment returns the SQL comment form that carries a correlation ID
// alongside a query, e.g. "/* correlation:3fa85f64-... */".
func FormatComment(id string) string {
	return fmt.Sprintf("/* correlation:%s */", id)
}

var commentPattern = regexp.MustCompile(`/\*\s*correlation:([^\s*]+)\s*\*/`)

// ParseComment recovers the correlation ID from SQL text previously tagged
// with FormatComment. It returns ("", false) if no tag is present.
func ParseComment(sql string) (string, bool) {
	m := commentPattern.FindStringSubmatch(sql)
	if m == nil {
		return "", false
	}
	return m[1], true
}
