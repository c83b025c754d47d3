// Package uid mints the opaque identifiers used for upload sessions,
// retry test registrations and benchmark runs.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a 32-character lowercase hex identifier. IDs come from
// crypto/rand; if the system entropy source fails, a timestamp-derived ID
// keeps callers moving.
func New() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
