// Package ids mints the short request identifiers used across the broker.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// New derives a 12-hex-char request id from the seed and the current time.
// Ids are opaque; the seed only makes collisions between simultaneous
// requests for different operations vanishingly unlikely.
func New(seed string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, time.Now().UnixNano())))
	return hex.EncodeToString(sum[:])[:12]
}

// NewBatch mints a batch id in the batch-{12 hex} form that confirm
// verification expects.
func NewBatch() string {
	return "batch-" + New("upload_batch")
}
