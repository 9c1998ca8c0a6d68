package testsupport

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Seeded from the clock so rows left behind by an aborted run never collide with the next one
var sequence atomic.Uint64

func init() {
	sequence.Store(uint64(time.Now().UnixNano() % 1_000_000))
}

// NextSequence returns a process-unique number
func NextSequence() uint64 {
	return sequence.Add(1)
}

// UniqueName returns prefix_N, safe to use as a table or schema name
func UniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, NextSequence())
}

// UniqueSessionID returns a collaboration session id no other test will use
func UniqueSessionID() string {
	return fmt.Sprintf("session_%d_%s", NextSequence(), uuid.NewString()[:8])
}

// UniqueModelID suffixes base so profile rows never collide between tests
func UniqueModelID(base string) string {
	return fmt.Sprintf("%s-%d", base, NextSequence())
}
