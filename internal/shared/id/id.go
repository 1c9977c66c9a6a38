// Package id provides identifier generation for proxy traffic.
//
// Correlation ids are ULIDs:
//   - Lexicographic sortability: pending-call dumps read in send order
//   - Prefixed types: corr_*, conn_*, wrk_* make logs readable
//   - Monotonic entropy: ids minted in the same millisecond still sort
//
// Uniqueness is only required within one proxy channel, but ULIDs are unique
// process-wide, so replies can never be matched against another channel's call.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// CorrelationID links a proxy request to its replies
type CorrelationID string

// ConnectionID identifies one endpoint-side connection
type ConnectionID string

// WorkerID identifies one sandbox executor run
type WorkerID string

// ============================================================================
// ID Prefixes
// ============================================================================

const (
	CorrelationPrefix = "corr"
	ConnectionPrefix  = "conn"
	WorkerPrefix      = "wrk"
)

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator with monotonic, cryptographically seeded entropy
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// ============================================================================
// Typed ID Generators
// ============================================================================

// NewCorrelationID mints a correlation id for one proxy invocation
func NewCorrelationID() CorrelationID {
	return CorrelationID(Default().GenerateWithPrefix(CorrelationPrefix))
}

// NewConnectionID identifies an accepted endpoint connection. Connections are
// not ordered, so a random UUID is enough.
func NewConnectionID() ConnectionID {
	return ConnectionID(ConnectionPrefix + "_" + uuid.NewString())
}

// NewWorkerID identifies one sandbox run
func NewWorkerID() WorkerID {
	return WorkerID(Default().GenerateWithPrefix(WorkerPrefix))
}

func (id CorrelationID) String() string { return string(id) }
func (id ConnectionID) String() string  { return string(id) }
func (id WorkerID) String() string      { return string(id) }

// ============================================================================
// Validation
// ============================================================================

// IsValid checks if an ID string is a valid ULID, with or without a prefix
func IsValid(id string) bool {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	_, err := ulid.Parse(id)
	return err == nil
}
