package facematch

import (
	"errors"
	"fmt"

	"github.com/facekit/facematch/persistence"
)

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrDegenerateVector is returned when every supplied embedding has a
	// near-zero norm and cannot be normalized. A degenerate vector must
	// never enter the store; it would attract every query to a meaningless
	// direction.
	ErrDegenerateVector = errors.New("degenerate vector: norm too small to normalize")

	// ErrNoSnapshotStore is returned by Persist when no blob store is
	// configured.
	ErrNoSnapshotStore = errors.New("no snapshot store configured")

	// ErrCorruptSnapshot marks a snapshot that failed integrity validation
	// during recovery. Fatal for the process instance: the engine refuses
	// to start rather than silently serve an incomplete index.
	ErrCorruptSnapshot = persistence.ErrCorrupt
)

// ErrInvalidConfiguration indicates a configuration value the engine refuses
// to start with.
type ErrInvalidConfiguration struct {
	Field  string
	Reason string
}

func (e *ErrInvalidConfiguration) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
