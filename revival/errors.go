package revival

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/openjdk/revival/segment"
)

var (
	// ErrPlanMismatch means the mapping plan was built from a different
	// dump than the one being revived.
	ErrPlanMismatch = errors.New("revival: mapping plan does not match dump")
	// ErrSymbolNotFound is returned when neither the symbol file nor the
	// loaded library know a symbol.
	ErrSymbolNotFound = errors.New("revival: symbol not found")
	// ErrNoRuntimeLibrary is returned when the dump does not list the
	// runtime library among its modules.
	ErrNoRuntimeLibrary = errors.New("revival: runtime library not loaded in dumped process")
	// ErrLibraryLoad is returned when the runtime library cannot be loaded
	// at its dumped address.
	ErrLibraryLoad = errors.New("revival: cannot load runtime library at its dumped address")
	// ErrNotRevived is reported through OnFatal when a post-revival
	// operation is requested before revival completed.
	ErrNotRevived = errors.New("revival: process image not revived")
	// ErrDataVersion is reported through OnFatal when the runtime returns
	// revival data of an unknown layout.
	ErrDataVersion = errors.New("revival: unexpected revival data version")
)

// RetryableConflict is returned when a region of the plan overlaps memory
// the current process is using. Another attempt, once the address-space
// layout has shifted, may succeed.
type RetryableConflict struct {
	Reason  string
	Segment segment.Segment
}

func (e *RetryableConflict) Error() string {
	return fmt.Sprintf("revival: address conflict, retry: %s at %v", e.Reason, e.Segment)
}

// ClashError is returned instead of RetryableConflict when the session is
// configured to abort on clashes.
type ClashError struct {
	Reason  string
	Segment segment.Segment
}

func (e *ClashError) Error() string {
	return fmt.Sprintf("revival: address clash: %s at %v", e.Reason, e.Segment)
}

// IsRetryable reports whether err, or an error it wraps, is a
// RetryableConflict.
func IsRetryable(err error) bool {
	var rc *RetryableConflict
	return errors.As(err, &rc)
}
