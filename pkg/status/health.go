package status

import (
	"errors"
	"fmt"
	"time"
)

// Exit codes derived from the document.
const (
	ExitHealthy   = 0
	ExitUnhealthy = 1
	ExitNoStatus  = 2
)

// Healthy is the health predicate: a readable document with no error
// marker, a connected transport, and health healthy or idle.
func Healthy(doc Document, err error) bool {
	return Check(doc, err) == nil
}

// Check explains why a document is unhealthy, or returns nil.
func Check(doc Document, err error) error {
	if err != nil {
		return err
	}
	if verr := doc.Validate(); verr != nil {
		return verr
	}
	if doc.Error != nil {
		return fmt.Errorf("error: %s", doc.Error.Message)
	}
	if doc.Connection.Status != ConnConnected {
		return fmt.Errorf("connection %s", doc.Connection.Status)
	}
	switch doc.Health.Status {
	case HealthHealthy, HealthIdle:
		return nil
	default:
		return fmt.Errorf("health %s", doc.Health.Status)
	}
}

// Stale reports whether a document claiming to be live has not been
// rewritten within maxAge. A dead daemon leaves such a document behind.
func Stale(doc Document, now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 || doc.Health.Status == HealthStopped {
		return false
	}
	return now.Sub(doc.LastUpdated) > maxAge
}

// ExitCode maps a load result to a process exit code. It is total: every
// document and error yields exactly one of the Exit constants.
func ExitCode(doc Document, err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMalformed):
		return ExitNoStatus
	case Healthy(doc, err):
		return ExitHealthy
	default:
		return ExitUnhealthy
	}
}
