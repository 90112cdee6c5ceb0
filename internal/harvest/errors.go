package harvest

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems.
var (
	// ErrInsufficientFunds is returned when a balance check or mutation
	// cannot be covered. At submission under the freeze policy it rejects
	// the task before any work starts.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound is returned by stores for unknown task IDs.
	ErrNotFound = errors.New("not found")
)

// VendorError wraps a failure reported by the scraping proxy. Transient
// errors are retried with backoff; all others propagate immediately.
type VendorError struct {
	StatusCode int
	Message    string
	Transient  bool
}

func (e *VendorError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("vendor error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("vendor error: status %d: %s", e.StatusCode, e.Message)
}

// IsTransientVendor reports whether err is a retryable vendor failure.
func IsTransientVendor(err error) bool {
	var ve *VendorError
	return errors.As(err, &ve) && ve.Transient
}
