package proxy

import (
	"errors"
	"syscall"
)

// isConnReset reports whether err represents a peer connection reset
// (ECONNRESET), which spec.md §4.5 classifies separately from a generic
// unexpected error.
func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}
