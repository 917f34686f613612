package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for the trust and sync surfaces. Handlers map these onto
// HTTP status codes; nothing else crosses the network boundary.
var (
	// ErrAuthentication covers every token or signature failure. Expired and
	// tampered tokens are deliberately indistinguishable to the caller.
	ErrAuthentication = errors.New("authentication failed")

	// ErrPeerNotFound is returned for a peer id that was never registered.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrPeerRevoked is returned for a peer id whose registration was revoked.
	// Revocation is terminal; the id is never re-activated.
	ErrPeerRevoked = errors.New("peer revoked")

	// ErrQuotaExceeded is returned when a peer exhausts its rate budget.
	// The call is rejected before any state mutation.
	ErrQuotaExceeded = errors.New("rate budget exceeded")
)

// TransientError marks a failure worth retrying: network round-trips that
// timed out, refused connections, 5xx responses. The retry controller retries
// these; everything else propagates immediately.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable. A nil err returns nil.
func NewTransientError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
