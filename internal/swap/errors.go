package swap

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package wraps exactly one of them.
var (
	ErrValidation         = errors.New("validation error")
	ErrConflict           = errors.New("conflict")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrIdentityMismatch   = errors.New("identity mismatch")
	ErrSecretHashMismatch = errors.New("secret hash mismatch")
	ErrAdapter            = errors.New("adapter error")
	ErrNotFound           = errors.New("not found")
	ErrNotParty           = errors.New("not a party to swap")
	ErrQuarantined        = errors.New("swap quarantined")
)

// AdapterError is returned when a settlement adapter fails during create, pay
// or settle. The step may be retried by re-entering the same status.
type AdapterError struct {
	Network string
	Op      string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Network, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Is reports ErrAdapter as a match so callers can use errors.Is.
func (e *AdapterError) Is(target error) bool { return target == ErrAdapter }

func adapterErr(network, op string, err error) error {
	if err == nil {
		return nil
	}
	return &AdapterError{Network: network, Op: op, Err: err}
}

// IsFatal reports whether err means the swap must stop being processed.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIdentityMismatch) ||
		errors.Is(err, ErrSecretHashMismatch) ||
		errors.Is(err, ErrConflict)
}
