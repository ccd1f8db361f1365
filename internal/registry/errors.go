package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistration is matched by every *RegistrationError.
	ErrRegistration = errors.New("check registration failed")

	// ErrUnknownAuditor is returned when a selection names an auditor that
	// has no registered checks.
	ErrUnknownAuditor = errors.New("unknown auditor")

	// ErrUnknownCheck is returned when a selection's check filter matches
	// no registered check.
	ErrUnknownCheck = errors.New("unknown check")

	// ErrCheckTimeout is recorded for a check that exceeded its wall-clock
	// budget.
	ErrCheckTimeout = errors.New("check timed out")
)

// RegistrationError describes a rejected Register call. It is fatal to
// startup wiring and never produced by an in-progress run.
type RegistrationError struct {
	Auditor string
	Check   string
	Reason  string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register %s/%s: %s", e.Auditor, e.Check, e.Reason)
}

// Is lets errors.Is(err, ErrRegistration) match.
func (e *RegistrationError) Is(target error) bool {
	return target == ErrRegistration
}

// PanicError wraps a value recovered from a panicking check.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("check panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// CheckError is one execution-level fault recorded by a run. It is reported
// on the run's error side channel and is never emitted as a Finding.
type CheckError struct {
	Identity
	Err error
}

func (e CheckError) Error() string {
	return fmt.Sprintf("%s: %v", e.Identity, e.Err)
}

func (e CheckError) Unwrap() error { return e.Err }

// Panicked reports whether the fault was a recovered panic.
func (e CheckError) Panicked() bool {
	var p *PanicError
	return errors.As(e.Err, &p)
}
