// Package merr implements the coordinator's error taxonomy: a small set of
// sentinel errors plus a wrapping type that carries the taxonomy class and an
// optional underlying cause, in the teacher's MakeError/IsError style.
package merr

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error per the taxonomy in spec.md section 7.
type ErrorKind int

const (
	// ErrUnknown is the catch-all kind.
	ErrUnknown ErrorKind = iota
	// ErrTransientNetwork covers socket timeouts, DNS failures, non-fatal
	// HTTP statuses. Policy: retry with configured backoff.
	ErrTransientNetwork
	// ErrProtocol covers malformed JSON, missing fields, unexpected message
	// order. Policy: log, drop the frame, keep the session.
	ErrProtocol
	// ErrSemanticRejection covers share rejections with a server-supplied
	// reason. Policy: count, surface reason.
	ErrSemanticRejection
	// ErrDuplicateShare is a semantic rejection specifically indicating a
	// duplicate submission; it additionally raises the stratum session
	// reset flag.
	ErrDuplicateShare
	// ErrResourceExhaustion covers allocation/device init failure. Policy:
	// fatal.
	ErrResourceExhaustion
	// ErrConfiguration covers bad URLs, missing credentials. Policy: fatal
	// at startup.
	ErrConfiguration
	// ErrRetriesExhausted indicates a work-I/O command exhausted its retry
	// budget.
	ErrRetriesExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransientNetwork:
		return "transient-network"
	case ErrProtocol:
		return "protocol"
	case ErrSemanticRejection:
		return "semantic-rejection"
	case ErrDuplicateShare:
		return "duplicate-share"
	case ErrResourceExhaustion:
		return "resource-exhaustion"
	case ErrConfiguration:
		return "configuration"
	case ErrRetriesExhausted:
		return "retries-exhausted"
	default:
		return "unknown"
	}
}

// Error is the coordinator's wrapped error type.
type Error struct {
	Kind        ErrorKind
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func (e *Error) Unwrap() error { return e.Err }

// Make builds a new *Error of the given kind.
func Make(kind ErrorKind, desc string, err error) error {
	return &Error{Kind: kind, Description: desc, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrWorkExists classifies a (job_id, nonce) pair that has already been
// recorded. The Share Ledger does not return it; it reports duplicates
// through AlreadySubmitted's found result.
var ErrWorkExists = Make(ErrDuplicateShare, "share already recorded", nil)

// ErrNoCurrentJob classifies a request for work before any job has been
// published. Job State's Snapshot does not return it; it reports that case
// as a nil Job.
var ErrNoCurrentJob = Make(ErrUnknown, "no current job published", nil)
