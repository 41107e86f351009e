// Package installerr defines the failure taxonomy of an install run and maps
// each kind to a distinct process exit status.
package installerr

import (
	"errors"
	"fmt"
)

// Kind classifies a fatal install failure.
type Kind int

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = iota
	// KindForbidden is a policy violation found before any work started.
	KindForbidden
	// KindResolution covers cyclic, missing and unsatisfiable dependencies.
	KindResolution
	// KindDownload covers network, checksum and checkout failures.
	KindDownload
	// KindBuildFailed covers a failing build procedure.
	KindBuildFailed
	// KindStaging covers filesystem failures while committing or linking.
	KindStaging
	// KindDeclined is an explicit "no" at the confirmation prompt.
	KindDeclined
)

func (k Kind) String() string {
	switch k {
	case KindForbidden:
		return "forbidden"
	case KindResolution:
		return "resolution"
	case KindDownload:
		return "download"
	case KindBuildFailed:
		return "build-failed"
	case KindStaging:
		return "staging"
	case KindDeclined:
		return "declined"
	default:
		return "unknown"
	}
}

// ExitCode is the process status reported for a failure of this kind.
func (k Kind) ExitCode() int {
	switch k {
	case KindForbidden:
		return 3
	case KindResolution:
		return 4
	case KindDownload:
		return 5
	case KindBuildFailed:
		return 6
	case KindStaging:
		return 7
	default:
		return 1
	}
}

// Error is a classified failure attached to the formula it concerns.
type Error struct {
	Kind    Kind
	Formula string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Formula == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Formula, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and the formula name it belongs to.
func New(kind Kind, formula string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Formula: formula, Err: err}
}

// Newf is New with a formatted message.
func Newf(kind Kind, formula, format string, args ...any) error {
	return &Error{Kind: kind, Formula: formula, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode maps err to the process exit status. A nil error is success.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}
