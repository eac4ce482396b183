package ldiskfs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error surfaced by the core, per the propagation
// policy: allocator and journal errors pass through unchanged, Corrupt
// triggers the configured ErrorAction, and JournalAborted downgrades
// every later mutating call to Readonly.
type Kind int

const (
	// KindNoSpace: allocator-full, not retryable under the current
	// reserve admission.
	KindNoSpace Kind = iota + 1
	// KindIoError: underlying block I/O failed or returned corrupt data.
	KindIoError
	// KindCorrupt: on-disk structure violated an invariant.
	KindCorrupt
	// KindReadonly: operation attempted while the filesystem is read-only.
	KindReadonly
	// KindQuota: quota exceeded.
	KindQuota
	// KindJournalAborted: journal layer refuses further writes.
	KindJournalAborted
	// KindUnsupported: feature flag combination not implementable.
	KindUnsupported
	// KindBusy: concurrent resize, mount, or lock contention refused
	// the operation.
	KindBusy
	// kindRetry is internal: used to unwind a truncate loop and restart
	// the transaction. It must never escape the public API.
	kindRetry
)

func (k Kind) String() string {
	switch k {
	case KindNoSpace:
		return "no space"
	case KindIoError:
		return "I/O error"
	case KindCorrupt:
		return "corrupt"
	case KindReadonly:
		return "read-only"
	case KindQuota:
		return "quota exceeded"
	case KindJournalAborted:
		return "journal aborted"
	case KindUnsupported:
		return "unsupported"
	case KindBusy:
		return "busy"
	case kindRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every exported operation in this
// package. It carries a Kind so callers can branch with errors.As
// without parsing strings, while still composing with github.com/pkg/errors
// wrapping for call-site context.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// newErr constructs an Error of the given kind, wrapping cause (which
// may be nil) with errors.Wrap so callers further up still see the
// original cause via errors.Cause.
func newErr(kind Kind, cause error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, msg)
	}
	return &Error{Kind: kind, msg: msg, err: wrapped}
}

func errNoSpace(format string, args ...interface{}) error {
	return newErr(KindNoSpace, nil, format, args...)
}

func errIO(cause error, format string, args ...interface{}) error {
	return newErr(KindIoError, cause, format, args...)
}

func errCorrupt(format string, args ...interface{}) error {
	return newErr(KindCorrupt, nil, format, args...)
}

func errReadonly(format string, args ...interface{}) error {
	return newErr(KindReadonly, nil, format, args...)
}

func errJournalAborted(format string, args ...interface{}) error {
	return newErr(KindJournalAborted, nil, format, args...)
}

func errUnsupported(format string, args ...interface{}) error {
	return newErr(KindUnsupported, nil, format, args...)
}

func errBusy(format string, args ...interface{}) error {
	return newErr(KindBusy, nil, format, args...)
}

func errRetry() error {
	return &Error{Kind: kindRetry, msg: "transaction must restart"}
}

// isRetry reports whether err is the internal retry signal. It exists
// so callers inside the package can distinguish it from a real error
// without exporting Kind's internal value.
func isRetry(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kindRetry
}

// isNoSpace reports whether err is (or wraps) a KindNoSpace Error, used
// by the extent-tree split/convert paths to decide when to fall back to
// MAY_ZEROOUT instead of propagating ENOSPC.
func isNoSpace(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNoSpace
}

// ErrorAction is the policy chosen at mount for how handleError reacts
// to a detected corruption.
type ErrorAction int

const (
	// ErrorContinue marks SB.state|=ERROR and returns the error, but
	// otherwise lets the filesystem keep operating.
	ErrorContinue ErrorAction = iota
	// ErrorRemountRO flips the filesystem read-only in addition to
	// marking the error state.
	ErrorRemountRO
	// ErrorPanic stops the process; reserved for environments where
	// continuing risks wider corruption.
	ErrorPanic
)

// handleError applies the filesystem's configured ErrorAction to a
// detected Corrupt condition: it marks SB state, optionally flips the
// filesystem read-only, and always returns the original error so the
// caller can still propagate it (per §7, "in Continue mode, the
// operation still returns an error code").
func (fs *Filesystem) handleError(err error) error {
	fs.locks.sbMu.Lock()
	fs.superblock.state |= sbStateError
	action := fs.errorAction
	fs.locks.sbMu.Unlock()

	switch action {
	case ErrorRemountRO:
		fs.setReadonly(true)
		fs.logger.WithError(err).Error("ldiskfs: remounting read-only after error")
	case ErrorPanic:
		fs.logger.WithError(err).Error("ldiskfs: panicking after error")
		panic(err)
	default:
		fs.logger.WithError(err).Warn("ldiskfs: continuing after error")
	}
	return err
}
