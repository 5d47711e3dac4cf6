package objectstore

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/lethe/pkg/fatfs"
)

// isNotExist reports whether err is (or wraps) a fatfs "not exist" error.
func isNotExist(err error) bool {
	return errors.Is(err, fatfs.ErrNotExist)
}

// Kind classifies a [*StoreError] per spec.md §7.
type Kind int

const (
	// KindNotFound reports an object or file missing from the store.
	KindNotFound Kind = iota + 1
	// KindIoError reports a device read/write/seek failure.
	KindIoError
	// KindFsError reports a structural file-system failure (corrupt
	// directory, bad format).
	KindFsError
	// KindKmsError reports a KHF derive/delete/update/persist/load
	// failure.
	KindKmsError
	// KindInvariantViolation reports a fatal internal assertion failure,
	// e.g. extents_pre \ extents_post != empty after a write.
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindIoError:
		return "io_error"
	case KindFsError:
		return "fs_error"
	case KindKmsError:
		return "kms_error"
	case KindInvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// ErrNotFound is the sentinel behind every [KindNotFound] error. Callers
// use errors.Is(err, objectstore.ErrNotFound).
var ErrNotFound = errors.New("object not found")

// StoreError is the uniform error type returned by every public
// [Store] operation. Use [errors.As] to recover the Kind and (if present)
// the object ID involved.
type StoreError struct {
	Kind Kind
	ID   string // hex object ID, empty when not applicable
	Op   string // operation name, e.g. "write_all"
	Err  error
}

func (e *StoreError) Error() string {
	msg := fmt.Sprintf("objectstore: %s: %s", e.Op, e.Kind)

	if e.ID != "" {
		msg += fmt.Sprintf(" (id=%s)", e.ID)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}

	if e.Kind == KindNotFound {
		return ErrNotFound
	}

	return e.Err
}

func wrapErr(op string, kind Kind, id string, err error) error {
	if err == nil {
		return nil
	}

	return &StoreError{Kind: kind, ID: id, Op: op, Err: err}
}

func notFound(op, id string) error {
	return &StoreError{Kind: KindNotFound, ID: id, Op: op, Err: ErrNotFound}
}
