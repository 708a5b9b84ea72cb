// Package engine implements the tiered storage engine: collections, the
// write path (WAL, open segment, seal), query execution, and the
// background compaction and upload workers.
package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors for callers and the serving layer.
type Kind int

const (
	// KindValidation: caller-supplied input is malformed. No state change.
	KindValidation Kind = iota + 1

	// KindNotFound: collection or document absent.
	KindNotFound

	// KindConflict: manifest CAS retries exhausted or a compaction race.
	KindConflict

	// KindTransient: retryable I/O; surfaced only past the retry budget.
	KindTransient

	// KindUnavailable: circuit breaker open, or a RemoteOnly cache miss
	// while the remote tier is down.
	KindUnavailable

	// KindCorrupt: segment or WAL checksum failure.
	KindCorrupt

	// KindOverloaded: admission control tripped; callers should back off.
	KindOverloaded

	// KindTimedOut: the operation exceeded its deadline.
	KindTimedOut
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindUnavailable:
		return "unavailable"
	case KindCorrupt:
		return "corrupt"
	case KindOverloaded:
		return "overloaded"
	case KindTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Error carries structured context for surfaced failures.
type Error struct {
	Kind       Kind
	Op         string
	Collection string
	Doc        string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Collection != "" {
		msg += " collection=" + e.Collection
	}
	if e.Doc != "" {
		msg += " doc=" + e.Doc
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from an error chain, 0 if untagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

func errValidation(op, collection, doc string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Collection: collection, Doc: doc, Err: err}
}

func errNotFound(op, collection, doc string) error {
	return &Error{Kind: KindNotFound, Op: op, Collection: collection, Doc: doc}
}
