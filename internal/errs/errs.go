// Package errs holds the error taxonomy shared by the block, the halo
// exchanger and the collective transports.
//
// Every failure belongs to one Category:
//   - Configuration: invalid group size, mismatched shapes, unsupported
//     options. Detected before any stream or collective work is issued.
//   - Collective: a peer never reached the call, the transport failed, or a
//     frame arrived out of order. Fatal to the whole partition group.
//   - Numerical: reserved. Degenerate statistics are a caller contract and
//     are not validated.
//
// Nothing in this module retries. A categorized error aborts the current
// forward or backward call.
package errs

import (
	"errors"
	"fmt"
)

// Category classifies an error for logging and for the caller's abort policy.
type Category int

const (
	// Unknown is used for errors that were never categorized.
	Unknown Category = iota
	// Configuration errors are contract violations detected up front.
	Configuration
	// Collective errors come from the communication layer.
	Collective
	// Numerical errors are reserved for numerical preconditions.
	Numerical
)

// String returns the category name used in log records.
func (c Category) String() string {
	switch c {
	case Configuration:
		return "configuration"
	case Collective:
		return "collective"
	case Numerical:
		return "numerical"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidGroupSize = errors.New("bottleneck: group size does not divide world size")
	ErrRankOutOfRange   = errors.New("bottleneck: rank out of range")
	ErrShapeMismatch    = errors.New("bottleneck: tensor shape mismatch")
	ErrLayoutMismatch   = errors.New("bottleneck: tensor layout mismatch")
	ErrUnsupported      = errors.New("bottleneck: unsupported configuration")
	ErrCacheConsumed    = errors.New("bottleneck: stage cache already consumed")
	ErrClosed           = errors.New("bottleneck: closed")
	ErrOutOfOrder       = errors.New("bottleneck: collective call out of order")
)

// Error attaches a Category and the failing operation to an underlying error.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Category, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config wraps err as a configuration error raised by op.
func Config(op string, err error) error {
	return &Error{Category: Configuration, Op: op, Err: err}
}

// Configf is Config with a formatted message wrapping sentinel.
func Configf(op string, sentinel error, format string, args ...any) error {
	return Config(op, fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)))
}

// Comm wraps err as a collective error raised by op.
func Comm(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Category == Collective {
		return err
	}
	return &Error{Category: Collective, Op: op, Err: err}
}

// CategoryOf returns the category of the outermost categorized error in the
// chain, or Unknown.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return Unknown
}
