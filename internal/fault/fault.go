// Package fault carries the error taxonomy shared across the pipeline:
// transient failures are retried via queue redelivery, permanent failures
// are logged and dropped. Contention outcomes are not errors at all and
// never pass through this package.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Class partitions failures by how the queue consumer must react.
type Class int

const (
	// ClassTransient failures are safe to retry: store/queue/network blips,
	// upstream rate limits, 5xx responses.
	ClassTransient Class = iota
	// ClassPermanent failures will not succeed on retry: malformed input,
	// rejected requests, mismatched batch contents.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its retry class.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Transient marks err as retryable.
func Transient(op string, err error) error {
	return &Error{Class: ClassTransient, Op: op, Err: err}
}

// Permanent marks err as non-retryable.
func Permanent(op string, err error) error {
	return &Error{Class: ClassPermanent, Op: op, Err: err}
}

// IsTransient reports whether err is classified retryable. Unclassified
// errors default to transient: infrastructure blips are the common case and
// redelivery is bounded, so guessing retryable is the safer failure mode.
func IsTransient(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class == ClassTransient
	}
	return err != nil
}

// IsPermanent reports whether err is explicitly classified non-retryable.
func IsPermanent(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class == ClassPermanent
	}
	return false
}

// ClassifyStatus maps an upstream HTTP status to a retry class. 408, 429 and
// all 5xx are transient; every other non-2xx status is permanent.
func ClassifyStatus(status int) Class {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}
