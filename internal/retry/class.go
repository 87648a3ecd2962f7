package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Class tells the caller what to do with a failure.
type Class int

const (
	// ClassTransient covers connectivity failures: refused, reset, timeouts.
	ClassTransient Class = iota
	// ClassServerState covers a reachable server that cannot take writes
	// right now (shutting down, read-only, admin-only).
	ClassServerState
	// ClassData isolates a single malformed record.
	ClassData
	// ClassSchema means the destination does not match what we write.
	ClassSchema
	// ClassSecurity covers rejected certificates and credentials.
	ClassSecurity
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassServerState:
		return "server_state"
	case ClassData:
		return "data"
	case ClassSchema:
		return "schema"
	case ClassSecurity:
		return "security"
	default:
		return "unknown"
	}
}

// Retryable reports whether repeating the same operation may succeed.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassServerState
}

// Classifier maps an error to its Class.
type Classifier func(error) Class

// ClassifiedError carries the class decided for an error.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// WithClass tags err so that ClassOf returns c regardless of the classifier.
func WithClass(c Class, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: c, Err: err}
}

// ClassOf returns the class carried by err, falling back to classify and
// finally to the generic rules in Classify.
func ClassOf(err error, classify Classifier) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if classify != nil {
		return classify(err)
	}
	return Classify(err)
}

var serverStatePatterns = []string{
	"shutting down",
	"read-only",
	"read only",
	"admin-only",
	"admin only",
	"single-user",
	"starting up",
	"in recovery",
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"login timeout",
	"i/o timeout",
	"timeout",
	"no route to host",
	"network is unreachable",
	"eof",
	"bad connection",
	"deadlock",
	"database is locked",
	"too many connections",
}

// Classify is the protocol-agnostic fallback: anything it does not
// recognise is treated as transient, so unknown failures are retried and
// eventually spooled rather than dropped.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range serverStatePatterns {
		if strings.Contains(msg, p) {
			return ClassServerState
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}
	return ClassTransient
}
