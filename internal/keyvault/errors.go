package keyvault

import (
	"errors"
	"fmt"
)

// Kind classifies an agent failure. Only transient failures are retried;
// every other kind aborts the run.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindNotFound  Kind = "not_found"
	KindTransient Kind = "transient"
	KindIO        Kind = "io"
	KindConfig    Kind = "config"
)

// Error carries the failure kind and, when known, the vault entry that
// triggered it, so diagnostics can name both.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Op)
	if e.Key != "" {
		msg += fmt.Sprintf(" (key %q)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is eligible for backoff retry.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// E builds a classified error.
func E(kind Kind, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// KindOf extracts the Kind from err, or KindTransient for unclassified
// errors (network-level failures surface as plain url.Error values).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsKind reports whether err is classified as k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
