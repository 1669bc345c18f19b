package engine

import (
	"errors"
	"fmt"
)

// Sentinel error kinds surfaced by engine operations. Clients only ever see
// the human-readable message inside a generic error event; the sentinels
// exist so callers and tests can branch on the condition.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
	ErrPersistence  = errors.New("persistence failure")
)

type coordError struct {
	kind error
	msg  string
}

func (e *coordError) Error() string { return e.msg }

func (e *coordError) Unwrap() error { return e.kind }

func notFoundf(format string, args ...any) error {
	return &coordError{kind: ErrNotFound, msg: fmt.Sprintf(format, args...)}
}

func unauthorizedf(format string, args ...any) error {
	return &coordError{kind: ErrUnauthorized, msg: fmt.Sprintf(format, args...)}
}

func rateLimitedf(format string, args ...any) error {
	return &coordError{kind: ErrRateLimited, msg: fmt.Sprintf(format, args...)}
}

func persistencef(err error, format string, args ...any) error {
	return &coordError{kind: ErrPersistence, msg: fmt.Sprintf(format, args...) + ": " + err.Error()}
}
