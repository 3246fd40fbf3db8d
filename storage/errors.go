package storage

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures reported to callers
type Kind string

const (
	KindCorruptStore Kind = "corrupt_store"
	KindPersistence  Kind = "persistence_error"
	KindNotFound     Kind = "not_found"
)

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrCorruptStore = &Error{Kind: KindCorruptStore}
	ErrPersistence  = &Error{Kind: KindPersistence}
	ErrNotFound     = &Error{Kind: KindNotFound}
)

// Error is a structured engine error carrying a kind and message
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so callers can match against the sentinels
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// CorruptStoref builds a CorruptStore error
func CorruptStoref(err error, format string, args ...any) *Error {
	return &Error{Kind: KindCorruptStore, Message: fmt.Sprintf(format, args...), Err: err}
}

// Persistencef builds a PersistenceError
func Persistencef(err error, format string, args ...any) *Error {
	return &Error{Kind: KindPersistence, Message: fmt.Sprintf(format, args...), Err: err}
}

// NotFoundf builds a NotFound error
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
