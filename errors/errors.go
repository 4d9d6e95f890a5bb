package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Failure classes shared across the gateway, the generation clients, the
// knowledge store and the agents. Callers test for them with Is.
var (
	ErrToolNotFound       = stderrors.New("tool not found")
	ErrToolNotAuthorized  = stderrors.New("tool not authorized")
	ErrCommandNotAllowed  = stderrors.New("command not allowed")
	ErrGenerationFailure  = stderrors.New("generation failure")
	ErrStorageUnavailable = stderrors.New("storage unavailable")
	ErrParseFailure       = stderrors.New("parse failure")
	ErrInvalidConfig      = stderrors.New("invalid configuration")
	ErrInvalidArgument    = stderrors.New("invalid argument")
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

// Mark tags err with one of the failure classes above while keeping err in
// the chain, so both Is(result, class) and Is(result, err) hold.
func Mark(err error, class error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w: %w", caller(), fmt.Sprintf(format, a...), class, err)
}

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }

// caller reports the file:line two frames up, i.e. the caller of the
// exported constructor.
func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
