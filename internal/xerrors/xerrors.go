// Package xerrors wraps errors with caller positions and stacks so the
// logger can render where a failure was created, not just what it says.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the full call stack captured at creation.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

// annotated prefixes an error with context and records a single caller frame.
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error { return a.err }
func (a *annotated) PC() uintptr   { return a.pc }

// skip 0 means the caller of the function that calls stack.
func stack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(3+skip, pcs)
	return pcs[:n]
}

func caller(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(3+skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with msg and the caller's stack.
func New(msg string) error {
	return &stacked{err: errors.New(msg), pcs: stack(0)}
}

// Newf is New with formatting. %w verbs are honoured.
func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: stack(0)}
}

// WithStack attaches the caller's stack to err. Returns nil for nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stack(0)}
}

// EnsureTrace attaches a stack only if nothing in the chain carries one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return &stacked{err: err, pcs: stack(0)}
}

// Wrap prefixes err with msg. Returns nil for nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: caller(0)}
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: caller(0)}
}
