// Package bootutil provides the error type and logging setup shared by
// every component of the update server and installer.
package bootutil

import (
	"fmt"
	"runtime"
)

// Error is the single error type returned by fallible operations across
// this module. It carries an optional parent so a low-level flash or
// signature failure can be traced back to the caller that surfaced it,
// plus a stack trace captured at the first site that produced it.
type Error struct {
	Parent     error
	Text       string
	StackTrace []byte
}

func (e *Error) Error() string {
	return e.Text
}

func (e *Error) Unwrap() error {
	return e.Parent
}

// New builds a fresh Error, capturing the current stack.
func New(msg string) *Error {
	e := &Error{
		Text:       msg,
		StackTrace: make([]byte, 16384),
	}
	n := runtime.Stack(e.StackTrace, false)
	e.StackTrace = e.StackTrace[:n]
	return e
}

// Fmt is New with fmt.Sprintf-style formatting.
func Fmt(format string, args ...interface{}) *Error {
	return New(fmt.Sprintf(format, args...))
}

// Child wraps an arbitrary error in an Error, preserving the original as
// Parent. If err is already an *Error, the deepest parent is reused so
// chains don't nest stack traces needlessly.
func Child(err error) *Error {
	for {
		be, ok := err.(*Error)
		if !ok || be == nil || be.Parent == nil {
			break
		}
		err = be.Parent
	}

	wrapped := New(err.Error())
	wrapped.Parent = err
	return wrapped
}

// FmtChild is Child with a replacement top-level message.
func FmtChild(err error, format string, args ...interface{}) *Error {
	c := Child(err)
	c.Text = fmt.Sprintf(format, args...)
	return c
}
