// Package errno provides the usage-error sentinel values used throughout
// vhdfs, wrapping the platform's syscall.Errno codes in an error type that
// carries a human-readable message.
package errno

import (
	"fmt"
	"syscall"
)

// DriverError is a wrapper around a system errno code with a customizable
// message, returned by every public vhdfs operation that refuses to act
// rather than failing outright.
type DriverError struct {
	Code    syscall.Errno
	message string
}

func (e *DriverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return e.Code.Error()
}

// Errno returns the underlying POSIX error code.
func (e *DriverError) Errno() syscall.Errno {
	return e.Code
}

// New creates a DriverError with the code's default message.
func New(code syscall.Errno) *DriverError {
	return &DriverError{Code: code, message: code.Error()}
}

// NewWithMessage creates a DriverError with a custom message prefixed by the
// code's standard description.
func NewWithMessage(code syscall.Errno, message string) *DriverError {
	return &DriverError{Code: code, message: fmt.Sprintf("%s: %s", code.Error(), message)}
}

// Common sentinels used by the path resolver, inode table, and file-level
// layer. These are functions rather than package vars so each call site can
// attach its own message without mutating a shared value.
func NotFound(msg string) *DriverError      { return NewWithMessage(syscall.ENOENT, msg) }
func Exists(msg string) *DriverError        { return NewWithMessage(syscall.EEXIST, msg) }
func NotADirectory(msg string) *DriverError { return NewWithMessage(syscall.ENOTDIR, msg) }
func NameTooLong(msg string) *DriverError   { return NewWithMessage(syscall.ENAMETOOLONG, msg) }
func InvalidArgument(msg string) *DriverError {
	return NewWithMessage(syscall.EINVAL, msg)
}
func NoSpace(msg string) *DriverError { return NewWithMessage(syscall.ENOSPC, msg) }
func IOFailed(msg string) *DriverError { return NewWithMessage(syscall.EIO, msg) }
func BadFileDescriptor(msg string) *DriverError {
	return NewWithMessage(syscall.EBADF, msg)
}
