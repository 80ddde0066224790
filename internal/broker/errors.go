// SPDX-License-Identifier: AGPL-3.0-or-later
package broker

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Error is an errno-carrying failure reported by a service or the transport.
// Errstr is the service-supplied message and may be empty.
type Error struct {
	Errnum int    `json:"errnum"`
	Errstr string `json:"errstr,omitempty"`
}

// Sentinels compared by errnum with errors.Is.
var (
	ErrNoData         = &Error{Errnum: int(unix.ENODATA)}
	ErrTimeout        = &Error{Errnum: int(unix.ETIMEDOUT)}
	ErrCanceled       = &Error{Errnum: int(unix.ECANCELED)}
	ErrNotImplemented = &Error{Errnum: int(unix.ENOSYS)}
	ErrNotFound       = &Error{Errnum: int(unix.ENOENT)}
	ErrPermission     = &Error{Errnum: int(unix.EPERM)}
	ErrInvalid        = &Error{Errnum: int(unix.EINVAL)}
	ErrProtocol       = &Error{Errnum: int(unix.EPROTO)}
	ErrExists         = &Error{Errnum: int(unix.EEXIST)}
	ErrUnreachable    = &Error{Errnum: int(unix.EHOSTUNREACH)}
)

// Errorf builds an Error with a formatted message.
func Errorf(errnum unix.Errno, format string, args ...any) *Error {
	return &Error{Errnum: int(errnum), Errstr: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Errstr != "" {
		return e.Errstr
	}
	return unix.Errno(e.Errnum).Error()
}

// Is matches another *Error or a unix.Errno with the same errnum.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t.Errnum == e.Errnum
	case unix.Errno:
		return int(t) == e.Errnum
	}
	return false
}

// Errno returns the errnum of err when it carries one, or EIO.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Errnum
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return int(unix.ETIMEDOUT)
	}
	return int(unix.EIO)
}

// FromError converts any error into an *Error, preserving errno values.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		if be.Errstr == "" {
			return &Error{Errnum: be.Errnum, Errstr: err.Error()}
		}
		return be
	}
	return &Error{Errnum: Errno(err), Errstr: err.Error()}
}

// transportError wraps a dial or I/O failure so that the errno of the
// underlying syscall survives, defaulting to EHOSTUNREACH.
func transportError(uri string, err error) error {
	errnum := int(unix.EHOSTUNREACH)
	var errno unix.Errno
	var opErr *net.OpError
	switch {
	case errors.As(err, &errno):
		errnum = int(errno)
	case errors.As(err, &opErr) && opErr.Timeout():
		errnum = int(unix.ETIMEDOUT)
	}
	return &Error{Errnum: errnum, Errstr: fmt.Sprintf("%s: %v", uri, err)}
}
