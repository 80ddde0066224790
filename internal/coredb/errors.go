// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"errors"
	"strings"

	"golang.org/x/sys/unix"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned by Get for keys that hold no value.
	ErrNotFound = errors.New("coredb: key not found")
	// ErrNotString rejects an append to a value that is not a JSON string.
	ErrNotString = errors.New("coredb: append target is not a string")
	// ErrValueTooLarge rejects values above the per-key limit.
	ErrValueTooLarge = errors.New("coredb: value exceeds maximum length")
	// ErrUnavailable means the content store was never opened.
	ErrUnavailable = errors.New("coredb: content store unavailable")
	// ErrEventlogFull rejects an eventlog append past Options.JournalMaxBytes.
	ErrEventlogFull = errors.New("coredb: eventlog storage full")
)

type sqliteCoder interface {
	Code() int
}

// IsFull reports whether err means the content store ran out of room:
// the eventlog budget, the page budget (SQLITE_FULL) or the disk itself.
func IsFull(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEventlogFull) {
		return true
	}
	var coder sqliteCoder
	if errors.As(err, &coder) && coder.Code()&0xff == int(sqlite3.SQLITE_FULL) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "no space left on device")
}

// Errno maps a store error onto the errno carried in RPC error responses.
// Errors the store does not classify map to zero.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return unix.ENOENT
	case errors.Is(err, ErrNotString), errors.Is(err, ErrValueTooLarge):
		return unix.EINVAL
	case errors.Is(err, ErrUnavailable):
		return unix.ENOSYS
	case IsFull(err):
		return unix.ENOSPC
	}
	return 0
}
