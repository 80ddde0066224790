// SPDX-License-Identifier: AGPL-3.0-or-later
//go:build unix

package paths

import "syscall"

// SecureUmask sets a 077 umask for files the instance creates (socket,
// content store, pid file) and returns a func restoring the previous mask.
func SecureUmask() func() {
	old := syscall.Umask(0o077)
	return func() { syscall.Umask(old) }
}
