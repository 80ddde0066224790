// SPDX-License-Identifier: AGPL-3.0-or-later
package coredb

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrno(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{fmt.Errorf("get a.b: %w", ErrNotFound), unix.ENOENT},
		{ErrNotString, unix.EINVAL},
		{ErrValueTooLarge, unix.EINVAL},
		{ErrUnavailable, unix.ENOSYS},
		{fmt.Errorf("append: %w", ErrEventlogFull), unix.ENOSPC},
		{errors.New("database or disk is full"), unix.ENOSPC},
		{errors.New("constraint failed"), 0},
	}
	for _, tc := range cases {
		if got := Errno(tc.err); got != tc.want {
			t.Fatalf("Errno(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
