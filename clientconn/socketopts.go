// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

package clientconn

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PrepareSocket sets the non-blocking, close-on-exec, and TCP_NODELAY
// options a newly accepted or spawned client fd needs before it is
// admitted to the event loop. Shared by the accept path (daemon) and
// the on-demand spawn path (spawn), which both need the identical
// treatment per spec.md §4.4 and §4.5.
func PrepareSocket(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("setting socket non-blocking: %w", err)
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("getting fd flags: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC); err != nil {
		return fmt.Errorf("setting close-on-exec: %w", err)
	}

	// TCP_NODELAY is meaningless (and harmless to attempt) on AF_UNIX
	// sockets, which on-demand-spawned connections use; ignore ENOTTY/
	// EINVAL-class failures from setsockopt on those.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	return nil
}
