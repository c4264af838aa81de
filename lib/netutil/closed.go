// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection termination:
// EOF, closed connection, broken pipe, or connection reset. These occur
// during normal client teardown: a disconnecting client's in-flight read
// or write fails this way, and it should not be logged as an error.
//
// The daemon does full-close (not half-close) on client sockets, which
// produces ECONNRESET and EPIPE instead of EOF on the peer side. All four
// are expected and should only be logged at Debug.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
