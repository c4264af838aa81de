// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/a314bridge/a314d/channel"
	"github.com/a314bridge/a314d/clientconn"
	"github.com/a314bridge/a314d/transport"
)

type noopSpawner struct{}

func (noopSpawner) Spawn(entry channel.OnDemandEntry) (int, error) { return 0, nil }

// newTestDaemon builds a Daemon wired to a fake bus and a real epoll
// instance, without calling Run - tests drive individual handlers
// directly, matching how handle_server_socket_ready and
// handle_client_connection_event are exercised independently of
// main_loop in spirit.
func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d := New(Config{
		Bus:     transport.NewFakeBus(),
		IRQ:     nil,
		Spawner: noopSpawner{},
	})

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		t.Fatalf("EpollCreate1: %v", err)
	}
	t.Cleanup(func() { unix.Close(epfd) })
	d.epollFd = epfd

	return d
}

func newListenSocket(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	addr := &unix.SockaddrInet4{Port: 0}
	copy(addr.Addr[:], []byte{127, 0, 0, 1})
	if err := unix.Bind(fd, addr); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestHandleAccept_AdmitsConnection(t *testing.T) {
	d := newTestDaemon(t)
	listenFd := newListenSocket(t)
	d.listenFd = listenFd

	sa, err := unix.Getsockname(listenFd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	addr := sa.(*unix.SockaddrInet4)

	clientFd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	t.Cleanup(func() { unix.Close(clientFd) })
	connectAddr := &unix.SockaddrInet4{Port: addr.Port}
	copy(connectAddr.Addr[:], addr.Addr[:])
	if err := unix.Connect(clientFd, connectAddr); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := d.handleAccept(); err != nil {
		t.Fatalf("handleAccept: %v", err)
	}

	if len(d.connections) != 1 {
		t.Fatalf("expected 1 admitted connection, got %d", len(d.connections))
	}
}

func TestHandleAccept_NoPendingConnectionIsNotAnError(t *testing.T) {
	d := newTestDaemon(t)
	d.listenFd = newListenSocket(t)

	if err := d.handleAccept(); err != nil {
		t.Fatalf("handleAccept with nothing pending: %v", err)
	}
	if len(d.connections) != 0 {
		t.Errorf("expected no connections admitted, got %d", len(d.connections))
	}
}

func TestHandleConnectionEvent_EOFClosesConnectionWithoutError(t *testing.T) {
	d := newTestDaemon(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[0]) })

	d.connections[fds[0]] = clientconn.New(fds[0], d.channels, d.logger)

	unix.Close(fds[1])

	if err := d.handleConnectionEvent(fds[0]); err != nil {
		t.Fatalf("handleConnectionEvent: %v", err)
	}
	if _, ok := d.connections[fds[0]]; ok {
		t.Error("expected connection to be removed after EOF")
	}
}

func TestHandleConnectionEvent_UnknownFdIsAnError(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.handleConnectionEvent(99999); err == nil {
		t.Fatal("expected an error for an untracked fd")
	}
}
