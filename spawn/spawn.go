// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

// Package spawn starts on-demand service processes (spec.md §4.5):
// a socketpair is created, one end is handed to the child as an
// inherited fd and the other is kept by the daemon as an ordinary
// client connection. Grounded on a314d.cc's on-demand branch of
// handle_pkt_connect (socketpair + fork + execvp), reworked onto
// os/exec.Cmd.ExtraFiles instead of raw fork/exec.
package spawn

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/a314bridge/a314d/channel"
	"github.com/a314bridge/a314d/clientconn"
)

// Spawner starts on-demand service processes and implements
// channel.Spawner.
type Spawner struct {
	logger *slog.Logger
}

// New creates a Spawner.
func New(logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{logger: logger}
}

// Spawn creates a socketpair, execs entry.Program with entry.Arguments
// plus "-ondemand <fd>" appended (the child's end of the pair, passed
// as an inherited fd via ExtraFiles), and returns the daemon-side fd,
// prepared exactly like an accepted client connection.
func (s *Spawner) Spawn(entry channel.OnDemandEntry) (int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, fmt.Errorf("creating socket pair for service %q: %w", entry.ServiceName, err)
	}
	parentFd, childFd := fds[0], fds[1]

	childFile := os.NewFile(uintptr(childFd), entry.ServiceName+"-ondemand")
	defer childFile.Close()

	// ExtraFiles[0] always lands on fd 3 in the child, regardless of
	// childFd's value here - that's the fd number the child must be
	// told about.
	const childInheritedFd = 3

	args := append([]string{}, entry.Arguments...)
	args = append(args, "-ondemand", strconv.Itoa(childInheritedFd))

	// entry.Arguments already starts with the program name, so args is
	// the child's complete argv rather than a tail appended after Program.
	cmd := exec.Command(entry.Program)
	cmd.Args = args
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		unix.Close(parentFd)
		return 0, fmt.Errorf("starting on-demand service %q: %w", entry.ServiceName, err)
	}

	s.logger.Info("spawned on-demand service", "service", entry.ServiceName, "program", entry.Program, "pid", cmd.Process.Pid)

	// The event loop never blocks on the child: a background cmd.Wait
	// reaps it when it exits, so it does not linger as a zombie, and its
	// exit status is only logged.
	//
	// This is the one goroutine tolerated outside the single-threaded
	// event loop (spec.md §5): it only touches the logger, which is
	// concurrency-safe, and never reads or writes any loop-owned state
	// (connections, channels, ring status).
	go func() {
		if err := cmd.Wait(); err != nil {
			s.logger.Warn("on-demand service exited", "service", entry.ServiceName, "error", err)
		}
	}()

	if err := clientconn.PrepareSocket(parentFd); err != nil {
		unix.Close(parentFd)
		return 0, fmt.Errorf("preparing parent socket for service %q: %w", entry.ServiceName, err)
	}

	return parentFd, nil
}
