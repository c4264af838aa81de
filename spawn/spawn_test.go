// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

package spawn

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/a314bridge/a314d/channel"
	"github.com/a314bridge/a314d/lib/testutil"
)

type readResult struct {
	data []byte
	err  error
}

// readBlocking retries past EAGAIN on a non-blocking fd and reports the
// result on a channel, so the test can bound the wait with
// testutil.RequireReceive instead of hand-rolling a poll-with-deadline
// loop.
func readBlocking(fd int, n int) <-chan readResult {
	ch := make(chan readResult, 1)
	go func() {
		buf := make([]byte, n)
		for {
			got, err := unix.Read(fd, buf)
			if errors.Is(err, unix.EAGAIN) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			ch <- readResult{data: buf[:got], err: err}
			return
		}
	}()
	return ch
}

// TestSpawn_ParentSocketCarriesDataToChild exercises a real socketpair
// across a real child process: the spawned shell echoes whatever it
// reads from the inherited fd 3 back to it, and the test writes then
// reads through the daemon-side fd to prove the pipe is live and that
// the program/arguments/-ondemand suffix were assembled correctly.
func TestSpawn_ParentSocketCarriesDataToChild(t *testing.T) {
	s := New(nil)

	entry := channel.OnDemandEntry{
		ServiceName: testutil.UniqueID("echotest"),
		Program:     "/bin/sh",
		Arguments:   []string{"/bin/sh", "-c", `exec 0<&3 1>&3; cat`},
	}

	fd, err := s.Spawn(entry)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer unix.Close(fd)

	msg := []byte("ping")
	if _, err := unix.Write(fd, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	result := testutil.RequireReceive(t, readBlocking(fd, len(msg)), 2*time.Second, "waiting for echoed reply")
	if result.err != nil {
		t.Fatalf("read: %v", result.err)
	}
	if string(result.data) != "ping" {
		t.Errorf("expected echoed %q, got %q", "ping", result.data)
	}
}

func TestSpawn_UnknownProgramReturnsError(t *testing.T) {
	s := New(nil)

	entry := channel.OnDemandEntry{
		ServiceName: testutil.UniqueID("nope"),
		Program:     "/nonexistent/program/that/does/not/exist",
		Arguments:   []string{"/nonexistent/program/that/does/not/exist"},
	}

	if _, err := s.Spawn(entry); err == nil {
		t.Fatal("expected an error spawning a nonexistent program")
	}
}
