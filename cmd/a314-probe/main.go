// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

// Command a314-probe is a small interactive diagnostic client for
// a314d (SPEC_FULL.md §3 domain stack): it registers a service name
// over the client wire protocol (spec.md §6.1), waits for the peer to
// connect to it, then relays raw terminal bytes in both directions
// until the stream ends. It is the host-side analogue of what the
// original's picmd does on the peer side - picmd itself stays
// unported, since it runs under AmigaOS and is out of scope
// (spec.md §1/§9).
package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/a314bridge/a314d/clientconn"
	"github.com/a314bridge/a314d/lib/process"
	"github.com/a314bridge/a314d/lib/version"
)

func main() {
	var (
		addr        = pflag.StringP("addr", "a", "127.0.0.1:7110", "a314d client listen address")
		service     = pflag.StringP("service", "s", "probe", "service name to register")
		showVersion = pflag.Bool("version", false, "print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	if err := run(*addr, *service); err != nil {
		process.Fatal(err)
	}
}

func run(addr, service string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	if err := writeMessage(conn, 0, clientconn.MsgRegisterReq, []byte(service)); err != nil {
		return fmt.Errorf("sending REGISTER_REQ: %w", err)
	}

	r := bufio.NewReader(conn)

	_, _, payload, err := readMessage(r)
	if err != nil {
		return fmt.Errorf("reading REGISTER_RES: %w", err)
	}
	if len(payload) == 0 || payload[0] != clientconn.ResultSuccess {
		return fmt.Errorf("service %q is already registered", service)
	}

	fmt.Fprintf(os.Stderr, "registered %q, waiting for a peer to connect...\n", service)

	msgType, streamID, _, err := readMessage(r)
	if err != nil {
		return fmt.Errorf("waiting for CONNECT: %w", err)
	}
	if msgType != clientconn.MsgConnect {
		return fmt.Errorf("expected CONNECT, got message type %d", msgType)
	}

	fmt.Fprintf(os.Stderr, "peer connected (stream %d), entering raw mode - ends when the peer sends EOS or RESET\n", streamID)

	return relay(conn, r, streamID)
}

// relay puts the terminal in raw mode and forwards bytes between stdin/
// stdout and the client wire protocol's DATA/EOS/RESET messages on one
// stream, the same point-to-point byte-pipe contract spec.md §3 gives
// every logical channel.
func relay(conn net.Conn, r *bufio.Reader, streamID uint32) error {
	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("entering raw terminal mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	done := make(chan error, 2)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := writeMessage(conn, streamID, clientconn.MsgData, buf[:n]); werr != nil {
					done <- werr
					return
				}
			}
			if err != nil {
				writeMessage(conn, streamID, clientconn.MsgEOS, nil)
				done <- nil
				return
			}
		}
	}()

	go func() {
		for {
			msgType, _, payload, err := readMessage(r)
			if err != nil {
				done <- err
				return
			}
			switch msgType {
			case clientconn.MsgData:
				os.Stdout.Write(payload)
			case clientconn.MsgEOS, clientconn.MsgReset:
				done <- nil
				return
			}
		}
	}()

	return <-done
}

// headerSize matches clientconn's wire format: length(4) + stream_id(4)
// + type(1), host byte order (spec.md §6.1).
const headerSize = 9

func writeMessage(w io.Writer, streamID uint32, msgType byte, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	binary.NativeEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.NativeEndian.PutUint32(buf[4:8], streamID)
	buf[8] = msgType
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return err
}

func readMessage(r io.Reader) (msgType byte, streamID uint32, payload []byte, err error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, nil, err
	}
	length := binary.NativeEndian.Uint32(header[0:4])
	streamID = binary.NativeEndian.Uint32(header[4:8])
	msgType = header[8]

	if length == 0 {
		return msgType, streamID, nil, nil
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, 0, nil, err
	}
	return msgType, streamID, payload, nil
}
