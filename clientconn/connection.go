// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

package clientconn

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/a314bridge/a314d/lib/netutil"
)

// MessageHandler receives fully decoded client messages. channel.Manager
// implements this; Connection itself never interprets message contents.
type MessageHandler interface {
	HandleClientMessage(conn *Connection, msgType byte, streamID uint32, payload []byte)
}

type egressBuffer struct {
	data []byte
	pos  int
}

// Connection is one accepted (or on-demand-spawned) client socket:
// incremental ingress framing, an ordered egress queue with write
// cursors, and an odd, client-allocated stream-id counter starting at 1
// (spec.md §3 "Client connection"). Grounded on a314d.cc's
// ClientConnection plus handle_client_connection_event/
// create_and_send_msg.
type Connection struct {
	fd      int
	logger  *slog.Logger
	handler MessageHandler

	nextStreamID uint32

	bytesRead      int
	headerBuf      [headerSize]byte
	header         MessageHeader
	payload        []byte
	readingPayload bool

	egress []egressBuffer
}

// New wraps an already-configured (non-blocking, close-on-exec, NODELAY)
// client fd.
func New(fd int, handler MessageHandler, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		fd:           fd,
		handler:      handler,
		logger:       logger,
		nextStreamID: 1,
	}
}

// Fd returns the underlying file descriptor, for epoll registration.
func (c *Connection) Fd() int {
	return c.fd
}

// NextStreamID allocates the next client-side stream id. Ids are odd
// and increment by two, so they never collide with the peer's
// even-numbered channel_id namespace (spec.md §3).
func (c *Connection) NextStreamID() uint32 {
	id := c.nextStreamID
	c.nextStreamID += 2
	return id
}

// HandleReadable drains as much as is currently available on the
// socket, decoding complete messages and dispatching them to the
// handler as they complete. It returns io.EOF when the peer has closed
// its write side; any other read error (ECONNRESET included) is
// returned wrapped, and the caller tears the connection down for EOF or
// a reset and treats anything else as fatal (spec.md §7).
func (c *Connection) HandleReadable() error {
	for {
		var dst []byte
		var left int
		if !c.readingPayload {
			left = headerSize - c.bytesRead
			dst = c.headerBuf[c.bytesRead:headerSize]
		} else {
			left = len(c.payload) - c.bytesRead
			dst = c.payload[c.bytesRead:]
		}

		n, err := unix.Read(c.fd, dst[:left])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return fmt.Errorf("reading client connection: %w", err)
		}
		if n == 0 {
			return io.EOF
		}

		c.bytesRead += n
		left -= n
		if left != 0 {
			continue
		}

		if !c.readingPayload {
			c.header = decodeHeader(c.headerBuf[:])
			if c.header.Length == 0 {
				c.handler.HandleClientMessage(c, c.header.Type, c.header.StreamID, nil)
			} else {
				c.payload = make([]byte, c.header.Length)
				c.readingPayload = true
				c.bytesRead = 0
				continue
			}
		} else {
			c.handler.HandleClientMessage(c, c.header.Type, c.header.StreamID, c.payload)
			c.payload = nil
			c.readingPayload = false
		}
		c.bytesRead = 0
	}
}

// HandleWritable drains the egress queue as far as the socket allows.
// ECONNRESET is swallowed here (the connection's teardown, if needed,
// happens wherever the caller next notices the error from a read),
// matching create_and_send_msg's "do not close here" comment.
func (c *Connection) HandleWritable() error {
	for len(c.egress) > 0 {
		buf := &c.egress[0]
		left := len(buf.data) - buf.pos

		n, err := unix.Write(c.fd, buf.data[buf.pos:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			if netutil.IsExpectedCloseError(err) {
				return nil
			}
			return fmt.Errorf("writing client connection: %w", err)
		}

		buf.pos += n
		if n == left {
			c.egress = c.egress[1:]
		}
	}
	return nil
}

// SendMessage frames and sends one message. If the egress queue is
// already non-empty it is appended to preserve ordering; otherwise an
// optimistic inline write is attempted first and only queued on
// EAGAIN, matching create_and_send_msg.
func (c *Connection) SendMessage(streamID uint32, msgType byte, payload []byte) error {
	header := encodeHeader(MessageHeader{
		Length:   uint32(len(payload)),
		StreamID: streamID,
		Type:     msgType,
	})

	data := make([]byte, 0, headerSize+len(payload))
	data = append(data, header[:]...)
	data = append(data, payload...)

	if len(c.egress) > 0 {
		c.egress = append(c.egress, egressBuffer{data: data})
		return nil
	}

	pos := 0
	for {
		n, err := unix.Write(c.fd, data[pos:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				c.egress = append(c.egress, egressBuffer{data: data, pos: pos})
				return nil
			}
			if netutil.IsExpectedCloseError(err) {
				return nil
			}
			return fmt.Errorf("writing client connection: %w", err)
		}

		pos += n
		if pos == len(data) {
			return nil
		}
	}
}

// Close shuts down the write half and closes the socket, matching
// close_and_remove_connection's shutdown(fd, SHUT_WR) + close(fd).
func (c *Connection) Close() error {
	_ = unix.Shutdown(c.fd, unix.SHUT_WR)
	return unix.Close(c.fd)
}
