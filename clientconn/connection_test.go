// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

package clientconn

import (
	"testing"

	"golang.org/x/sys/unix"
)

type recordedMessage struct {
	msgType  byte
	streamID uint32
	payload  []byte
}

type recordingHandler struct {
	messages []recordedMessage
}

func (h *recordingHandler) HandleClientMessage(conn *Connection, msgType byte, streamID uint32, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	h.messages = append(h.messages, recordedMessage{msgType, streamID, cp})
}

// newSocketPair returns two connected, non-blocking Unix-domain fds and
// registers cleanup to close whichever side the test doesn't wrap.
func newSocketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestConnection_HandleReadable_WholeMessageAtOnce(t *testing.T) {
	connFd, peerFd := newSocketPair(t)

	handler := &recordingHandler{}
	conn := New(connFd, handler, nil)

	header := encodeHeader(MessageHeader{Length: 3, StreamID: 7, Type: MsgData})
	frame := append(append([]byte{}, header[:]...), []byte("abc")...)
	if _, err := unix.Write(peerFd, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := conn.HandleReadable(); err != nil {
		t.Fatalf("HandleReadable: %v", err)
	}

	if len(handler.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(handler.messages))
	}
	got := handler.messages[0]
	if got.msgType != MsgData || got.streamID != 7 || string(got.payload) != "abc" {
		t.Errorf("unexpected message: %+v", got)
	}
}

func TestConnection_HandleReadable_ChunkedAcrossCalls(t *testing.T) {
	connFd, peerFd := newSocketPair(t)

	handler := &recordingHandler{}
	conn := New(connFd, handler, nil)

	header := encodeHeader(MessageHeader{Length: 4, StreamID: 1, Type: MsgData})
	frame := append(append([]byte{}, header[:]...), []byte("data")...)

	// Dribble the frame in byte-by-byte to exercise arbitrary chunking
	// (spec.md §8 property 6: ingress is prefix-correct under arbitrary
	// chunking).
	for _, b := range frame {
		if _, err := unix.Write(peerFd, []byte{b}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := conn.HandleReadable(); err != nil {
			t.Fatalf("HandleReadable: %v", err)
		}
	}

	if len(handler.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(handler.messages))
	}
	if string(handler.messages[0].payload) != "data" {
		t.Errorf("expected payload %q, got %q", "data", handler.messages[0].payload)
	}
}

func TestConnection_HandleReadable_ZeroLengthPayload(t *testing.T) {
	connFd, peerFd := newSocketPair(t)

	handler := &recordingHandler{}
	conn := New(connFd, handler, nil)

	header := encodeHeader(MessageHeader{Length: 0, StreamID: 1, Type: MsgEOS})
	if _, err := unix.Write(peerFd, header[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := conn.HandleReadable(); err != nil {
		t.Fatalf("HandleReadable: %v", err)
	}

	if len(handler.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(handler.messages))
	}
	if handler.messages[0].msgType != MsgEOS || len(handler.messages[0].payload) != 0 {
		t.Errorf("unexpected message: %+v", handler.messages[0])
	}
}

func TestConnection_HandleReadable_EOF(t *testing.T) {
	connFd, peerFd := newSocketPair(t)
	handler := &recordingHandler{}
	conn := New(connFd, handler, nil)

	unix.Close(peerFd)

	if err := conn.HandleReadable(); err == nil {
		t.Fatal("expected an error (EOF) after peer closed")
	}
}

func TestConnection_SendMessage_InlineWrite(t *testing.T) {
	connFd, peerFd := newSocketPair(t)
	conn := New(connFd, nil, nil)

	if err := conn.SendMessage(3, MsgData, []byte("hi")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	buf := make([]byte, headerSize+2)
	n, err := unix.Read(peerFd, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("expected %d bytes, got %d", len(buf), n)
	}
	header := decodeHeader(buf[:headerSize])
	if header.Length != 2 || header.StreamID != 3 || header.Type != MsgData {
		t.Errorf("unexpected header: %+v", header)
	}
	if string(buf[headerSize:]) != "hi" {
		t.Errorf("unexpected payload: %q", buf[headerSize:])
	}
}

func TestConnection_NextStreamID_OddIncrementByTwo(t *testing.T) {
	conn := New(-1, nil, nil)

	first := conn.NextStreamID()
	second := conn.NextStreamID()
	third := conn.NextStreamID()

	if first != 1 || second != 3 || third != 5 {
		t.Errorf("expected 1, 3, 5; got %d, %d, %d", first, second, third)
	}
}
