// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

// Package clientconn implements the client layer (spec.md §4.4): framed
// message I/O over the local stream socket, per-connection egress
// queues, and accept-time socket setup. It has no knowledge of logical
// channels or services - a Connection simply moves framed messages in
// and out and hands decoded ones to an injected MessageHandler, mirroring
// how the channel layer sits strictly above it in spec.md §2's component
// list.
package clientconn

import "encoding/binary"

// Client wire message types (spec.md §6.1).
const (
	MsgRegisterReq     = 1
	MsgRegisterRes     = 2
	MsgDeregisterReq   = 3
	MsgDeregisterRes   = 4
	MsgReadMemReq      = 5
	MsgReadMemRes      = 6
	MsgWriteMemReq     = 7
	MsgWriteMemRes     = 8
	MsgConnect         = 9
	MsgConnectResponse = 10
	MsgData            = 11
	MsgEOS             = 12
	MsgReset           = 13
)

// Register/de-register result bytes (spec.md §6.1).
const (
	ResultFail    = 0
	ResultSuccess = 1
)

// headerSize is the wire size of MessageHeader: length(4) + stream_id(4)
// + type(1), tightly packed (spec.md §6.1), matching the original's
// `#pragma pack(push, 1)` MessageHeader.
const headerSize = 9

// MessageHeader is the fixed header preceding every framed message.
type MessageHeader struct {
	Length   uint32
	StreamID uint32
	Type     byte
}

// encodeHeader serializes h in host byte order (spec.md §6.1: "Endianness
// matches the host"), using encoding/binary.NativeEndian so the wire
// format tracks whatever the build's GOARCH actually is rather than a
// hardcoded choice that would silently diverge from it.
func encodeHeader(h MessageHeader) [headerSize]byte {
	var buf [headerSize]byte
	binary.NativeEndian.PutUint32(buf[0:4], h.Length)
	binary.NativeEndian.PutUint32(buf[4:8], h.StreamID)
	buf[8] = h.Type
	return buf
}

func decodeHeader(buf []byte) MessageHeader {
	return MessageHeader{
		Length:   binary.NativeEndian.Uint32(buf[0:4]),
		StreamID: binary.NativeEndian.Uint32(buf[4:8]),
		Type:     buf[8],
	}
}
