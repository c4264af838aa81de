// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"encoding/binary"
	"fmt"

	"github.com/a314bridge/a314d/clientconn"
	"github.com/a314bridge/a314d/ring"
)

// HandleClientMessage implements clientconn.MessageHandler, dispatching
// the five client-originated message groups from spec.md §4.3.
func (m *Manager) HandleClientMessage(conn *clientconn.Connection, msgType byte, streamID uint32, payload []byte) {
	switch msgType {
	case clientconn.MsgRegisterReq:
		m.handleMsgRegisterReq(conn, payload)
		return
	case clientconn.MsgDeregisterReq:
		m.handleMsgDeregisterReq(conn, payload)
		return
	case clientconn.MsgReadMemReq:
		m.handleMsgReadMemReq(conn, payload)
		return
	case clientconn.MsgWriteMemReq:
		m.handleMsgWriteMemReq(conn, payload)
		return
	case clientconn.MsgConnect:
		// Client-initiated connect toward a peer-side service is
		// reserved but unimplemented (spec.md §9, SPEC_FULL.md §4 item 4):
		// the original's handle_msg_connect is an empty stub.
		m.logger.Warn("received MSG_CONNECT from client; client-initiated connect is unimplemented", "stream_id", streamID)
		return
	}

	ch := m.findAssociatedChannel(conn, streamID)
	if ch == nil {
		return
	}

	switch msgType {
	case clientconn.MsgConnectResponse:
		m.handleMsgConnectResponse(ch, payload)
	case clientconn.MsgData:
		// Per spec.md §9's open question, the payload's length is used
		// here, which the framing layer already guarantees equals
		// header.Length (Connection always allocates payload to exactly
		// that many bytes before dispatching) - header.Length is the
		// documented source of truth, payload length is just its
		// necessarily-equal proxy.
		m.enqueueData(ch, payload)
	case clientconn.MsgEOS:
		m.handleMsgEOS(ch)
	case clientconn.MsgReset:
		m.handleMsgReset(ch)
	default:
		m.logger.Warn("received message of unknown type from client", "type", msgType, "stream_id", streamID)
	}

	m.collectIfDead(ch.ID)
}

func (m *Manager) findAssociatedChannel(conn *clientconn.Connection, streamID uint32) *Channel {
	for _, ch := range m.channels {
		if ch.association == conn && ch.streamID == streamID {
			return ch
		}
	}
	return nil
}

func (m *Manager) handleMsgRegisterReq(conn *clientconn.Connection, payload []byte) {
	name := string(payload)

	result := byte(clientconn.ResultFail)
	if _, exists := m.services[name]; !exists {
		m.services[name] = conn
		result = clientconn.ResultSuccess
	}

	if err := conn.SendMessage(0, clientconn.MsgRegisterRes, []byte{result}); err != nil {
		m.logger.Error("sending REGISTER_RES", "service", name, "error", err)
	}
}

func (m *Manager) handleMsgDeregisterReq(conn *clientconn.Connection, payload []byte) {
	name := string(payload)

	result := byte(clientconn.ResultFail)
	if owner, ok := m.services[name]; ok && owner == conn {
		delete(m.services, name)
		result = clientconn.ResultSuccess
	}

	if err := conn.SendMessage(0, clientconn.MsgDeregisterRes, []byte{result}); err != nil {
		m.logger.Error("sending DEREGISTER_RES", "service", name, "error", err)
	}
}

func (m *Manager) handleMsgReadMemReq(conn *clientconn.Connection, payload []byte) {
	if len(payload) < 8 {
		m.logger.Warn("malformed READ_MEM_REQ", "length", len(payload))
		return
	}
	addr := binary.NativeEndian.Uint32(payload[0:4])
	length := binary.NativeEndian.Uint32(payload[4:8])

	data, err := m.bus.ReadMemory(addr, int(length))
	if err != nil {
		// Any shared-memory bus I/O error is fatal (spec.md §4.1, §7).
		panic(fmt.Errorf("READ_MEM_REQ addr=%d length=%d: %w", addr, length, err))
	}

	if err := conn.SendMessage(0, clientconn.MsgReadMemRes, data); err != nil {
		m.logger.Error("sending READ_MEM_RES", "error", err)
	}
}

func (m *Manager) handleMsgWriteMemReq(conn *clientconn.Connection, payload []byte) {
	if len(payload) < 4 {
		m.logger.Warn("malformed WRITE_MEM_REQ", "length", len(payload))
		return
	}
	addr := binary.NativeEndian.Uint32(payload[0:4])
	data := payload[4:]

	if err := m.bus.WriteMemory(addr, data); err != nil {
		panic(fmt.Errorf("WRITE_MEM_REQ addr=%d length=%d: %w", addr, len(data), err))
	}

	if err := conn.SendMessage(0, clientconn.MsgWriteMemRes, nil); err != nil {
		m.logger.Error("sending WRITE_MEM_RES", "error", err)
	}
}

// enqueueData fragments payload into PKT_DATA packets no larger than
// ring.MaxPacketPayload. The client wire protocol's DATA message has no
// size limit, but a peer packet's plen is a single byte (spec.md §6.2),
// so a large client write becomes several packets on the same channel.
// A zero-length payload still produces one empty PKT_DATA, matching
// create_and_enqueue_packet's unconditional call in the original.
func (m *Manager) enqueueData(ch *Channel, payload []byte) {
	if len(payload) == 0 {
		m.enqueue(ch, PktData, nil)
		return
	}
	for len(payload) > 0 {
		n := len(payload)
		if n > ring.MaxPacketPayload {
			n = ring.MaxPacketPayload
		}
		m.enqueue(ch, PktData, payload[:n])
		payload = payload[n:]
	}
}

func (m *Manager) handleMsgConnectResponse(ch *Channel, payload []byte) {
	m.enqueue(ch, PktConnectResponse, payload)

	if len(payload) == 0 || payload[0] != ConnectOK {
		m.detach(ch)
	}
}

func (m *Manager) handleMsgEOS(ch *Channel) {
	if ch.eosFromClient {
		return
	}
	ch.eosFromClient = true
	m.enqueue(ch, PktEOS, nil)

	if ch.eosFromPeer {
		m.detach(ch)
	}
}

func (m *Manager) handleMsgReset(ch *Channel) {
	m.detach(ch)
	m.clearPacketQueue(ch)
	m.enqueue(ch, PktReset, nil)
}

// CloseConnection tears down conn: de-registers any services it owns,
// and for every channel it was associated with, clears the outbound
// queue, enqueues a RESET packet, and detaches - then closes the
// socket. Grounded on close_and_remove_connection.
func (m *Manager) CloseConnection(conn *clientconn.Connection) error {
	for name, owner := range m.services {
		if owner == conn {
			delete(m.services, name)
		}
	}

	for _, ch := range m.channels {
		if ch.association != conn {
			continue
		}
		m.clearPacketQueue(ch)
		m.detach(ch)
		m.enqueue(ch, PktReset, nil)
	}

	return conn.Close()
}
