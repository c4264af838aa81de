// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the logical-channel layer (spec.md §4.3):
// channel objects, the connect/connected/half-closed/full-closed state
// machine, translation between ring-buffer packets and client wire
// messages, service registration, and the round-robin send queue that
// ring.Ring drains into R2A. It sits between ring (below) and
// clientconn (to the side, invoked but never imported back from) -
// Manager implements ring.ChannelLayer and clientconn.MessageHandler,
// which is what lets those two lower layers stay ignorant of each
// other.
package channel

import (
	"fmt"
	"log/slog"

	"github.com/a314bridge/a314d/clientconn"
)

// Peer ring-buffer wire packet types (spec.md §6.2).
const (
	PktConnect         = 4
	PktConnectResponse = 5
	PktData            = 6
	PktEOS             = 7
	PktReset           = 8
)

// PKT_CONNECT_RESPONSE result codes (spec.md §6.2).
const (
	ConnectOK             = 0
	ConnectUnknownService = 3
)

// outboundPacket is one queued wire packet awaiting transmission in R2A.
type outboundPacket struct {
	ptype   byte
	payload []byte
}

// Channel is a single full-duplex logical stream, identified by a
// peer-assigned id (spec.md §3 "Logical channel").
type Channel struct {
	ID byte

	association   *clientconn.Connection
	streamID      uint32
	eosFromPeer   bool
	eosFromClient bool

	packetQueue []outboundPacket
}

// Bus is the subset of transport.Bus the channel layer needs directly
// (for READ_MEM_REQ/WRITE_MEM_REQ pass-through, spec.md §4.3).
type Bus interface {
	ReadMemory(addr uint32, length int) ([]byte, error)
	WriteMemory(addr uint32, data []byte) error
}

// OnDemandEntry is one configured on-demand service spawn target
// (spec.md §4.5, §6.5).
type OnDemandEntry struct {
	ServiceName string
	Program     string
	Arguments   []string
}

// Spawner starts an on-demand service process and returns a prepared
// client fd connected to it. *spawn.Spawner implements this.
type Spawner interface {
	Spawn(entry OnDemandEntry) (fd int, err error)
}

// Manager owns every channel, every client connection's registered
// services, and the round-robin send queue - the single owning
// structure spec.md §9 calls for ("all collections live in one owning
// structure passed through the loop; no locks").
type Manager struct {
	bus      Bus
	spawner  Spawner
	services map[string]*clientconn.Connection
	onDemand []OnDemandEntry
	logger   *slog.Logger

	channels  map[byte]*Channel
	sendQueue []*Channel

	// admitOnDemand is called once an on-demand spawn's fd is
	// prepared, so the daemon's event loop can admit it the same way
	// it admits an accepted connection. Set by daemon at construction.
	admitOnDemand func(fd int) *clientconn.Connection
}

// New creates a Manager. admitOnDemand is invoked for any fd produced
// by an on-demand spawn; it must register the fd with the event loop
// and return a *clientconn.Connection wrapping it, mirroring how
// handle_pkt_connect's spawn branch pushes straight into `connections`.
func New(bus Bus, spawner Spawner, onDemand []OnDemandEntry, logger *slog.Logger, admitOnDemand func(fd int) *clientconn.Connection) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:           bus,
		spawner:       spawner,
		services:      make(map[string]*clientconn.Connection),
		onDemand:      onDemand,
		logger:        logger,
		channels:      make(map[byte]*Channel),
		admitOnDemand: admitOnDemand,
	}
}

// enqueue appends a packet to ch's outbound queue, adding ch to the
// send queue if it wasn't already pending. Grounded on
// create_and_enqueue_packet.
func (m *Manager) enqueue(ch *Channel, ptype byte, payload []byte) {
	if len(ch.packetQueue) == 0 {
		m.sendQueue = append(m.sendQueue, ch)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	ch.packetQueue = append(ch.packetQueue, outboundPacket{ptype: ptype, payload: cp})
}

// clearPacketQueue drops ch's outbound queue and removes it from the
// send queue if present. Grounded on clear_packet_queue.
func (m *Manager) clearPacketQueue(ch *Channel) {
	if len(ch.packetQueue) == 0 {
		return
	}
	ch.packetQueue = nil
	for i, c := range m.sendQueue {
		if c == ch {
			m.sendQueue = append(m.sendQueue[:i], m.sendQueue[i+1:]...)
			break
		}
	}
}

// detach clears ch's association without touching its packet queue.
// Grounded on remove_association.
func (m *Manager) detach(ch *Channel) {
	ch.association = nil
	ch.streamID = 0
}

// collectIfDead destroys ch if it is unassociated and its outbound
// queue is empty (spec.md §4.3 "Channel collection rule"), grounded on
// remove_channel_if_not_associated_and_empty_pq.
func (m *Manager) collectIfDead(channelID byte) {
	ch, ok := m.channels[channelID]
	if !ok {
		return
	}
	if ch.association == nil && len(ch.packetQueue) == 0 {
		delete(m.channels, channelID)
	}
}

// HandleReceivedPacket implements ring.ChannelLayer.
func (m *Manager) HandleReceivedPacket(ptype byte, channelID byte, payload []byte) {
	switch ptype {
	case PktConnect:
		m.handlePktConnect(channelID, payload)
	case PktData:
		m.handlePktData(channelID, payload)
	case PktEOS:
		m.handlePktEOS(channelID)
	case PktReset:
		m.handlePktReset(channelID)
	default:
		m.logger.Warn("received unknown peer packet type", "type", ptype, "channel_id", channelID)
	}
	m.collectIfDead(channelID)
}

// handlePktConnect implements spec.md §4.3's CONNECT handler:
// registered-service association, on-demand spawn, or
// CONNECT_RESPONSE(UNKNOWN_SERVICE).
func (m *Manager) handlePktConnect(channelID byte, payload []byte) {
	if _, exists := m.channels[channelID]; exists {
		// A CONNECT on an id the peer should know is already taken
		// signals the peer and daemon have desynchronized state beyond
		// repair (spec.md §7 "Fatal").
		panic(fmt.Sprintf("received CONNECT packet on channel %d that is already allocated", channelID))
	}

	serviceName := string(payload)
	ch := &Channel{ID: channelID}
	m.channels[channelID] = ch

	if owner, ok := m.services[serviceName]; ok {
		m.associateAndNotify(ch, owner, serviceName, payload)
		return
	}

	for _, entry := range m.onDemand {
		if entry.ServiceName != serviceName {
			continue
		}

		fd, err := m.spawner.Spawn(entry)
		if err != nil {
			// Fork/socketpair failure is fatal (spec.md §7).
			panic(fmt.Sprintf("spawning on-demand service %q: %v", serviceName, err))
		}

		conn := m.admitOnDemand(fd)
		m.services[serviceName] = conn
		m.associateAndNotify(ch, conn, serviceName, payload)
		return
	}

	response := []byte{ConnectUnknownService}
	m.enqueue(ch, PktConnectResponse, response)
}

func (m *Manager) associateAndNotify(ch *Channel, owner *clientconn.Connection, serviceName string, rawName []byte) {
	ch.association = owner
	ch.streamID = owner.NextStreamID()

	if err := owner.SendMessage(ch.streamID, clientconn.MsgConnect, rawName); err != nil {
		m.logger.Error("sending CONNECT to client", "service", serviceName, "error", err)
	}
}

// handlePktData implements the DATA peer-packet handler.
func (m *Manager) handlePktData(channelID byte, payload []byte) {
	ch, ok := m.channels[channelID]
	if !ok || ch.association == nil || ch.eosFromPeer {
		return
	}
	if err := ch.association.SendMessage(ch.streamID, clientconn.MsgData, payload); err != nil {
		m.logger.Error("sending DATA to client", "channel_id", channelID, "error", err)
	}
}

// handlePktEOS implements the EOS peer-packet handler.
func (m *Manager) handlePktEOS(channelID byte) {
	ch, ok := m.channels[channelID]
	if !ok || ch.association == nil || ch.eosFromPeer {
		return
	}
	ch.eosFromPeer = true
	if err := ch.association.SendMessage(ch.streamID, clientconn.MsgEOS, nil); err != nil {
		m.logger.Error("sending EOS to client", "channel_id", channelID, "error", err)
	}
	if ch.eosFromClient {
		m.detach(ch)
	}
}

// handlePktReset implements the RESET peer-packet handler.
func (m *Manager) handlePktReset(channelID byte) {
	ch, ok := m.channels[channelID]
	if !ok {
		return
	}
	m.clearPacketQueue(ch)
	if ch.association != nil {
		if err := ch.association.SendMessage(ch.streamID, clientconn.MsgReset, nil); err != nil {
			m.logger.Error("sending RESET to client", "channel_id", channelID, "error", err)
		}
		m.detach(ch)
	}
}

// CloseAllChannels implements ring.ChannelLayer, used when the peer's
// base address changes. Grounded on close_all_logical_channels.
func (m *Manager) CloseAllChannels() {
	m.sendQueue = nil
	for id, ch := range m.channels {
		if ch.association != nil {
			if err := ch.association.SendMessage(ch.streamID, clientconn.MsgReset, nil); err != nil {
				m.logger.Error("sending RESET during base-address re-init", "channel_id", id, "error", err)
			}
			m.detach(ch)
		}
		delete(m.channels, id)
	}
}

// HasPendingPacket implements ring.ChannelLayer.
func (m *Manager) HasPendingPacket() bool {
	return len(m.sendQueue) > 0
}

// PeekPendingWireLength implements ring.ChannelLayer.
func (m *Manager) PeekPendingWireLength() int {
	ch := m.sendQueue[0]
	return 3 + len(ch.packetQueue[0].payload)
}

// PopPendingPacket implements ring.ChannelLayer, draining one packet
// from the head channel and rotating it to the tail if it still has
// queued work (spec.md §3 "Send queue"). Grounded on flush_send_queue's
// inner loop.
func (m *Manager) PopPendingPacket() (byte, byte, []byte) {
	ch := m.sendQueue[0]
	pkt := ch.packetQueue[0]
	ch.packetQueue = ch.packetQueue[1:]
	m.sendQueue = m.sendQueue[1:]

	if len(ch.packetQueue) > 0 {
		m.sendQueue = append(m.sendQueue, ch)
	} else {
		m.collectIfDead(ch.ID)
	}

	return pkt.ptype, ch.ID, pkt.payload
}
