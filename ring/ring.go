// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

// Package ring implements the shared-memory ring-buffer protocol
// (spec.md §4.2): the base-address handshake, A2R packet ingestion, R2A
// packet emission, and event-bit bookkeeping. It is pure and hardware-
// agnostic - every operation is expressed against transport.Bus, so it
// is fully unit-testable with transport.FakeBus and needs no real SPI
// or GPIO hardware.
package ring

import (
	"fmt"
	"log/slog"

	"github.com/a314bridge/a314d/transport"
)

// Control-area byte offsets relative to base_address (spec.md §3
// "Shared-memory ring state"), grounded on a314d.cc's
// A2R_TAIL_OFFSET/R2A_HEAD_OFFSET/R2A_TAIL_OFFSET/A2R_HEAD_OFFSET.
const (
	offsetA2RTail = 0
	offsetR2AHead = 1
	offsetR2ATail = 2
	offsetA2RHead = 3
)

// ringSize is the capacity of each 256-byte ring; effective usable
// capacity is ringSize-1 (one slot sacrificed for full/empty
// disambiguation, spec.md §3).
const ringSize = 256

// MaxPacketPayload is the largest payload that fits in a single ring
// packet (255-byte ring capacity minus the 3-byte plen/ptype/channel_id
// header), spec.md §6.2: "the ring's 255-byte capacity bounds plen ≤
// 252". channel.Manager fragments oversized client DATA messages
// against this limit before enqueuing.
const MaxPacketPayload = ringSize - 1 - 3

// ChannelLayer is the logical-channel layer's view as seen from the
// ring protocol: packet delivery inbound, packet draining outbound, and
// the "peer re-initialized" notification that tears every channel down.
// channel.Manager implements this.
type ChannelLayer interface {
	// HandleReceivedPacket dispatches one decoded A2R packet.
	HandleReceivedPacket(ptype byte, channelID byte, payload []byte)

	// CloseAllChannels resets every logical channel, used when the
	// base address changes (spec.md §4.2, §8 "base-address re-init").
	CloseAllChannels()

	// HasPendingPacket reports whether the send queue has a packet
	// ready to be drained into R2A.
	HasPendingPacket() bool

	// PeekPendingWireLength returns the wire length (3 + payload) of
	// the next packet PopPendingPacket would return, without removing
	// it - used to decide whether it fits in the remaining ring space.
	PeekPendingWireLength() int

	// PopPendingPacket removes and returns the next outbound packet,
	// rotating the round-robin send queue.
	PopPendingPacket() (ptype byte, channelID byte, payload []byte)
}

// Ring drives one tick of the ring-buffer protocol against a
// transport.Bus and a ChannelLayer.
type Ring struct {
	bus    transport.Bus
	logger *slog.Logger

	haveBaseAddress bool
	baseAddress     uint32

	status        [4]byte
	statusUpdated byte
}

// New creates a Ring bound to bus, logging at logger.
func New(bus transport.Bus, logger *slog.Logger) *Ring {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ring{bus: bus, logger: logger}
}

// HaveBaseAddress reports whether the handshake has completed.
func (r *Ring) HaveBaseAddress() bool {
	return r.haveBaseAddress
}

// Tick runs one full pass of interrupt acknowledgement, base-address
// handshake, A2R ingestion, R2A emission, and event publication,
// grounded on a314d.cc's handle_a314_irq.
func (r *Ring) Tick(channels ChannelLayer) error {
	events, err := r.bus.AckInterrupt()
	if err != nil {
		return fmt.Errorf("acknowledging interrupt: %w", err)
	}
	if events == 0 {
		return nil
	}

	if events&transport.EventBaseAddress != 0 || !r.haveBaseAddress {
		if r.haveBaseAddress {
			r.logger.Info("base address was updated while logical channels may be open; closing channels")
			channels.CloseAllChannels()
		}
		if err := r.readBaseAddress(); err != nil {
			return fmt.Errorf("reading base address: %w", err)
		}
	}

	if !r.haveBaseAddress {
		return nil
	}

	if err := r.readChannelStatus(); err != nil {
		return fmt.Errorf("reading channel status: %w", err)
	}

	anyReceived, err := r.receiveFromA2R(channels)
	if err != nil {
		return fmt.Errorf("receiving from A2R: %w", err)
	}
	anySent, err := r.flushSendQueue(channels)
	if err != nil {
		return fmt.Errorf("flushing send queue: %w", err)
	}

	if anyReceived || anySent {
		if err := r.writeChannelStatus(); err != nil {
			return fmt.Errorf("writing channel status: %w", err)
		}
	}

	return nil
}

// Flush drains the channel layer's send queue into R2A and publishes
// the updated tail, without touching AckInterrupt or the A2R side. It
// uses whatever channel status Tick last cached rather than re-reading
// it from the bus, the same way the original's globals are only
// refreshed by read_channel_status inside handle_a314_irq. Call this
// after any client event and during shutdown, so a client write is not
// left queued until an unrelated peer interrupt happens to arrive
// (spec.md §4.6, grounded on main_loop's unconditional
// "if (flush_send_queue()) write_channel_status();" after
// handle_client_connection_event, a314d.cc:1468-1470).
func (r *Ring) Flush(channels ChannelLayer) error {
	if !r.haveBaseAddress {
		return nil
	}

	anySent, err := r.flushSendQueue(channels)
	if err != nil {
		return fmt.Errorf("flushing send queue: %w", err)
	}
	if anySent {
		if err := r.writeChannelStatus(); err != nil {
			return fmt.Errorf("writing channel status: %w", err)
		}
	}
	return nil
}

// readBaseAddress implements the double-read-must-match handshake
// (spec.md §4.2), grounded on a314d.cc's read_base_address.
func (r *Ring) readBaseAddress() error {
	r.haveBaseAddress = false

	first, err := r.readBaseAddressRegisters()
	if err != nil {
		return err
	}
	if first&1 != 1 {
		return nil
	}

	second, err := r.readBaseAddressRegisters()
	if err != nil {
		return err
	}
	if first == second {
		r.haveBaseAddress = true
		r.baseAddress = first &^ 1
		r.logger.Debug("base address handshake complete", "base_address", r.baseAddress)
	}
	return nil
}

func (r *Ring) readBaseAddressRegisters() (uint32, error) {
	var ba uint32
	for i := 0; i < 5; i++ {
		v, err := r.bus.ReadControl(i)
		if err != nil {
			return 0, err
		}
		ba |= uint32(v) << (i * 4)
	}
	return ba, nil
}

func (r *Ring) readChannelStatus() error {
	data, err := r.bus.ReadMemory(r.baseAddress, 4)
	if err != nil {
		return err
	}
	copy(r.status[:], data)
	r.statusUpdated = 0
	return nil
}

func (r *Ring) writeChannelStatus() error {
	if r.statusUpdated == 0 {
		return nil
	}
	if err := r.bus.WriteMemory(r.baseAddress+2, r.status[offsetR2ATail:offsetA2RHead+1]); err != nil {
		return err
	}
	if err := r.bus.WriteControl(transport.RegAEvents, r.statusUpdated); err != nil {
		return err
	}
	r.statusUpdated = 0
	return nil
}

// receiveFromA2R copies the live region of the A2R ring into a scratch
// buffer (splitting the read if it wraps), then parses and dispatches
// each packet in order. Grounded on a314d.cc's receive_from_a2r.
func (r *Ring) receiveFromA2R(channels ChannelLayer) (bool, error) {
	head := r.status[offsetA2RHead]
	tail := r.status[offsetA2RTail]
	length := int(tail-head) & 0xff
	if length == 0 {
		return false, nil
	}

	var buf []byte
	if head < tail {
		data, err := r.bus.ReadMemory(r.baseAddress+4+uint32(head), int(tail-head))
		if err != nil {
			return false, err
		}
		buf = data
	} else {
		data, err := r.bus.ReadMemory(r.baseAddress+4+uint32(head), ringSize-int(head))
		if err != nil {
			return false, err
		}
		buf = append(buf, data...)

		if tail != 0 {
			data2, err := r.bus.ReadMemory(r.baseAddress+4, int(tail))
			if err != nil {
				return false, err
			}
			buf = append(buf, data2...)
		}
	}

	p := 0
	for p < len(buf) {
		plen := buf[p]
		ptype := buf[p+1]
		channelID := buf[p+2]
		p += 3
		payload := buf[p : p+int(plen)]
		channels.HandleReceivedPacket(ptype, channelID, payload)
		p += int(plen)
	}

	r.status[offsetA2RHead] = r.status[offsetA2RTail]
	r.statusUpdated |= transport.EventA2RHead
	return true, nil
}

// flushSendQueue drains the channel layer's round-robin send queue into
// the R2A ring, stopping as soon as the next packet no longer fits in
// the remaining free space. Grounded on a314d.cc's flush_send_queue.
func (r *Ring) flushSendQueue(channels ChannelLayer) (bool, error) {
	tail := r.status[offsetR2ATail]
	head := r.status[offsetR2AHead]
	used := int(tail-head) & 0xff
	left := (ringSize - 1) - used

	var sendBuf []byte
	for channels.HasPendingPacket() {
		wireLen := channels.PeekPendingWireLength()
		if left < wireLen {
			break
		}

		ptype, channelID, payload := channels.PopPendingPacket()
		sendBuf = append(sendBuf, byte(len(payload)), ptype, channelID)
		sendBuf = append(sendBuf, payload...)
		left -= wireLen
	}

	if len(sendBuf) == 0 {
		return false, nil
	}

	toWrite := len(sendBuf)
	p := sendBuf
	atEnd := ringSize - int(tail)
	if atEnd < toWrite {
		if err := r.bus.WriteMemory(r.baseAddress+260+uint32(tail), p[:atEnd]); err != nil {
			return false, err
		}
		p = p[atEnd:]
		toWrite -= atEnd
		tail = 0
	}

	if err := r.bus.WriteMemory(r.baseAddress+260+uint32(tail), p[:toWrite]); err != nil {
		return false, err
	}
	tail = byte((int(tail) + toWrite) & 0xff)

	r.status[offsetR2ATail] = tail
	r.statusUpdated |= transport.EventR2ATail
	return true, nil
}
