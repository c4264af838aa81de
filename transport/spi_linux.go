// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transport

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SPI command opcodes, encoded in the top bits of the header word for
// bulk memory ops, or the top nibble of the header byte for control-
// memory ops (spec.md §4.1, grounded on a314d.cc's READ_SRAM_CMD etc).
const (
	cmdReadSRAM  = 0
	cmdWriteSRAM = 1
	cmdReadCMEM  = 2
	cmdWriteCMEM = 3

	// readSRAMHeaderLen is the number of leading bytes in a bulk-read
	// response that must be discarded before the payload (the header
	// word echoed back on the full-duplex transfer).
	readSRAMHeaderLen = 4
)

// spidev ioctl request codes, from <linux/spi/spidev.h>. Computed once
// and hardcoded since x/sys/unix carries no spidev-specific helpers.
const (
	spiIOCWRMode         = 0x40016b01
	spiIOCWRBitsPerWord  = 0x40016b03
	spiIOCWRMaxSpeedHz   = 0x40046b04
	spiIOCMessageOneSize = 0x40206b00 // SPI_IOC_MESSAGE(1)
)

// spiIOCTransfer mirrors struct spi_ioc_transfer from <linux/spi/spidev.h>.
type spiIOCTransfer struct {
	txBuf uint64
	rxBuf uint64

	length    uint32
	speedHz   uint32
	delayUsec uint16
	bitsWord  uint8
	csChange  uint8
	txNbits   uint8
	rxNbits   uint8
	pad       uint16
}

// SPIBus is the Linux spidev-backed Bus implementation, grounded on
// a314d.cc's init_spi/transfer/spi_read_mem/spi_write_mem/spi_read_cmem/
// spi_write_cmem/spi_ack_irq.
type SPIBus struct {
	file    *os.File
	speedHz uint32
	bits    uint8

	// txBuf/rxBuf are reused across calls the way the original reuses
	// its static tx_buf/rx_buf arrays; a single SPIBus is never used
	// concurrently (spec.md §5: single-threaded).
	txBuf [260]byte
	rxBuf [260]byte
}

// OpenSPIBus opens the spidev character device and configures mode,
// word size, and clock speed, matching init_spi's three WR_MODE/
// WR_BITS_PER_WORD/WR_MAX_SPEED_HZ ioctls.
func OpenSPIBus(devicePath string, speedHz uint32) (*SPIBus, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening spi device %s: %w", devicePath, err)
	}

	b := &SPIBus{file: f, speedHz: speedHz, bits: 8}

	var mode uint8
	if err := ioctlPointer(f.Fd(), spiIOCWRMode, unsafe.Pointer(&mode)); err != nil {
		f.Close()
		return nil, fmt.Errorf("SPI_IOC_WR_MODE on %s: %w", devicePath, err)
	}
	if err := ioctlPointer(f.Fd(), spiIOCWRBitsPerWord, unsafe.Pointer(&b.bits)); err != nil {
		f.Close()
		return nil, fmt.Errorf("SPI_IOC_WR_BITS_PER_WORD on %s: %w", devicePath, err)
	}
	if err := ioctlPointer(f.Fd(), spiIOCWRMaxSpeedHz, unsafe.Pointer(&b.speedHz)); err != nil {
		f.Close()
		return nil, fmt.Errorf("SPI_IOC_WR_MAX_SPEED_HZ on %s: %w", devicePath, err)
	}

	return b, nil
}

func (b *SPIBus) Close() error {
	return b.file.Close()
}

func ioctlPointer(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// transfer issues one full-duplex SPI_IOC_MESSAGE(1) of length bytes
// using txBuf/rxBuf.
func (b *SPIBus) transfer(length int) error {
	tr := spiIOCTransfer{
		txBuf:     uint64(uintptr(unsafe.Pointer(&b.txBuf[0]))),
		rxBuf:     uint64(uintptr(unsafe.Pointer(&b.rxBuf[0]))),
		length:    uint32(length),
		speedHz:   b.speedHz,
		bitsWord:  b.bits,
		delayUsec: 0,
		csChange:  0,
	}
	return ioctlPointer(b.file.Fd(), spiIOCMessageOneSize, unsafe.Pointer(&tr))
}

// ReadMemory implements Bus.
func (b *SPIBus) ReadMemory(addr uint32, length int) ([]byte, error) {
	if length < 0 || length+readSRAMHeaderLen > len(b.txBuf) {
		return nil, fmt.Errorf("read length %d out of range", length)
	}

	header := (uint32(cmdReadSRAM) << 20) | (addr & 0xfffff)
	b.txBuf[0] = byte(header >> 16)
	b.txBuf[1] = byte(header >> 8)
	b.txBuf[2] = byte(header)
	b.txBuf[3] = 0

	if err := b.transfer(length + readSRAMHeaderLen); err != nil {
		return nil, fmt.Errorf("spi read_mem addr=%d length=%d: %w", addr, length, err)
	}

	out := make([]byte, length)
	copy(out, b.rxBuf[readSRAMHeaderLen:readSRAMHeaderLen+length])
	return out, nil
}

// WriteMemory implements Bus.
func (b *SPIBus) WriteMemory(addr uint32, data []byte) error {
	if len(data)+3 > len(b.txBuf) {
		return fmt.Errorf("write length %d out of range", len(data))
	}

	header := (uint32(cmdWriteSRAM) << 20) | (addr & 0xfffff)
	b.txBuf[0] = byte(header >> 16)
	b.txBuf[1] = byte(header >> 8)
	b.txBuf[2] = byte(header)
	copy(b.txBuf[3:], data)

	if err := b.transfer(len(data) + 3); err != nil {
		return fmt.Errorf("spi write_mem addr=%d length=%d: %w", addr, len(data), err)
	}
	return nil
}

// ReadControl implements Bus.
func (b *SPIBus) ReadControl(reg int) (byte, error) {
	b.txBuf[0] = byte((cmdReadCMEM << 4) | (reg & 0xf))
	b.txBuf[1] = 0
	if err := b.transfer(2); err != nil {
		return 0, fmt.Errorf("spi read_cmem reg=%d: %w", reg, err)
	}
	return b.rxBuf[1] & 0xf, nil
}

// WriteControl implements Bus.
func (b *SPIBus) WriteControl(reg int, nibble byte) error {
	b.txBuf[0] = byte((cmdWriteCMEM << 4) | (reg & 0xf))
	b.txBuf[1] = nibble & 0xf
	if err := b.transfer(2); err != nil {
		return fmt.Errorf("spi write_cmem reg=%d: %w", reg, err)
	}
	return nil
}

// AckInterrupt implements Bus.
func (b *SPIBus) AckInterrupt() (byte, error) {
	return b.ReadControl(RegEvents)
}
