// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transport

import (
	"fmt"
	"os"
	"time"
)

// sysfsGPIOSource is an edge-triggered interrupt source backed by the
// Linux sysfs GPIO interface, grounded on a314d.cc's init_gpio/
// shutdown_gpio (export, direction, edge, value dance). The kernel's
// in-tree sysfs GPIO class is what the original targets; this is the
// literal Go port of that mechanism rather than a swap to a chip-driver
// library, since no GPIO library appears anywhere in the example pack.
type sysfsGPIOSource struct {
	line int

	exported bool
	edgeSet  bool

	valueFile *os.File
}

// OpenGPIOInterrupt exports gpioLine, configures it as an input with
// both-edge triggering, and opens its value file for edge-triggered
// epoll registration.
func OpenGPIOInterrupt(gpioLine int) (InterruptSource, error) {
	g := &sysfsGPIOSource{line: gpioLine}

	if err := sysfsWrite("/sys/class/gpio/export", fmt.Sprintf("%d", gpioLine)); err != nil {
		return nil, fmt.Errorf("exporting gpio %d: %w", gpioLine, err)
	}
	g.exported = true

	if err := g.setDirectionWithRetry(); err != nil {
		g.Close()
		return nil, err
	}

	gpioPath := fmt.Sprintf("/sys/class/gpio/gpio%d", gpioLine)
	if err := sysfsWrite(gpioPath+"/edge", "both"); err != nil {
		g.Close()
		return nil, fmt.Errorf("setting edge on gpio %d: %w", gpioLine, err)
	}
	g.edgeSet = true

	f, err := os.OpenFile(gpioPath+"/value", os.O_RDONLY, 0)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("opening gpio %d value: %w", gpioLine, err)
	}
	g.valueFile = f

	return g, nil
}

// setDirectionWithRetry mirrors set_direction's 100x10ms retry loop:
// the sysfs gpio<N> directory can appear briefly after export returns.
func (g *sysfsGPIOSource) setDirectionWithRetry() error {
	path := fmt.Sprintf("/sys/class/gpio/gpio%d/direction", g.line)

	var lastErr error
	for retry := 0; retry < 100; retry++ {
		if err := sysfsWrite(path, "in"); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("setting direction on gpio %d after retries: %w", g.line, lastErr)
}

func sysfsWrite(path, text string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(text)
	return err
}

// Fd implements InterruptSource.
func (g *sysfsGPIOSource) Fd() int {
	return int(g.valueFile.Fd())
}

// ConsumeEdge implements InterruptSource. The sysfs value file reports
// the edge via poll/epoll readiness; rewinding and re-reading clears it
// for the next edge, matching main_loop's lseek(gpio_fd, 0, SEEK_SET)
// followed by a one-byte read.
func (g *sysfsGPIOSource) ConsumeEdge() error {
	if _, err := g.valueFile.Seek(0, 0); err != nil {
		return fmt.Errorf("seeking gpio value file: %w", err)
	}
	var buf [1]byte
	n, err := g.valueFile.Read(buf[:])
	if err != nil {
		return fmt.Errorf("reading gpio value file: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("reading gpio value file: expected 1 byte, got %d", n)
	}
	return nil
}

// Close implements InterruptSource.
func (g *sysfsGPIOSource) Close() error {
	if g.valueFile != nil {
		g.valueFile.Close()
	}
	if g.edgeSet {
		gpioPath := fmt.Sprintf("/sys/class/gpio/gpio%d", g.line)
		_ = sysfsWrite(gpioPath+"/edge", "none")
	}
	if g.exported {
		_ = sysfsWrite("/sys/class/gpio/unexport", fmt.Sprintf("%d", g.line))
	}
	return nil
}
