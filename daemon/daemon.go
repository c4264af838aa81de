// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon implements the single-threaded, epoll-driven event
// loop and process lifecycle (spec.md §4.6-§4.7, §5). It owns the
// transport bus and interrupt source, the ring buffer, the channel
// manager, and the listening socket, and is the only place that
// recovers from the channel package's Fatal-classified panics
// (spec.md §7) before exiting. Grounded on a314d.cc's main_loop,
// init_server_socket, handle_server_socket_ready, and shutdown_driver.
package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/a314bridge/a314d/channel"
	"github.com/a314bridge/a314d/clientconn"
	"github.com/a314bridge/a314d/lib/netutil"
	"github.com/a314bridge/a314d/ring"
	"github.com/a314bridge/a314d/transport"
)

// Daemon owns every long-lived resource of a running a314d process.
type Daemon struct {
	bus       transport.Bus
	irq       transport.InterruptSource
	ringLayer *ring.Ring
	channels  *channel.Manager
	logger    *slog.Logger

	listenFd int
	epollFd  int

	connections map[int]*clientconn.Connection

	drainTimeout time.Duration

	firstGPIOEvent bool
}

// Config bundles the already-opened resources a Daemon needs. The
// caller (cmd/a314d) is responsible for opening the bus, the
// interrupt source, and the listening socket; Daemon only drives them.
type Config struct {
	Bus          transport.Bus
	IRQ          transport.InterruptSource
	ListenFd     int
	Logger       *slog.Logger
	DrainTimeout time.Duration
	Spawner      channel.Spawner
	OnDemand     []channel.OnDemandEntry
}

// New constructs a Daemon and its channel manager, but does not touch
// epoll or the listening socket yet; call Run to start serving.
func New(cfg Config) *Daemon {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{
		bus:            cfg.Bus,
		irq:            cfg.IRQ,
		logger:         logger,
		listenFd:       cfg.ListenFd,
		connections:    make(map[int]*clientconn.Connection),
		drainTimeout:   cfg.DrainTimeout,
		firstGPIOEvent: true,
	}
	d.ringLayer = ring.New(cfg.Bus, logger)
	d.channels = channel.New(cfg.Bus, cfg.Spawner, cfg.OnDemand, logger, d.admitConnection)
	return d
}

// admitConnection wraps an on-demand-spawned fd in a Connection and
// registers it with epoll exactly like an accepted client, mirroring
// the original's spawn branch pushing directly into `connections`.
func (d *Daemon) admitConnection(fd int) *clientconn.Connection {
	conn := clientconn.New(fd, d.channels, d.logger)
	if err := d.registerFd(fd); err != nil {
		panic(fmt.Errorf("registering on-demand connection fd with epoll: %w", err))
	}
	d.connections[fd] = conn
	return conn
}

func (d *Daemon) registerFd(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(d.epollFd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// registerInterruptFd wires the GPIO value-file fd into epoll the way a
// sysfs edge-triggered GPIO actually signals: a change is reported via
// EPOLLPRI (POLLPRI/POLLERR on the value file), never EPOLLIN. Grounded
// on a314d.cc:502's epoll_ctl(..., EPOLLPRI | EPOLLERR, ...) on gpio_fd;
// using the client-socket-tuned registerFd here would leave the daemon
// never woken by a real peer interrupt.
func (d *Daemon) registerInterruptFd(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLPRI | unix.EPOLLERR,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(d.epollFd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Run drives the single-threaded event loop until a clean shutdown
// completes. SIGTERM must already be blocked in the process's signal
// mask by the caller (cmd/a314d, via unix.SigprocMask) before Run is
// called, and originalSigmask is the mask to restore during the
// blocking epoll_pwait - this is the literal equivalent of
// init_sigterm plus main_loop's epoll_pwait(..., &original_sigset).
func (d *Daemon) Run(originalSigmask *unix.Sigset_t) (err error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("creating epoll instance: %w", err)
	}
	d.epollFd = epfd
	defer unix.Close(epfd)

	if err := d.registerInterruptFd(d.irq.Fd()); err != nil {
		return fmt.Errorf("registering interrupt fd with epoll: %w", err)
	}
	if err := d.registerFd(d.listenFd); err != nil {
		return fmt.Errorf("registering listen fd with epoll: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fatal error in event loop: %v", r)
		}
	}()

	// Unconditional startup tick, independent of any GPIO edge
	// (SPEC_FULL.md §4 item 3).
	if err := d.tick(); err != nil {
		return err
	}

	shuttingDown := false
	var shutdownDeadline time.Time

	for {
		timeout := -1
		if shuttingDown {
			remaining := time.Until(shutdownDeadline)
			if remaining < 0 {
				remaining = 0
			}
			timeout = int(remaining.Milliseconds())
		}

		events := make([]unix.EpollEvent, 1)
		// x/sys/unix has no epoll_pwait wrapper on Linux, so the syscall
		// is issued directly; the kernel's sigset size is 8 bytes.
		r0, _, errno := unix.Syscall6(unix.SYS_EPOLL_PWAIT, uintptr(epfd),
			uintptr(unsafe.Pointer(&events[0])), uintptr(len(events)),
			uintptr(timeout), uintptr(unsafe.Pointer(originalSigmask)), 8)
		n := int(r0)
		var err error
		if errno != 0 {
			err = errno
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				d.logger.Info("received SIGTERM, starting graceful shutdown")

				unix.Close(d.listenFd)
				for fd, conn := range d.connections {
					if cerr := d.channels.CloseConnection(conn); cerr != nil {
						d.logger.Warn("closing connection during shutdown", "fd", fd, "error", cerr)
					}
					delete(d.connections, fd)
				}

				// CloseConnection above enqueues a RESET packet per open
				// channel; flush them into R2A immediately rather than
				// waiting for a peer interrupt that may never come
				// before the drain timeout expires.
				if ferr := d.ringLayer.Flush(d.channels); ferr != nil {
					d.logger.Warn("flushing send queue during shutdown", "error", ferr)
				}

				if len(d.connections) == 0 && !d.channels.HasPendingPacket() {
					return nil
				}
				shuttingDown = true
				shutdownDeadline = time.Now().Add(d.drainTimeout)
				continue
			}
			return fmt.Errorf("epoll_pwait: %w", err)
		}

		if n == 0 {
			if shuttingDown {
				d.logger.Warn("shutdown drain timed out with channels still open")
				return nil
			}
			return fmt.Errorf("epoll_pwait returned 0 unexpectedly with no timeout set")
		}

		fd := int(events[0].Fd)
		switch {
		case fd == d.irq.Fd():
			if err := d.handleInterruptEvent(); err != nil {
				return err
			}
			if shuttingDown && !d.channels.HasPendingPacket() {
				return nil
			}
		case fd == d.listenFd:
			if err := d.handleAccept(); err != nil {
				return err
			}
		default:
			if err := d.handleConnectionEvent(fd); err != nil {
				return err
			}
		}
	}
}

// handleInterruptEvent consumes one GPIO edge and, after the
// mandatory first-edge discard, runs one ring tick.
func (d *Daemon) handleInterruptEvent() error {
	if err := d.irq.ConsumeEdge(); err != nil {
		return fmt.Errorf("consuming interrupt edge: %w", err)
	}

	if d.firstGPIOEvent {
		d.logger.Debug("discarding first GPIO event after startup")
		d.firstGPIOEvent = false
		return nil
	}

	return d.tick()
}

func (d *Daemon) tick() error {
	return d.ringLayer.Tick(d.channels)
}

// handleAccept drains every pending connection on the listen socket.
// The listen fd is registered edge-triggered (registerFd's EPOLLET), so
// a single accept per event would stall a burst of backlogged
// connections until the next edge; looping to EAGAIN is the
// edge-triggered equivalent of the original's level-triggered
// EPOLLIN accept.
func (d *Daemon) handleAccept() error {
	for {
		fd, _, err := unix.Accept(d.listenFd)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if err := clientconn.PrepareSocket(fd); err != nil {
			unix.Close(fd)
			return fmt.Errorf("preparing accepted socket: %w", err)
		}
		if err := d.registerFd(fd); err != nil {
			unix.Close(fd)
			return fmt.Errorf("registering accepted socket with epoll: %w", err)
		}

		d.connections[fd] = clientconn.New(fd, d.channels, d.logger)
	}
}

// handleConnectionEvent mirrors handle_client_connection_event followed
// by main_loop's unconditional post-event flush_send_queue call. A
// peer-initiated close (EOF) or a connection reset on read is an
// ordinary teardown of that client; any other read or write error is an
// unexpected I/O failure and is fatal per spec.md §7.
//
// The flush after a client event is emission-only (Ring.Flush), not a
// full Tick: a client event never raises a peer interrupt, so
// Tick's AckInterrupt would normally observe events == 0 and return
// before ever draining the send queue (a314d.cc:1468-1470).
func (d *Daemon) handleConnectionEvent(fd int) error {
	conn, ok := d.connections[fd]
	if !ok {
		return fmt.Errorf("epoll notified about unknown connection fd %d", fd)
	}

	if err := conn.HandleReadable(); err != nil {
		if netutil.IsExpectedCloseError(err) {
			d.closeConnection(fd, conn)
			return d.ringLayer.Flush(d.channels)
		}
		return fmt.Errorf("client connection fd %d: %w", fd, err)
	}
	if err := conn.HandleWritable(); err != nil {
		return fmt.Errorf("client connection fd %d: %w", fd, err)
	}

	return d.ringLayer.Flush(d.channels)
}

func (d *Daemon) closeConnection(fd int, conn *clientconn.Connection) {
	if err := d.channels.CloseConnection(conn); err != nil {
		d.logger.Debug("closing client connection", "fd", fd, "error", err)
	}
	delete(d.connections, fd)
}
