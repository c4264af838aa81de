// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

// Command a314d bridges a host and an Amiga-style peer over a
// shared-memory ring-buffer bus, multiplexing logical channels between
// peer requestors and host-side clients connected over a local TCP
// socket. See spec.md for the full protocol. Grounded on a314d.cc's
// main()/init_driver()/main_loop()/shutdown_driver().
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/a314bridge/a314d/daemon"
	"github.com/a314bridge/a314d/internal/opsconfig"
	"github.com/a314bridge/a314d/internal/svcconf"
	"github.com/a314bridge/a314d/lib/process"
	"github.com/a314bridge/a314d/lib/version"
	"github.com/a314bridge/a314d/spawn"
	"github.com/a314bridge/a314d/transport"
)

// spiSpeedHz matches the original's hardcoded SPI clock (a314d.cc's
// `speed = 67000000`).
const spiSpeedHz = 67000000

func main() {
	var (
		daemonConfigPath = pflag.String("daemon-config", "", "path to the ambient operational config file (overrides A314D_CONFIG)")
		verbose          = pflag.Bool("verbose", false, "enable debug logging")
		showVersion      = pflag.Bool("version", false, "print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	if err := run(*daemonConfigPath, *verbose, pflag.Arg(0)); err != nil {
		process.Fatal(err)
	}
}

// run implements the body of main, with config/service-table overrides
// and logger setup already resolved, so it can be exercised without
// touching real hardware in theory (though in practice it always opens
// real SPI/GPIO/socket resources - spec.md §1 names this a headless,
// hardware-bound daemon).
func run(daemonConfigPath string, verbose bool, serviceTableOverride string) error {
	cfg, err := loadOpsConfig(daemonConfigPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logLevel := cfg.LogLevel
	if verbose {
		logLevel = "debug"
	}
	logger := newLogger(logLevel)

	if err := cfg.Validate(); err != nil {
		return err
	}

	serviceTablePath := cfg.ServiceTable
	if serviceTableOverride != "" {
		serviceTablePath = serviceTableOverride
	}
	onDemand, err := svcconf.Load(serviceTablePath, logger)
	if err != nil {
		return fmt.Errorf("loading service table: %w", err)
	}

	bus, err := transport.OpenSPIBus(cfg.Bus.SPIDevice, spiSpeedHz)
	if err != nil {
		return fmt.Errorf("opening SPI bus: %w", err)
	}
	defer bus.Close()

	irq, err := transport.OpenGPIOInterrupt(cfg.Bus.GPIOLine)
	if err != nil {
		return fmt.Errorf("opening GPIO interrupt: %w", err)
	}
	defer irq.Close()

	listenFd, err := openListener(cfg.Listen)
	if err != nil {
		return fmt.Errorf("opening listen socket: %w", err)
	}

	// SIGTERM must be blocked in the process mask everywhere except
	// inside epoll_pwait's own signal mask argument (SPEC_FULL.md §4
	// item 5, grounded on init_sigterm's pthread_sigmask(SIG_BLOCK,...)
	// plus main_loop's epoll_pwait(..., &original_sigset)).
	var blocked, original unix.Sigset_t
	sigaddset(&blocked, unix.SIGTERM)
	if err := unix.SigprocMask(unix.SIG_BLOCK, &blocked, &original); err != nil {
		return fmt.Errorf("blocking SIGTERM: %w", err)
	}

	d := daemon.New(daemon.Config{
		Bus:          bus,
		IRQ:          irq,
		ListenFd:     listenFd,
		Logger:       logger,
		DrainTimeout: cfg.ShutdownDrainTimeout,
		Spawner:      spawn.New(logger),
		OnDemand:     onDemand,
	})

	logger.Info("a314d starting", "version", version.Info(), "listen", cfg.Listen, "services", len(onDemand))

	return d.Run(&original)
}

func loadOpsConfig(daemonConfigPath string) (*opsconfig.Config, error) {
	if daemonConfigPath != "" {
		return opsconfig.LoadFile(daemonConfigPath)
	}
	return opsconfig.Load()
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	return slog.New(handler)
}

// openListener binds and listens on a TCP address, returning the raw
// fd so the event loop can drive it directly through epoll rather than
// through net.Listener (spec.md §5's single-threaded, non-goroutine
// event loop mandate). Grounded on init_server_socket.
func openListener(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parsing listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("parsing listen port %q: %w", portStr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return 0, fmt.Errorf("socket: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	if host != "" && host != "0.0.0.0" {
		ip := net.ParseIP(host)
		if ip == nil {
			unix.Close(fd)
			return 0, fmt.Errorf("invalid listen host %q", host)
		}
		copy(sa.Addr[:], ip.To4())
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("listen %s: %w", addr, err)
	}

	return fd, nil
}

func sigaddset(set *unix.Sigset_t, sig unix.Signal) {
	set.Val[(sig-1)/64] |= 1 << ((sig - 1) % 64)
}
