// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

// Package opsconfig provides operational configuration loading for a314d.
//
// Configuration is loaded from a single optional file specified by:
//   - A314D_CONFIG environment variable, or
//   - --daemon-config flag passed to the command
//
// There is no automatic discovery of config files in well-known
// directories. If neither the environment variable nor the flag is set,
// Default is used unmodified. This ensures deterministic, auditable
// configuration with no hidden fallbacks.
//
// This governs the daemon's own operational knobs (bus device, GPIO
// line, listen address, log level, shutdown drain timeout). It is
// distinct from the peer service table (spec.md §6.5), which uses its
// own line-oriented grammar and is parsed by internal/svcconf instead
// of this package.
package opsconfig

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's operational configuration.
type Config struct {
	// Bus configures the shared-memory ring buffer transport.
	Bus BusConfig `yaml:"bus"`

	// Listen is the TCP address a314d listens on for client connections
	// (spec.md §6.4: "bound to all interfaces", backlog 16).
	Listen string `yaml:"listen"`

	// ServiceTable is the path to the service table file (spec.md
	// §6.5), overridable by positional argument 1.
	ServiceTable string `yaml:"service_table"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// ShutdownDrainTimeout bounds how long the daemon keeps servicing
	// peer interrupts during shutdown, after it has closed every client
	// connection, while queued packets drain into R2A (spec.md §4.7).
	ShutdownDrainTimeout time.Duration `yaml:"shutdown_drain_timeout"`
}

// BusConfig configures the SPI/GPIO shared-memory bus transport.
type BusConfig struct {
	// SPIDevice is the spidev character device path.
	// Default: /dev/spidev0.0
	SPIDevice string `yaml:"spi_device"`

	// GPIOLine is the GPIO line number the peer raises to signal an
	// interrupt.
	// Default: 25
	GPIOLine int `yaml:"gpio_line"`

	// GPIOChip is a gpiochip character device path. Validate requires
	// it to be non-empty; the sysfs GPIO interrupt source does not use
	// it (only GPIOLine is passed to transport.OpenGPIOInterrupt).
	// Default: /dev/gpiochip0
	GPIOChip string `yaml:"gpio_chip"`
}

// Default returns the default configuration, matching the constants the
// original a314d hardcoded (spidev0.0, GPIO 25, port 7110).
//
// These defaults exist primarily to ensure all fields have sensible
// zero-values, not as a fallback that masks configuration errors - an
// explicit config file, when given, is the source of truth for the
// fields it sets.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			SPIDevice: "/dev/spidev0.0",
			GPIOLine:  25,
			GPIOChip:  "/dev/gpiochip0",
		},
		Listen:               "0.0.0.0:7110",
		ServiceTable:         "/etc/a314d/service-table.conf",
		LogLevel:             "info",
		ShutdownDrainTimeout: 10 * time.Second,
	}
}

// Load loads configuration from the A314D_CONFIG environment variable,
// if set. If it is not set, Default is returned unmodified - there is
// no error in this case, since running with defaults is a valid mode.
func Load() (*Config, error) {
	path := os.Getenv("A314D_CONFIG")
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, starting from
// Default and merging in whatever the file sets.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields, so a config file can reference $HOME or other environment
// state without a shell to do it first.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Bus.SPIDevice = expandVars(c.Bus.SPIDevice, vars)
	c.Bus.GPIOChip = expandVars(c.Bus.GPIOChip, vars)
	c.ServiceTable = expandVars(c.ServiceTable, vars)
}

// varPattern matches ${VAR} or ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors a config file could
// introduce that Default never would.
func (c *Config) Validate() error {
	var errs []error

	if c.Bus.SPIDevice == "" {
		errs = append(errs, fmt.Errorf("bus.spi_device is required"))
	}
	if c.Bus.GPIOChip == "" {
		errs = append(errs, fmt.Errorf("bus.gpio_chip is required"))
	}
	if c.Bus.GPIOLine < 0 {
		errs = append(errs, fmt.Errorf("bus.gpio_line must be non-negative, got %d", c.Bus.GPIOLine))
	}
	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level: %s", c.LogLevel))
	}
	if c.ShutdownDrainTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_drain_timeout must be positive"))
	}

	return combineErrors(errs)
}

func combineErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msg := "invalid configuration:"
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
