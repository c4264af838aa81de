// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

package opsconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Bus.SPIDevice != "/dev/spidev0.0" {
		t.Errorf("expected spi_device=/dev/spidev0.0, got %s", cfg.Bus.SPIDevice)
	}
	if cfg.Bus.GPIOLine != 25 {
		t.Errorf("expected gpio_line=25, got %d", cfg.Bus.GPIOLine)
	}
	if cfg.Listen != "0.0.0.0:7110" {
		t.Errorf("expected listen=0.0.0.0:7110, got %s", cfg.Listen)
	}
	if cfg.ShutdownDrainTimeout != 10*time.Second {
		t.Errorf("expected shutdown_drain_timeout=10s, got %s", cfg.ShutdownDrainTimeout)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() should validate cleanly: %v", err)
	}
}

func TestLoad_WithoutA314DConfig(t *testing.T) {
	orig := os.Getenv("A314D_CONFIG")
	defer os.Setenv("A314D_CONFIG", orig)
	os.Unsetenv("A314D_CONFIG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() with no A314D_CONFIG should succeed with defaults: %v", err)
	}
	if cfg.Listen != Default().Listen {
		t.Errorf("expected default config, got %+v", cfg)
	}
}

func TestLoad_WithA314DConfig(t *testing.T) {
	orig := os.Getenv("A314D_CONFIG")
	defer os.Setenv("A314D_CONFIG", orig)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "a314d.yaml")

	configContent := `
bus:
  spi_device: /dev/spidev1.0
  gpio_line: 17
listen: "0.0.0.0:9999"
log_level: debug
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	os.Setenv("A314D_CONFIG", configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Bus.SPIDevice != "/dev/spidev1.0" {
		t.Errorf("expected spi_device=/dev/spidev1.0, got %s", cfg.Bus.SPIDevice)
	}
	if cfg.Bus.GPIOLine != 17 {
		t.Errorf("expected gpio_line=17, got %d", cfg.Bus.GPIOLine)
	}
	if cfg.Listen != "0.0.0.0:9999" {
		t.Errorf("expected listen=0.0.0.0:9999, got %s", cfg.Listen)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log_level=debug, got %s", cfg.LogLevel)
	}
	// Fields not set in the file keep their Default() value.
	if cfg.Bus.GPIOChip != "/dev/gpiochip0" {
		t.Errorf("expected untouched gpio_chip default, got %s", cfg.Bus.GPIOChip)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	orig := os.Getenv("A314D_CONFIG")
	defer os.Setenv("A314D_CONFIG", orig)
	os.Setenv("A314D_CONFIG", "/nonexistent/a314d.yaml")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for nonexistent config file")
	}
}

func TestExpandVariables(t *testing.T) {
	orig := os.Getenv("HOME")
	defer os.Setenv("HOME", orig)
	os.Setenv("HOME", "/home/tester")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "a314d.yaml")
	configContent := `
service_table: "${HOME}/.config/a314d/service-table.conf"
bus:
  gpio_chip: "${GPIO_CHIP_OVERRIDE:-/dev/gpiochip0}"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if cfg.ServiceTable != "/home/tester/.config/a314d/service-table.conf" {
		t.Errorf("expected expanded HOME, got %s", cfg.ServiceTable)
	}
	if cfg.Bus.GPIOChip != "/dev/gpiochip0" {
		t.Errorf("expected default fallback for unset var, got %s", cfg.Bus.GPIOChip)
	}
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

func TestValidate_RejectsNonPositiveDrainTimeout(t *testing.T) {
	cfg := Default()
	cfg.ShutdownDrainTimeout = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero shutdown_drain_timeout")
	}
}
