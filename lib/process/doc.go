// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for a314d's commands
// (cmd/a314d, cmd/a314-probe). It centralizes the one legitimate raw I/O
// pattern that exists before or after the structured logger is built:
// fatal error reporting from main() when slog may not yet be configured.
package process
