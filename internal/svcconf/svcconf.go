// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

// Package svcconf parses the on-demand service table (spec.md §6.5):
// one line per service, columns are a quote-toggling whitespace
// tokenizer, first column is the service name, the remainder is the
// program and its argument vector. Grounded on a314d.cc's
// load_config_file.
package svcconf

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"

	"github.com/a314bridge/a314d/channel"
)

// Load reads the service table at path and returns its on-demand
// entries. A missing file is tolerated (spec.md §6.5: the daemon must
// still run with no on-demand services configured) and returns an
// empty, non-nil table rather than an error - only I/O errors other
// than "file does not exist" are propagated.
func Load(path string, logger *slog.Logger) ([]channel.OnDemandEntry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("service table not found, running with no on-demand services", "path", path)
			return []channel.OnDemandEntry{}, nil
		}
		return nil, fmt.Errorf("opening service table %s: %w", path, err)
	}
	defer f.Close()

	var entries []channel.OnDemandEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		parts := tokenize(line)

		switch {
		case len(parts) >= 2:
			entries = append(entries, channel.OnDemandEntry{
				ServiceName: parts[0],
				Program:     parts[1],
				// The program name is repeated as arguments[0], matching
				// the original's argv convention (e.at.arguments includes
				// parts[1] itself before any further arguments).
				Arguments: append([]string{}, parts[1:]...),
			})
		case len(parts) != 0:
			logger.Warn("invalid number of columns in service table line", "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading service table %s: %w", path, err)
	}

	if len(entries) == 0 {
		logger.Warn("no registered on-demand services")
	}
	return entries, nil
}

// tokenize splits line on whitespace, honoring double-quoted spans as
// single tokens (and dropping the quote characters themselves), the
// direct Go port of load_config_file's in_quotes state machine.
func tokenize(line string) []string {
	var parts []string
	var cur []rune
	inQuotes := false
	haveToken := false

	flush := func() {
		if haveToken {
			parts = append(parts, string(cur))
		}
		cur = cur[:0]
		haveToken = false
	}

	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			haveToken = true
		case isSpace(r) && !inQuotes:
			flush()
		default:
			cur = append(cur, r)
			haveToken = true
		}
	}
	flush()

	return parts
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	default:
		return false
	}
}
