// Copyright 2026 The a314d Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for a314d packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. The spawn
// tests use [RequireReceive] to bound a goroutine-fed read without
// risking a hung test run.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation; the spawn tests use it to name on-demand services.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
