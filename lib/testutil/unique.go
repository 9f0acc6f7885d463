// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now() when
// tests need unique identifiers for request IDs, stream IDs, or
// message bodies that must be distinguishable in shared fixtures.
//
//	requestID := testutil.UniqueID("req")     // "req-1", "req-2", ...
//	callID := testutil.UniqueID("call")       // "call-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
