// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles per-agent message volume with a token
// bucket per identity.
//
// The limiter exists to bound the damage a runaway agent loop can do
// to the daemon and to other agents, not to shape normal traffic: the
// defaults allow hundreds of messages per second sustained with a
// burst in the low thousands. Buckets are keyed by agent identity
// rather than by connection, so reconnecting does not refill a bucket.
//
// A denied acquisition is not a connection error. The caller reports
// the denial to the peer with a retry-after hint and the connection
// stays active.
//
// [NoopLimiter] satisfies the same interface and always allows, for
// deployments with throttling disabled; callers need no conditional
// logic around the limiter.
package ratelimit
