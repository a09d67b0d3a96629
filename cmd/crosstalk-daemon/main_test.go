// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/crosstalk-foundation/crosstalk/lib/clock"
	"github.com/crosstalk-foundation/crosstalk/lib/testutil"
	"github.com/crosstalk-foundation/crosstalk/ratelimit"
)

// messageHandler forwards log record messages to a channel so tests can
// observe the eviction sweep without racing it.
type messageHandler struct {
	messages chan string
}

func (h messageHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h messageHandler) Handle(_ context.Context, r slog.Record) error {
	h.messages <- r.Message
	return nil
}

func (h messageHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h messageHandler) WithGroup(string) slog.Handler      { return h }

func TestEvictIdleBucketsSweepsOnInjectedClock(t *testing.T) {
	fakeClock := clock.NewFake(time.Unix(1700000000, 0))
	limiter := ratelimit.New(1, 5, fakeClock)
	handler := messageHandler{messages: make(chan string, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		evictIdleBuckets(ctx, limiter, fakeClock, slog.New(handler))
	}()
	fakeClock.WaitForTimers(1)

	if !limiter.TryAcquire("ghost") {
		t.Fatal("TryAcquire on a fresh bucket failed")
	}

	// Past the sweep interval with no further activity: the bucket is
	// idle and the next tick must evict it. Only the injected clock
	// advances; real time barely moves.
	fakeClock.Advance(11 * time.Minute)

	message := testutil.RequireReceive(t, handler.messages, 5*time.Second, "waiting for eviction sweep")
	if message != "evicted idle rate-limit buckets" {
		t.Errorf("log message = %q, want eviction notice", message)
	}

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "waiting for sweeper to stop")
}
