// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeComponent struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (f *fakeComponent) Start() { f.starts.Add(1) }
func (f *fakeComponent) Stop()  { f.stops.Add(1) }

func TestStartStopServiceLifecycle(t *testing.T) {
	t.Parallel()

	comp := &fakeComponent{}
	svc := NewStartStopService(comp, "test-sweeper")

	if got := svc.String(); got != "test-sweeper" {
		t.Errorf("String() = %q", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.After(time.Second)
	for comp.starts.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("component never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if comp.stops.Load() != 0 {
		t.Fatal("component stopped before cancel")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if comp.stops.Load() != 1 {
		t.Errorf("Stop called %d times, want 1", comp.stops.Load())
	}
}
