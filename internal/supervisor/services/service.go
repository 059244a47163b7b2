// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

// Package services adapts the component stores to suture.Service so the
// supervision tree can own their background goroutines.
package services

import (
	"context"
)

// StartStopper is the lifecycle every sweeping store exposes: Start
// launches the background loop, Stop terminates it and blocks until it
// has exited. Satisfied by the rate limiter registry, the idempotency
// store, the stats aggregator, and the purge manager.
type StartStopper interface {
	Start()
	Stop()
}

// StartStopService wraps a StartStopper as a supervised service. Serve
// starts the component, parks until the context is canceled, then stops
// it.
type StartStopService struct {
	component StartStopper
	name      string
}

// NewStartStopService wraps component under the given service name. The
// name shows up in suture's event log.
func NewStartStopService(component StartStopper, name string) *StartStopService {
	return &StartStopService{component: component, name: name}
}

// Serve implements suture.Service.
func (s *StartStopService) Serve(ctx context.Context) error {
	s.component.Start()
	<-ctx.Done()
	s.component.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer for suture's event log.
func (s *StartStopService) String() string {
	return s.name
}
