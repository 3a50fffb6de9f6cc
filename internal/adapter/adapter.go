// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package adapter defines the protocol-independent contract every
// acquisition driver must satisfy, plus a process-scoped registry keyed by
// protocol name (spec §4.1, §9 "Adapter polymorphism").
//
// Grounded on the Python prototype's factory pattern in
// original_source/backend/acquisition/protocols/base.py
// (ProtocolRegistry.register/create), re-expressed as a Go interface plus
// a constructor registry instead of class-based dynamic dispatch.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/clustercockpit/acquisition-gateway/internal/schema"
)

// Adapter is the common contract implemented by every protocol driver.
// No method may mutate the points slice passed to ReadPoints, and every
// Reading returned must carry the Code of the Point it answers (spec
// §4.1, §8 invariant).
type Adapter interface {
	// Connect establishes the transport. Idempotent if already connected.
	Connect(ctx context.Context) error

	// ReadPoints performs one batch read of points, returning one Reading
	// per input point (order not required). It must be callable
	// repeatedly without reconnecting. It returns a non-nil error only
	// when the entire call failed (e.g. the transport dropped); per-point
	// failures are surfaced as quality=bad Readings instead.
	ReadPoints(ctx context.Context, points []schema.Point) ([]schema.Reading, error)

	// Health reports liveness without side effects. Never returns an
	// error; on internal failure it simply returns false.
	Health(ctx context.Context) bool

	// Disconnect releases the transport. Idempotent, never fails.
	Disconnect()
}

// Factory constructs a new, unconnected Adapter for one Device.
type Factory func(device schema.Device) (Adapter, error)

var (
	mu       sync.RWMutex
	registry = make(map[schema.Protocol]Factory)
)

// Register adds a Factory for a protocol name. Called once at process
// startup by each adapter subpackage's init(), mirroring the teacher's
// singleton-registry pattern used for NATS/sink clients.
func Register(protocol schema.Protocol, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[protocol] = f
}

// New constructs an Adapter for the device's configured protocol.
func New(device schema.Device) (Adapter, error) {
	mu.RLock()
	f, ok := registry[device.Protocol]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter: unknown protocol %q", device.Protocol)
	}
	return f(device)
}

// Registered returns the currently registered protocol names, mainly for
// diagnostics and tests.
func Registered() []schema.Protocol {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]schema.Protocol, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	return out
}
