// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package worker implements the Device Worker state machine (spec §4.4):
// one per device in a task, owning a persistent protocol adapter, driving
// one poll cycle per tick and reporting health to the Session Engine.
//
// Grounded on original_source/backend/acquisition/session.py's per-device
// polling loop and health bookkeeping, and on
// ClusterCockpit-cc-backend/internal/taskmanager/metricPullWorker.go for
// the tick-skip-not-queue gocron polling shape.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/clustercockpit/acquisition-gateway/internal/adapter"
	"github.com/clustercockpit/acquisition-gateway/internal/schema"
	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

// State is the Device Worker's current lifecycle state (spec §4.4 table).
type State string

const (
	StateConnecting   State = "connecting"
	StateHealthy      State = "healthy"
	StateError        State = "error"
	StateTimeout      State = "timeout"
	StateDisconnected State = "disconnected"
)

// Worker drives one Device's adapter through its poll cycle. A Worker is
// owned exclusively by one Session Engine; it never holds a back-pointer
// to the Session (spec §9 "one-way ownership graph").
type Worker struct {
	device schema.Device
	cfg    schema.EngineConfig
	out    chan<- schema.CanonicalPoint

	mu                  sync.Mutex
	state               State
	adapter             adapter.Adapter
	lastSuccessNs       int64
	consecutiveFailures int
}

// New constructs a Worker in the initial "connecting" state. out is the
// single channel shared by every Worker in the Session; the Worker only
// ever sends on it, never closes it.
func New(device schema.Device, cfg schema.EngineConfig, out chan<- schema.CanonicalPoint) *Worker {
	return &Worker{device: device, cfg: cfg, out: out, state: StateConnecting}
}

// State returns the Worker's current state under lock.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Health renders the Worker's current state as a DeviceHealth snapshot.
func (w *Worker) Health() schema.DeviceHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	return schema.DeviceHealth{
		Status:              toHealthStatus(w.state),
		LastSuccessNs:       w.lastSuccessNs,
		ConsecutiveFailures: w.consecutiveFailures,
	}
}

func toHealthStatus(s State) schema.HealthStatus {
	switch s {
	case StateHealthy:
		return schema.HealthHealthy
	case StateError, StateConnecting:
		return schema.HealthError
	case StateTimeout:
		return schema.HealthTimeout
	default:
		return schema.HealthDisconnected
	}
}

// Tick drives exactly one state-machine step. It never blocks past the
// adapter call deadline (spec §5 "per-call deadline, default 10 s") and
// never returns an error -- all failures are absorbed into DeviceHealth,
// per spec §7's "Device Workers never propagate read errors" policy.
func (w *Worker) Tick(ctx context.Context) {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, schema.DefaultAdapterCallTimeout)
	defer cancel()

	switch state {
	case StateConnecting:
		w.tickConnecting(callCtx)
	case StateHealthy:
		w.tickHealthy(callCtx)
	case StateError:
		w.tickError(callCtx)
	case StateTimeout:
		w.tickTimeout(callCtx)
	case StateDisconnected:
		// Terminal: no more readings, no more adapter calls.
	}
}

func (w *Worker) tickConnecting(ctx context.Context) {
	a, err := w.ensureAdapter()
	if err != nil {
		log.Errorf("worker[%s]: no adapter for protocol %q: %s", w.device.Code, w.device.Protocol, err)
		w.transitionToDisconnected()
		return
	}

	if err := a.Connect(ctx); err != nil {
		w.mu.Lock()
		w.consecutiveFailures++
		failures := w.consecutiveFailures
		w.mu.Unlock()
		log.Warnf("worker[%s]: connect failed (attempt %d): %s", w.device.Code, failures, err)

		if failures >= w.cfg.MaxReconnectAttempts {
			w.transitionToDisconnected()
		}
		return
	}

	w.mu.Lock()
	w.state = StateHealthy
	w.lastSuccessNs = time.Now().UnixNano()
	w.consecutiveFailures = 0
	w.mu.Unlock()
}

func (w *Worker) tickHealthy(ctx context.Context) {
	w.readAndPublish(ctx, func() {
		w.mu.Lock()
		w.state = StateTimeout
		w.mu.Unlock()
	})
}

func (w *Worker) tickError(ctx context.Context) {
	w.readAndPublish(ctx, func() {
		w.mu.Lock()
		w.state = StateTimeout
		w.mu.Unlock()
	})
}

// readAndPublish issues one read_points call, publishes successful
// Readings as CanonicalPoints and updates health bookkeeping. onTimeout
// is invoked instead of entering the error state when the device has been
// silent for longer than connection_timeout.
func (w *Worker) readAndPublish(ctx context.Context, onTimeout func()) {
	w.mu.Lock()
	lastSuccess := w.lastSuccessNs
	w.mu.Unlock()

	if lastSuccess > 0 {
		if time.Since(time.Unix(0, lastSuccess)) > w.cfg.ConnectionTimeout() {
			onTimeout()
			return
		}
	}

	a, err := w.ensureAdapter()
	if err != nil {
		w.transitionToDisconnected()
		return
	}

	readings, err := a.ReadPoints(ctx, w.device.Points)
	if err != nil {
		w.mu.Lock()
		w.state = StateError
		w.consecutiveFailures++
		w.mu.Unlock()
		log.Warnf("worker[%s]: read failed: %s", w.device.Code, err)
		return
	}

	anyGood := false
	now := time.Now().UnixNano()
	for _, r := range readings {
		cp := toCanonical(w.device, r)
		select {
		case w.out <- cp:
		default:
			log.Warnf("worker[%s]: batch channel full, dropping reading for %q", w.device.Code, r.Code)
		}
		if r.Quality == schema.QualityGood {
			anyGood = true
		}
	}

	w.mu.Lock()
	if anyGood {
		w.state = StateHealthy
		w.lastSuccessNs = now
		w.consecutiveFailures = 0
	}
	w.mu.Unlock()
}

func (w *Worker) tickTimeout(ctx context.Context) {
	w.mu.Lock()
	a := w.adapter
	w.adapter = nil
	w.mu.Unlock()

	if a != nil {
		a.Disconnect()
	}

	w.mu.Lock()
	w.state = StateConnecting
	w.mu.Unlock()
}

func (w *Worker) transitionToDisconnected() {
	w.mu.Lock()
	a := w.adapter
	w.adapter = nil
	w.state = StateDisconnected
	w.mu.Unlock()
	if a != nil {
		a.Disconnect()
	}
}

func (w *Worker) ensureAdapter() (adapter.Adapter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.adapter != nil {
		return w.adapter, nil
	}
	a, err := adapter.New(w.device)
	if err != nil {
		return nil, err
	}
	w.adapter = a
	return a, nil
}

// Close disconnects the Worker's adapter unconditionally. Called by the
// Session Engine on every exit path (spec §4.5 "Termination").
func (w *Worker) Close() {
	w.mu.Lock()
	a := w.adapter
	w.adapter = nil
	w.mu.Unlock()
	if a != nil {
		a.Disconnect()
	}
}

// toCanonical converts one Reading into the Sink-shaped CanonicalPoint,
// attaching the mandatory tag set (spec §8 invariant).
func toCanonical(d schema.Device, r schema.Reading) schema.CanonicalPoint {
	point := findPoint(d, r.Code)

	tags := []schema.Tag{
		{Key: schema.TagSite, Value: d.Metadata["site"]},
		{Key: schema.TagDevice, Value: d.Code},
		{Key: schema.TagPoint, Value: r.Code},
		{Key: schema.TagQuality, Value: string(r.Quality)},
	}
	if point != nil && point.Name != "" {
		tags = append(tags, schema.Tag{Key: schema.TagCnName, Value: point.Name})
	}
	if point != nil && point.Unit != "" {
		tags = append(tags, schema.Tag{Key: schema.TagUnit, Value: point.Unit})
	}

	return schema.CanonicalPoint{
		Measurement: d.Measurement(),
		Tags:        tags,
		Fields:      []schema.Field{{Key: "value", Value: r.Value}},
		TimestampNs: r.TimestampNs,
	}
}

func findPoint(d schema.Device, code string) *schema.Point {
	for i := range d.Points {
		if d.Points[i].Code == code {
			return &d.Points[i]
		}
	}
	return nil
}
