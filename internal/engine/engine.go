// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package engine implements the Session Engine (spec §4.5): the single
// event loop per Session that drives every Device Worker, owns the shared
// batch buffer and the Sink, and reports health/termination back into the
// Session record.
//
// Grounded on original_source/backend/acquisition/session.py's run loop
// (tick, flush-on-size-or-timeout, health snapshot, graceful shutdown) and
// on ClusterCockpit-cc-backend/cmd/cc-backend/server.go's
// signal-driven-shutdown shape for the cancellation path.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clustercockpit/acquisition-gateway/internal/bus"
	"github.com/clustercockpit/acquisition-gateway/internal/schema"
	"github.com/clustercockpit/acquisition-gateway/internal/sink"
	"github.com/clustercockpit/acquisition-gateway/internal/telemetry"
	"github.com/clustercockpit/acquisition-gateway/internal/worker"
	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

// StatusListener receives Session status/metadata updates as the engine
// runs. The repository package implements this to persist the Session
// record without the engine importing it directly.
type StatusListener interface {
	UpdateStatus(sessionID int64, status schema.SessionStatus, errMsg string, stoppedAt *time.Time) error
	UpdateMetadata(sessionID int64, meta schema.SessionMetadata) error
}

// Engine runs one Session's event loop to completion.
type Engine struct {
	sessionID int64
	task      schema.Task
	cfg       schema.EngineConfig
	sink      sink.Sink
	bus       *bus.Bus
	listener  StatusListener

	workers    map[string]*worker.Worker
	buffer     chan schema.CanonicalPoint
	lastFlush  time.Time
	dropped    int64
	pointsRead int64
	errorCount int64

	// errored is set by setError when the loop exits due to an uncaught
	// failure rather than cancellation, so terminate() doesn't overwrite
	// the already-persisted error status with "stopped".
	errored bool
}

// New wires one Engine for a Session. The buffer channel is the "bounded
// channel whose sole consumer is the flusher" from spec §9 -- Device
// Workers are its producers, capacity BufferCapMultiple*BatchSize.
func New(sessionID int64, task schema.Task, cfg schema.EngineConfig, sk sink.Sink, b *bus.Bus, listener StatusListener) *Engine {
	cfg = cfg.WithDefaults()
	buffer := make(chan schema.CanonicalPoint, cfg.BufferCapMultiple*cfg.BatchSize)

	workers := make(map[string]*worker.Worker, len(task.Devices))
	for _, d := range task.Devices {
		workers[d.Code] = worker.New(d, cfg, buffer)
	}

	return &Engine{
		sessionID: sessionID, task: task, cfg: cfg, sink: sk, bus: b, listener: listener,
		workers: workers, buffer: buffer, lastFlush: time.Now(),
	}
}

// Run executes the event loop until ctx is cancelled. It always performs
// the termination sequence (spec §4.5 "Termination") before returning,
// regardless of how the loop exited.
func (e *Engine) Run(ctx context.Context) {
	defer e.terminate(ctx)

	if err := e.sink.Connect(ctx); err != nil {
		log.Errorf("engine[session %d]: sink connect failed: %s", e.sessionID, err)
		e.setError(fmt.Sprintf("sink connect failed: %s", err))
		return
	}

	// The Task's own poll cadence takes precedence; an unset Task cadence
	// falls back to the engine-wide configured default.
	interval := e.task.PollIntervalS
	if interval <= 0 {
		interval = e.cfg.PollIntervalS
	}
	ticker := time.NewTicker(time.Duration(interval * float64(time.Second)))
	defer ticker.Stop()

	healthTicker := time.NewTicker(time.Second)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-healthTicker.C:
			e.snapshotHealth()
		case <-ticker.C:
			cycleStart := time.Now()
			e.tickAllWorkers(ctx)
			e.drainAndMaybeFlush(ctx)
			_ = cycleStart // cycle_duration informs only the sleep; the ticker already accounts for it
		}
	}
}

func (e *Engine) tickAllWorkers(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range e.workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Tick(ctx)
		}()
	}
	wg.Wait()
}

// drainAndMaybeFlush checks the flush thresholds against the buffer's
// current length (spec §4.5 step 3) and, if either is met, snapshots the
// buffer and writes it to the Sink. On a write failure the snapshot is
// pushed back so the next cycle's flush sees the union, per the
// at-least-once retry policy (spec §4.7 "Sink write failure").
func (e *Engine) drainAndMaybeFlush(ctx context.Context) {
	shouldFlush := len(e.buffer) >= e.cfg.BatchSize || time.Since(e.lastFlush) >= e.cfg.BatchTimeout()
	if !shouldFlush {
		return
	}

	batch := e.snapshot()
	if len(batch) == 0 {
		e.lastFlush = time.Now()
		return
	}
	e.pointsRead += int64(len(batch))

	if err := e.sink.Write(ctx, batch); err != nil {
		log.Warnf("engine[session %d]: sink write failed, retaining batch: %s", e.sessionID, err)
		e.errorCount++
		telemetry.RecordSinkWriteFailure(e.task.Code)
		e.requeue(batch)
		return
	}

	e.bus.Publish(e.task.Code, batch)
	telemetry.RecordBatchFlushed(e.task.Code)
	telemetry.RecordPointsRead(e.task.Code, len(batch))
	e.lastFlush = time.Now()
}

// snapshot drains every CanonicalPoint currently queued into a slice.
func (e *Engine) snapshot() []schema.CanonicalPoint {
	var batch []schema.CanonicalPoint
	for {
		select {
		case cp := <-e.buffer:
			batch = append(batch, cp)
		default:
			return batch
		}
	}
}

// requeue pushes a failed-flush batch back onto the buffer, applying the
// drop-oldest cap from spec §4.5 when the buffer is already full.
func (e *Engine) requeue(batch []schema.CanonicalPoint) {
	dropped := 0
	for _, cp := range batch {
		select {
		case e.buffer <- cp:
		default:
			select {
			case <-e.buffer:
				dropped++
			default:
			}
			select {
			case e.buffer <- cp:
			default:
				dropped++
			}
		}
	}
	e.dropped += int64(dropped)
	telemetry.RecordRecordsDropped(e.task.Code, dropped)
}

func (e *Engine) snapshotHealth() {
	health := make(map[string]schema.DeviceHealth, len(e.workers))
	for code, w := range e.workers {
		h := w.Health()
		health[code] = h
		telemetry.RecordDeviceHealth(e.task.Code, code, h.Status)
	}
	now := time.Now()
	meta := schema.SessionMetadata{
		DeviceHealth:   health,
		PointsRead:     e.pointsRead,
		LastReadTime:   &now,
		ErrorCount:     e.errorCount,
		DroppedRecords: e.dropped,
	}
	if err := e.listener.UpdateMetadata(e.sessionID, meta); err != nil {
		log.Warnf("engine[session %d]: metadata update failed: %s", e.sessionID, err)
	}
}

func (e *Engine) setError(msg string) {
	e.errored = true
	now := time.Now()
	if err := e.listener.UpdateStatus(e.sessionID, schema.SessionError, msg, &now); err != nil {
		log.Errorf("engine[session %d]: failed to persist error status: %s", e.sessionID, err)
	}
}

// terminate runs the full shutdown sequence on every exit path: one final
// best-effort flush, disconnecting every Worker, disconnecting the Sink,
// and setting the terminal Session status.
func (e *Engine) terminate(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.Background(), schema.DefaultCancellationDeadline)
	defer cancel()

	final := e.snapshot()
	if len(final) > 0 {
		if err := e.sink.Write(flushCtx, final); err != nil {
			log.Warnf("engine[session %d]: final flush failed: %s", e.sessionID, err)
		} else {
			e.bus.Publish(e.task.Code, final)
		}
	}

	for _, w := range e.workers {
		w.Close()
	}
	e.sink.Disconnect()

	if e.errored {
		// setError already persisted status=error; don't overwrite it.
		return
	}

	now := time.Now()
	if err := e.listener.UpdateStatus(e.sessionID, schema.SessionStopped, "", &now); err != nil {
		log.Errorf("engine[session %d]: failed to persist stopped status: %s", e.sessionID, err)
	}
}
