// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lifecycle implements the Lifecycle Supervisor Interface (spec
// §4.6, §6): the start/stop/status/test_connection RPC contract between an
// external supervisor and the Session Engine, exposed over HTTP+WS by
// Server (http.go).
//
// Grounded on ClusterCockpit-cc-backend/internal/repository/job.go's
// Start/Stop pattern for the Session bookkeeping, and on
// original_source/backend/acquisition/supervisor.py for the synchronous
// startup-validation sequence that start() performs before handing off to
// the engine loop.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/clustercockpit/acquisition-gateway/internal/adapter"
	"github.com/clustercockpit/acquisition-gateway/internal/bus"
	"github.com/clustercockpit/acquisition-gateway/internal/catalog"
	"github.com/clustercockpit/acquisition-gateway/internal/engine"
	"github.com/clustercockpit/acquisition-gateway/internal/repository"
	"github.com/clustercockpit/acquisition-gateway/internal/schema"
	"github.com/clustercockpit/acquisition-gateway/internal/sink"
	"github.com/clustercockpit/acquisition-gateway/internal/telemetry"
	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

// ErrNoDeviceConnected is returned by Start when the startup validation
// pass could not connect to any Device (spec §6 "reject with a fail code").
var ErrNoDeviceConnected = fmt.Errorf("lifecycle: no device connected during startup validation")

// ErrStartupTimeout is returned by Start when the 5s validation deadline
// (schema.DefaultStartValidationDeadline) is exceeded.
var ErrStartupTimeout = fmt.Errorf("lifecycle: startup validation exceeded deadline")

// ErrSessionAlreadyRunning is returned by Start when the Task already has a
// Session with status Running (spec §3: "At most one Session with status
// Running may exist per Task at a time", internal/schema/session.go).
var ErrSessionAlreadyRunning = fmt.Errorf("lifecycle: session already running for task")

// runningSession tracks the in-process handle for a Session whose engine
// loop is executing, so Stop can cancel exactly that loop.
type runningSession struct {
	cancel context.CancelFunc
}

// Service wires the repository, adapter registry, sink and bus into the
// four lifecycle operations. One Service is shared by every HTTP handler.
type Service struct {
	tasks    *repository.TaskRepository
	sessions *repository.SessionRepository
	bus      *bus.Bus
	cfg      schema.EngineConfig

	mu      sync.Mutex
	running map[int64]*runningSession
}

// NewService wires a Service from its collaborators.
func NewService(tasks *repository.TaskRepository, sessions *repository.SessionRepository, b *bus.Bus, cfg schema.EngineConfig) *Service {
	return &Service{
		tasks:    tasks,
		sessions: sessions,
		bus:      b,
		cfg:      cfg.WithDefaults(),
		running:  make(map[int64]*runningSession),
	}
}

// StartResult is the outcome of Start (spec §6 start() response shape).
type StartResult struct {
	SessionID    int64
	CeleryHandle string
	Report       schema.ValidationReport
}

// Start loads the named Task, runs the synchronous startup validation pass
// against every Device and, if at least one connects, creates a Session and
// hands off to a new Engine goroutine. The validation pass is bound to
// schema.DefaultStartValidationDeadline (spec §6 "hard deadline 5s").
func (s *Service) Start(ctx context.Context, taskCode string) (StartResult, error) {
	task, err := s.tasks.ByCode(taskCode)
	if err != nil {
		return StartResult{}, fmt.Errorf("lifecycle: load task %q: %w", taskCode, err)
	}

	if _, err := catalog.New(task); err != nil {
		return StartResult{}, fmt.Errorf("lifecycle: invalid task %q: %w", taskCode, err)
	}

	running, err := s.sessions.RunningForTask(task.ID)
	if err != nil {
		return StartResult{}, fmt.Errorf("lifecycle: check running sessions for task %q: %w", taskCode, err)
	}
	if len(running) > 0 {
		return StartResult{}, ErrSessionAlreadyRunning
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, schema.DefaultStartValidationDeadline)
	defer cancel()

	report, adapters, err := validateDevices(deadlineCtx, task.Devices)
	for _, a := range adapters {
		a.Disconnect()
	}
	if err != nil {
		return StartResult{}, err
	}
	if deadlineCtx.Err() == context.DeadlineExceeded {
		return StartResult{}, ErrStartupTimeout
	}

	sessionID, err := s.sessions.Create(task.ID)
	if err != nil {
		return StartResult{}, fmt.Errorf("lifecycle: create session: %w", err)
	}
	if err := s.sessions.UpdateMetadata(sessionID, schema.SessionMetadata{StartupValidation: &report}); err != nil {
		log.Warnf("lifecycle: session %d: failed to persist startup validation: %s", sessionID, err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	eng := engine.New(sessionID, task, s.cfg, sink.NewInflux(s.cfg.Sink), s.bus, s.sessions)

	s.mu.Lock()
	s.running[sessionID] = &runningSession{cancel: runCancel}
	s.mu.Unlock()
	telemetry.SetActiveSessions(len(s.running))

	go func() {
		eng.Run(runCtx)
		s.mu.Lock()
		delete(s.running, sessionID)
		telemetry.SetActiveSessions(len(s.running))
		s.mu.Unlock()
	}()

	return StartResult{
		SessionID:    sessionID,
		CeleryHandle: fmt.Sprintf("local:%d", sessionID),
		Report:       report,
	}, nil
}

// validateDevices performs the one trial connect+read per Device and
// builds the ValidationReport (spec §6). Returned adapters are left
// connected for the caller to Disconnect, so a later caller doesn't need to
// reconnect to tear down.
func validateDevices(ctx context.Context, devices []schema.Device) (schema.ValidationReport, []adapter.Adapter, error) {
	report := schema.ValidationReport{
		PerDevice: make(map[string]schema.DeviceValidation, len(devices)),
	}

	var adapters []adapter.Adapter
	anyConnected := false

	for _, d := range devices {
		dv := schema.DeviceValidation{TotalPoints: len(d.Points)}

		a, err := adapter.New(d)
		if err != nil {
			dv.Status = "unsupported_protocol"
			report.PerDevice[d.Code] = dv
			continue
		}

		if err := a.Connect(ctx); err != nil {
			dv.Status = "connect_failed"
			report.PerDevice[d.Code] = dv
			continue
		}
		adapters = append(adapters, a)
		dv.Connected = true
		anyConnected = true

		readings, err := a.ReadPoints(ctx, d.Points)
		if err != nil {
			dv.Status = "read_failed"
			report.PerDevice[d.Code] = dv
			continue
		}

		ok := 0
		for _, r := range readings {
			if r.Quality == schema.QualityGood {
				ok++
			} else {
				report.FailedPoints = append(report.FailedPoints, d.Code+"."+r.Code)
			}
		}
		dv.SuccessfulPoints = ok
		dv.Status = "validated"
		report.PerDevice[d.Code] = dv
	}

	if !anyConnected {
		return report, adapters, ErrNoDeviceConnected
	}

	report.Healthy = len(report.FailedPoints) == 0
	return report, adapters, nil
}

// Stop signals the Session's engine loop to cancel and returns immediately
// (spec §6 "returns immediately"). A sessionID with no in-process handle --
// already stopped, or owned by a different process -- is not an error.
func (s *Service) Stop(sessionID int64) error {
	s.mu.Lock()
	rs, ok := s.running[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	rs.cancel()
	return nil
}

// Status returns the persisted Session record (spec §6 status() shape).
func (s *Service) Status(sessionID int64) (schema.Session, error) {
	return s.sessions.ByID(sessionID)
}

// TestConnection performs a one-shot connect/health/disconnect check
// against device through the protocol registry, without creating a
// Session (spec §6 test_connection()).
func (s *Service) TestConnection(ctx context.Context, device schema.Device) (connected bool, healthy bool, errMsg string) {
	deadlineCtx, cancel := context.WithTimeout(ctx, schema.DefaultStartValidationDeadline)
	defer cancel()

	a, err := adapter.New(device)
	if err != nil {
		return false, false, err.Error()
	}
	defer a.Disconnect()

	if err := a.Connect(deadlineCtx); err != nil {
		return false, false, err.Error()
	}
	if deadlineCtx.Err() == context.DeadlineExceeded {
		return true, false, ErrStartupTimeout.Error()
	}

	healthy = a.Health(deadlineCtx)
	return true, healthy, ""
}

// RecoverAndRestart sweeps the repository for Sessions left Running from a
// prior process (spec §4.5 "Recovery on restart"), deletes them and
// starts a fresh Session per affected Task so acquisition resumes instead
// of silently stalling.
func (s *Service) RecoverAndRestart(ctx context.Context) {
	codes, err := s.sessions.RecoverStaleSessions()
	if err != nil {
		log.Errorf("lifecycle: recover stale sessions: %s", err)
		return
	}
	for _, code := range codes {
		if _, err := s.Start(ctx, code); err != nil {
			log.Errorf("lifecycle: restart task %q after recovery: %s", code, err)
			continue
		}
		log.Infof("lifecycle: restarted task %q after stale session recovery", code)
	}
}

// snapshotHealth reads the latest device health map off the persisted
// Session metadata, used by the /health/ws stream.
func (s *Service) snapshotHealth(sessionID int64) (map[string]schema.DeviceHealth, schema.SessionStatus, error) {
	sess, err := s.sessions.ByID(sessionID)
	if err != nil {
		return nil, "", err
	}
	return sess.Metadata.DeviceHealth, sess.Status, nil
}
