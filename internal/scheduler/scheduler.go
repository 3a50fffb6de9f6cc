// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scheduler runs the gateway's periodic background jobs via
// go-co-op/gocron, grounded on
// ClusterCockpit-cc-backend/internal/taskManager/taskManager.go's
// package-level gocron.Scheduler plus one RegisterXxxService function per
// job.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/clustercockpit/acquisition-gateway/internal/lifecycle"
	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

var s gocron.Scheduler

// Start creates the scheduler, registers the stale-session recovery sweep
// (spec §4.5 "Recovery on restart") to run once immediately and then every
// interval, and starts it.
func Start(svc *lifecycle.Service, interval time.Duration) error {
	var err error
	s, err = gocron.NewScheduler()
	if err != nil {
		return err
	}

	registerRecoverySweep(svc, interval)

	s.Start()
	return nil
}

// registerRecoverySweep schedules lifecycle.Service.RecoverAndRestart as a
// recurring gocron job, plus one immediate run so a restart doesn't wait a
// full interval before resuming stalled Tasks.
func registerRecoverySweep(svc *lifecycle.Service, interval time.Duration) {
	go func() {
		log.Info("scheduler: running stale-session recovery sweep")
		svc.RecoverAndRestart(context.Background())
	}()

	if _, err := s.NewJob(gocron.DurationJob(interval),
		gocron.NewTask(func() {
			svc.RecoverAndRestart(context.Background())
		}),
	); err != nil {
		log.Errorf("scheduler: failed to register recovery sweep: %s", err)
	}
}

// Shutdown stops the scheduler, waiting for in-flight jobs to finish.
func Shutdown() error {
	if s == nil {
		return nil
	}
	return s.Shutdown()
}
