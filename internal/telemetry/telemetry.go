// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry exposes Prometheus counters/gauges for points read,
// batches flushed/dropped and device health (SPEC_FULL §2 item 12).
//
// Grounded on Jeeves-Cluster-Organization-jeeves-core's
// coreengine/observability/metrics.go: package-level promauto vectors plus
// small Record* functions called from the owning component, rather than
// threading *prometheus.Registry through every package.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/clustercockpit/acquisition-gateway/internal/schema"
)

var (
	pointsReadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_points_read_total",
			Help: "Total number of points flushed to the sink, by task.",
		},
		[]string{"task"},
	)

	batchesFlushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_batches_flushed_total",
			Help: "Total number of batches successfully written to the sink, by task.",
		},
		[]string{"task"},
	)

	batchesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_batches_dropped_records_total",
			Help: "Total number of records dropped from the batch buffer on overflow, by task.",
		},
		[]string{"task"},
	)

	sinkWriteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquisition_sink_write_failures_total",
			Help: "Total number of sink write failures, by task.",
		},
		[]string{"task"},
	)

	deviceHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acquisition_device_health",
			Help: "Device Worker health status: 1 for the reported status, 0 otherwise.",
		},
		[]string{"task", "device", "status"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "acquisition_active_sessions",
			Help: "Number of Sessions currently running in this process.",
		},
	)
)

// RecordPointsRead increments the points-read counter for a task.
func RecordPointsRead(task string, n int) {
	pointsReadTotal.WithLabelValues(task).Add(float64(n))
}

// RecordBatchFlushed increments the flushed-batch counter for a task.
func RecordBatchFlushed(task string) {
	batchesFlushedTotal.WithLabelValues(task).Inc()
}

// RecordRecordsDropped increments the dropped-record counter for a task.
func RecordRecordsDropped(task string, n int) {
	if n <= 0 {
		return
	}
	batchesDroppedTotal.WithLabelValues(task).Add(float64(n))
}

// RecordSinkWriteFailure increments the sink-write-failure counter for a task.
func RecordSinkWriteFailure(task string) {
	sinkWriteFailuresTotal.WithLabelValues(task).Inc()
}

var allStatuses = []schema.HealthStatus{
	schema.HealthHealthy, schema.HealthError, schema.HealthTimeout, schema.HealthDisconnected,
}

// RecordDeviceHealth sets the device_health gauge to 1 for status and 0 for
// every other known status, so a PromQL query can select on status as a
// label without needing to know the Worker's internal state machine.
func RecordDeviceHealth(task, device string, status schema.HealthStatus) {
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1.0
		}
		deviceHealth.WithLabelValues(task, device, string(s)).Set(v)
	}
}

// SetActiveSessions sets the current Session count gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}
