// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

// HealthStatus mirrors the Device Worker state machine (spec §4.4),
// collapsed to the subset exposed to the Session record.
type HealthStatus string

const (
	HealthHealthy      HealthStatus = "healthy"
	HealthError        HealthStatus = "error"
	HealthTimeout      HealthStatus = "timeout"
	HealthDisconnected HealthStatus = "disconnected"
)

// DeviceHealth is the per-device runtime state tracked by a Device Worker
// and snapshotted periodically into the owning Session's metadata.
type DeviceHealth struct {
	Status              HealthStatus `json:"status"`
	LastSuccessNs       int64        `json:"last_success_ns"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}
