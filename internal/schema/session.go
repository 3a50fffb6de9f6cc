// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a Session, persisted in the
// repository and reported by the lifecycle status RPC.
type SessionStatus string

const (
	SessionRunning SessionStatus = "running"
	SessionStopped SessionStatus = "stopped"
	SessionError   SessionStatus = "error"
)

// Session is a single live execution of a Task. At most one Session with
// status Running may exist per Task at a time (enforced by
// lifecycle.Service.Start).
type Session struct {
	ID     int64  `json:"id" db:"id"`
	TaskID int64  `json:"task_id" db:"task_id"`
	Status SessionStatus `json:"status" db:"status"`

	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty" db:"stopped_at"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`

	// Metadata is stored as a JSON blob in the repository. It carries the
	// startup validation report, the latest device health snapshot and the
	// dropped-batch-record counter -- the only fields of the user-visible
	// contract beyond Status/ErrorMessage (see spec §7).
	Metadata SessionMetadata `json:"metadata" db:"-"`
}

// SessionMetadata is the JSON-serialized contents of Session.Metadata.
type SessionMetadata struct {
	StartupValidation *ValidationReport          `json:"startup_validation,omitempty"`
	DeviceHealth       map[string]DeviceHealth    `json:"device_health,omitempty"`
	PointsRead         int64                      `json:"points_read"`
	LastReadTime       *time.Time                 `json:"last_read_time,omitempty"`
	ErrorCount         int64                      `json:"error_count"`
	DroppedRecords     int64                      `json:"dropped_records"`
}

// Marshal renders the metadata bag for storage in the repository.
func (m SessionMetadata) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalSessionMetadata parses a stored metadata blob; an empty blob
// yields the zero value rather than an error, since a freshly created
// Session row has no metadata yet.
func UnmarshalSessionMetadata(raw []byte) (SessionMetadata, error) {
	var m SessionMetadata
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, err
	}
	return m, nil
}

// ValidationReport is produced by the lifecycle start() RPC before a
// Session is created (spec §6).
type ValidationReport struct {
	Healthy      bool                        `json:"healthy"`
	PerDevice    map[string]DeviceValidation  `json:"per_device"`
	FailedPoints []string                    `json:"failed_points"`
}

// DeviceValidation is one device's entry in a ValidationReport.
type DeviceValidation struct {
	Status           string `json:"status"`
	Connected        bool   `json:"connected"`
	TotalPoints      int    `json:"total_points"`
	SuccessfulPoints int    `json:"successful_points"`
}
