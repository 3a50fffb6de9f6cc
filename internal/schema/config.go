// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

import "time"

// EngineConfig is the configuration surface read by the Session Engine
// (spec §6). JSON tags match the on-disk config file; defaults are applied
// by config.Load, not by the zero value, so every field here is optional.
type EngineConfig struct {
	BatchSize      int     `json:"batch_size"`
	BatchTimeoutS  float64 `json:"batch_timeout_s"`
	ConnectionTimeoutS   float64 `json:"connection_timeout_s"`
	MaxReconnectAttempts int     `json:"max_reconnect_attempts"`
	PollIntervalS        float64 `json:"poll_interval_s"`

	// BufferCapMultiple caps the batch buffer at BufferCapMultiple *
	// BatchSize records; 0 or a negative value takes
	// DefaultBufferCapMultiple, so the cap is always in force (spec §4.5
	// "implementers SHOULD cap it" -- see DESIGN.md).
	BufferCapMultiple int `json:"buffer_cap_multiple"`

	Sink SinkConfig `json:"sink"`
	Bus  BusConfig  `json:"bus"`
}

// SinkConfig configures the time-series sink (§6).
type SinkConfig struct {
	URL      string `json:"url"`
	Token    string `json:"token"`
	Org      string `json:"org"`
	Bucket   string `json:"bucket"`
	Fallback string `json:"fallback,omitempty"`
}

// BusConfig configures the optional NATS message-bus fan-out (SPEC_FULL §6).
type BusConfig struct {
	Address string `json:"address,omitempty"`
}

const (
	DefaultBatchSize             = 50
	DefaultBatchTimeoutS         = 5.0
	DefaultConnectionTimeoutS    = 30.0
	DefaultMaxReconnectAttempts  = 3
	DefaultPollIntervalS         = 1.0
	DefaultBufferCapMultiple     = 10
	DefaultAdapterCallTimeout    = 10 * time.Second
	DefaultCancellationDeadline  = 10 * time.Second
	DefaultStartValidationDeadline = 5 * time.Second
)

// WithDefaults returns a copy of c with every unset field replaced by its
// documented default (spec §6 table).
func (c EngineConfig) WithDefaults() EngineConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchTimeoutS <= 0 {
		c.BatchTimeoutS = DefaultBatchTimeoutS
	}
	if c.ConnectionTimeoutS <= 0 {
		c.ConnectionTimeoutS = DefaultConnectionTimeoutS
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.PollIntervalS <= 0 {
		c.PollIntervalS = DefaultPollIntervalS
	}
	if c.BufferCapMultiple <= 0 {
		c.BufferCapMultiple = DefaultBufferCapMultiple
	}
	return c
}

func (c EngineConfig) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutS * float64(time.Second))
}

func (c EngineConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutS * float64(time.Second))
}

func (c EngineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalS * float64(time.Second))
}
