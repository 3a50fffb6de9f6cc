// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

// Protocol identifies which adapter implementation owns a Device.
type Protocol string

const (
	ProtocolModbusTCP  Protocol = "modbus_tcp"
	ProtocolMitsubishi Protocol = "mitsubishi_mc"
	ProtocolMQTT       Protocol = "mqtt"
)

// Device is a connection endpoint owning 1..N Points. Points do not migrate
// between Devices during a Session.
type Device struct {
	Code     string   `json:"code" db:"code"`
	Protocol Protocol `json:"protocol" db:"protocol"`
	Host     string   `json:"host" db:"host"`
	Port     int      `json:"port" db:"port"`

	// Slave is the Modbus unit identifier; zero value means "unset" (most
	// TCP gateways default to 0 or 1 depending on the downstream PLC).
	Slave int `json:"slave,omitempty" db:"slave"`

	// Metadata is a free-form bag; "measurement" is the conventional key
	// for the human-visible measurement tag attached to every reading from
	// this device's points.
	Metadata map[string]string `json:"metadata,omitempty" db:"-"`

	Points []Point `json:"points"`
}

// Measurement returns the device's measurement tag, falling back to the
// device code when none is configured.
func (d *Device) Measurement() string {
	if m, ok := d.Metadata["measurement"]; ok && m != "" {
		return m
	}
	return d.Code
}
