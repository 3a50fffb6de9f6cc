// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package schema defines the data model shared by every layer of the
// acquisition gateway: catalog, protocol adapters, grouper, sink and
// repository all exchange values of these types rather than ad-hoc maps.
package schema

// PointType is the semantic tag applied to a raw register/topic read before
// it becomes a typed Reading value.
type PointType string

const (
	PointTypeI16        PointType = "i16"
	PointTypeI32        PointType = "i32"
	PointTypeF32        PointType = "f32"
	PointTypeF32Swapped PointType = "f32_swapped"
	PointTypeBool       PointType = "bool"
	PointTypeString     PointType = "string"
	PointTypeHexU32     PointType = "hex_u32"
)

// Point is an atomic reading target belonging to exactly one Device.
type Point struct {
	Code string `json:"code" db:"code"`

	// Address is protocol-specific: a decimal string for Modbus display
	// addresses, "D100"-style for Mitsubishi MC, or a JSON field name for
	// MQTT payloads.
	Address string    `json:"address" db:"address"`
	Type    PointType `json:"type" db:"type"`

	// Length is the register count (Modbus/MC) or string length; default 1.
	Length int `json:"length" db:"length"`

	// Coefficient and Precision are applied post-read: value * Coefficient,
	// rounded to Precision decimal places. Coefficient == 0 means 1 (no-op),
	// so the zero value of Point is a valid 1:1 passthrough point.
	Coefficient float64 `json:"coefficient" db:"coefficient"`
	Precision   int     `json:"precision" db:"precision"`

	Name string `json:"name,omitempty" db:"name"`
	Unit string `json:"unit,omitempty" db:"unit"`
}

// EffectiveCoefficient returns 1 when Coefficient is unset (zero value),
// so a Point constructed without explicit scaling reads through unchanged.
func (p *Point) EffectiveCoefficient() float64 {
	if p.Coefficient == 0 {
		return 1
	}
	return p.Coefficient
}

// EffectiveLength returns 1 when Length is unset.
func (p *Point) EffectiveLength() int {
	if p.Length <= 0 {
		return 1
	}
	return p.Length
}
