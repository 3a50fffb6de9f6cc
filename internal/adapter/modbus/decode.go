// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package modbus

import (
	"math"

	"github.com/clustercockpit/acquisition-gateway/internal/schema"
)

// roundTo rounds v to the given number of decimal places. Negative or
// zero precision rounds to the nearest integer.
func roundTo(v float64, precision int) float64 {
	if precision <= 0 {
		return math.Round(v)
	}
	mult := math.Pow(10, float64(precision))
	return math.Round(v*mult) / mult
}

// swapWord rotates a 32-bit word left by 16 bits, i.e. swaps its two
// 16-bit halves -- spec §4.1.2's f32_swapped encoding.
func swapWord(word uint32) uint32 {
	return word<<16 | word>>16
}

// applyScaledWord decodes a 32-bit register word into r.Value for i32,
// f32 and f32_swapped point types, applying coefficient/precision.
//
// Resolves spec §9 Open Question 1 by applying float rounding (not integer
// rounding) uniformly to i32/f32/f32_swapped and integer rounding only to
// i16 -- see DESIGN.md "Open Question Decisions".
func applyScaledWord(r *schema.Reading, p schema.Point, word uint32) {
	switch p.Type {
	case schema.PointTypeF32:
		f := math.Float32frombits(word)
		scaled := float64(f) * p.EffectiveCoefficient()
		r.Value = schema.F64Value(roundTo(scaled, p.Precision))
	case schema.PointTypeF32Swapped:
		f := math.Float32frombits(swapWord(word))
		scaled := float64(f) * p.EffectiveCoefficient()
		r.Value = schema.F64Value(roundTo(scaled, p.Precision))
	default: // i32
		scaled := float64(int32(word)) * p.EffectiveCoefficient()
		r.Value = schema.F64Value(roundTo(scaled, p.Precision))
	}
}
