// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mc

import (
	"fmt"
	"math"

	"github.com/clustercockpit/acquisition-gateway/internal/adapter"
	"github.com/clustercockpit/acquisition-gateway/internal/schema"
)

// roundTo mirrors the modbus adapter's rounding policy (integer rounding
// for i16, decimal rounding otherwise) -- see DESIGN.md "Open Question
// Decisions".
func roundTo(v float64, precision int) float64 {
	if precision <= 0 {
		return math.Round(v)
	}
	mult := math.Pow(10, float64(precision))
	return math.Round(v*mult) / mult
}

// decodeValue extracts one point's value from a group's raw response.
// Word devices are packed 2 bytes per register, little-endian, the wire
// convention for MELSEC binary-frame word reads; bit devices are packed
// one byte per bit (0x00/0x01).
func decodeValue(p schema.Point, raw []byte, off int64, bitFamily bool, ts int64) schema.Reading {
	r := schema.Reading{Code: p.Code, TimestampNs: ts, Quality: schema.QualityGood}

	if bitFamily {
		if int(off) >= len(raw) {
			r.Quality = schema.QualityBad
			r.Err = &adapter.DecodeError{Point: p.Code, Err: fmt.Errorf("bit offset %d out of range", off)}
			return r
		}
		r.Value = schema.BoolValue(raw[off] != 0)
		return r
	}

	byteOff := off * 2
	switch p.Type {
	case schema.PointTypeI32, schema.PointTypeF32, schema.PointTypeF32Swapped:
		if int(byteOff)+4 > len(raw) {
			r.Quality = schema.QualityBad
			r.Err = &adapter.DecodeError{Point: p.Code, Err: fmt.Errorf("register offset %d out of range", off)}
			return r
		}
		lo := uint32(raw[byteOff]) | uint32(raw[byteOff+1])<<8
		hi := uint32(raw[byteOff+2]) | uint32(raw[byteOff+3])<<8
		word := hi<<16 | lo
		if p.Type == schema.PointTypeF32Swapped {
			word = swapWord(word)
		}
		if p.Type == schema.PointTypeI32 {
			scaled := float64(int32(word)) * p.EffectiveCoefficient()
			r.Value = schema.F64Value(roundTo(scaled, p.Precision))
		} else {
			f := math.Float32frombits(word)
			scaled := float64(f) * p.EffectiveCoefficient()
			r.Value = schema.F64Value(roundTo(scaled, p.Precision))
		}
	default: // i16
		if int(byteOff)+2 > len(raw) {
			r.Quality = schema.QualityBad
			r.Err = &adapter.DecodeError{Point: p.Code, Err: fmt.Errorf("register offset %d out of range", off)}
			return r
		}
		v := int16(uint16(raw[byteOff]) | uint16(raw[byteOff+1])<<8)
		scaled := float64(v) * p.EffectiveCoefficient()
		r.Value = schema.I64Value(int64(roundTo(scaled, p.Precision)))
	}
	return r
}

// swapWord rotates a 32-bit word left by 16 bits -- f32_swapped's two
// 16-bit halves exchanged.
func swapWord(word uint32) uint32 {
	return word<<16 | word>>16
}
