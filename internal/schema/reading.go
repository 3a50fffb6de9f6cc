// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

// Quality is the per-Reading confidence tag.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

// ValueKind tags the concrete type carried by a Value.
type ValueKind int

const (
	KindI64 ValueKind = iota
	KindF64
	KindBool
	KindString
	KindJSON
)

// Value is a tagged union over the reading value types an adapter can
// produce. Only the field matching Kind is meaningful.
type Value struct {
	Kind ValueKind
	I64  int64
	F64  float64
	Bool bool
	Str  string
}

func I64Value(v int64) Value   { return Value{Kind: KindI64, I64: v} }
func F64Value(v float64) Value { return Value{Kind: KindF64, F64: v} }
func BoolValue(v bool) Value   { return Value{Kind: KindBool, Bool: v} }
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }
func JSONValue(v string) Value   { return Value{Kind: KindJSON, Str: v} }

// Reading is the raw result of reading one Point at one instant.
type Reading struct {
	Code        string
	Value       Value
	TimestampNs int64
	Quality     Quality
	Err         error
}
