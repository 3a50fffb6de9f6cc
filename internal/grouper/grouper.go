// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package grouper implements the pure address-grouping algorithm shared by
// the Modbus-TCP and Mitsubishi MC adapters (spec §4.2): cluster points
// with contiguous addresses, within one family key, into as few
// transport reads as possible.
package grouper

import "sort"

// Groupable is one input to the grouper: an addressable, sized point
// tagged with the family it belongs to (function code for Modbus,
// type/prefix for MC).
type Groupable struct {
	// Index is the position of this item in the caller's original slice,
	// carried through so a Group can be mapped back to its source points.
	Index int

	FamilyKey string
	Address   int64
	Length    int
}

// Group is a contiguous run of Groupables in one family, ready to be
// issued as a single transport read of [Start, Start+Length).
type Group struct {
	FamilyKey string
	Start     int64
	Length    int64
	// Items are the indices (into the original input slice) covered by
	// this group, in the order they were merged.
	Items []int
}

// Unparseable should be returned by callers for addresses that could not
// be parsed as numeric (spec §4.2 edge case); the grouper does not parse
// addresses itself, but this package provides the constant so callers have a
// shared convention for "read individually".
const Unparseable = -1

// GroupItems partitions items by FamilyKey, sorts each partition by Address
// (stable, so duplicate addresses keep their input order and coalesce
// into one group), then walks in order starting a new group whenever the
// next item does not abut the current group's end or would push the
// group past cap registers/bits.
//
// cap <= 0 means "no cap" (the family has no transport limit).
func GroupItems(items []Groupable, cap int) []Group {
	byFamily := make(map[string][]Groupable)
	families := make([]string, 0)
	for _, it := range items {
		if _, ok := byFamily[it.FamilyKey]; !ok {
			families = append(families, it.FamilyKey)
		}
		byFamily[it.FamilyKey] = append(byFamily[it.FamilyKey], it)
	}

	var groups []Group
	for _, fam := range families {
		fitems := byFamily[fam]
		sort.SliceStable(fitems, func(i, j int) bool {
			return fitems[i].Address < fitems[j].Address
		})

		var cur *Group
		for _, it := range fitems {
			length := it.Length
			if length <= 0 {
				length = 1
			}

			if cur == nil {
				cur = &Group{FamilyKey: fam, Start: it.Address, Length: int64(length), Items: []int{it.Index}}
				continue
			}

			curEnd := cur.Start + cur.Length // one past last covered address
			adjacentOrOverlapping := it.Address <= curEnd
			withinCap := cap <= 0 || (it.Address+int64(length)-cur.Start) <= int64(cap)

			if adjacentOrOverlapping && withinCap {
				if newEnd := it.Address + int64(length); newEnd > curEnd {
					cur.Length = newEnd - cur.Start
				}
				cur.Items = append(cur.Items, it.Index)
				continue
			}

			groups = append(groups, *cur)
			cur = &Group{FamilyKey: fam, Start: it.Address, Length: int64(length), Items: []int{it.Index}}
		}
		if cur != nil {
			groups = append(groups, *cur)
		}
	}

	return groups
}
