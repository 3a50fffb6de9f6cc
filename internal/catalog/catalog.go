// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package catalog holds the in-memory, read-only snapshot of a Task's
// points, grouped by device, used for the lifetime of one Session.
//
// Grounded on the teacher's archive.Cluster/metricConfig snapshotting in
// pkg/archive (cc-backend loads and holds a Cluster's node/metric layout
// in memory for the lifetime of the process); here the snapshot is scoped
// to one Session instead of the whole process.
package catalog

import (
	"fmt"

	"github.com/clustercockpit/acquisition-gateway/internal/schema"
)

// Catalog is an immutable view of a Task: its Devices, and each Device's
// Points, indexed for fast lookup by Device Workers.
type Catalog struct {
	Task    schema.Task
	devices map[string]*schema.Device
	order   []string
}

// New builds a Catalog from a Task snapshot. The Task and its Devices/Points
// must not be mutated afterwards; Catalog keeps pointers into task.Devices.
func New(task schema.Task) (*Catalog, error) {
	if len(task.Devices) == 0 {
		return nil, fmt.Errorf("catalog: task %q has no devices", task.Code)
	}

	c := &Catalog{
		Task:    task,
		devices: make(map[string]*schema.Device, len(task.Devices)),
		order:   make([]string, 0, len(task.Devices)),
	}

	for i := range task.Devices {
		d := &task.Devices[i]
		if len(d.Points) == 0 {
			return nil, fmt.Errorf("catalog: device %q has no points", d.Code)
		}
		if _, dup := c.devices[d.Code]; dup {
			return nil, fmt.Errorf("catalog: duplicate device code %q", d.Code)
		}
		c.devices[d.Code] = d
		c.order = append(c.order, d.Code)
	}

	return c, nil
}

// Devices returns Devices in their original declaration order.
func (c *Catalog) Devices() []*schema.Device {
	out := make([]*schema.Device, 0, len(c.order))
	for _, code := range c.order {
		out = append(out, c.devices[code])
	}
	return out
}

// Device looks up a Device by code.
func (c *Catalog) Device(code string) (*schema.Device, bool) {
	d, ok := c.devices[code]
	return d, ok
}

// PointCount returns the total number of points across all devices.
func (c *Catalog) PointCount() int {
	n := 0
	for _, d := range c.devices {
		n += len(d.Points)
	}
	return n
}
