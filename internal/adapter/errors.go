// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package adapter

import "fmt"

// ConnectionError wraps a transport-level connect failure (network, auth,
// handshake) -- spec §7 "Connection" taxonomy entry.
type ConnectionError struct {
	Device string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("adapter: connect to device %q failed: %s", e.Device, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ReadError wraps a whole-call read failure (timeout, framing, exception
// response) -- returned only when the entire ReadPoints call failed, not
// for individual bad points (spec §7 "Read" taxonomy entry).
type ReadError struct {
	Device string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("adapter: read from device %q failed: %s", e.Device, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// DecodeError marks a per-point failure: a bad address string or an
// unsupported type. Never aborts a batch -- it is attached to the
// Reading.Err field with quality=bad (spec §7 "Decode" taxonomy entry).
type DecodeError struct {
	Point string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("adapter: decode point %q failed: %s", e.Point, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
