// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sink writes batches of schema.CanonicalPoint to a time-series
// backend using the InfluxDB line-protocol wire format (spec §6), grounded
// on original_source/backend/storage/influxdb.py's write/format pipeline
// and the decode side of
// ClusterCockpit-cc-backend/pkg/metricstore/lineprotocol.go for the
// library's encoder API.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sort"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"

	"github.com/clustercockpit/acquisition-gateway/internal/schema"
	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

// Sink is the write-side contract the Session Engine flushes batches
// through (spec §4.3).
type Sink interface {
	Connect(ctx context.Context) error
	Write(ctx context.Context, batch []schema.CanonicalPoint) error
	Health(ctx context.Context) bool
	Disconnect()
}

// Valid timestamp window: readings outside it are almost certainly a clock
// or unit bug upstream, not a real sample.
var (
	minValidTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	maxValidTime = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// InfluxSink is the default Sink: HTTP line-protocol writes to an
// InfluxDB-v2-style `/api/v2/write` endpoint, with an optional fallback to
// a local writer binary fed over stdin when the HTTP write fails.
type InfluxSink struct {
	cfg    schema.SinkConfig
	client *http.Client

	connected bool
}

func NewInflux(cfg schema.SinkConfig) *InfluxSink {
	return &InfluxSink{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *InfluxSink) Connect(ctx context.Context) error {
	s.connected = true
	return nil
}

func (s *InfluxSink) Disconnect() {
	s.connected = false
}

func (s *InfluxSink) Health(ctx context.Context) bool {
	if !s.connected {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

// Write encodes batch as line protocol and writes it over HTTP, falling
// back to the configured local writer binary (if any) on failure.
func (s *InfluxSink) Write(ctx context.Context, batch []schema.CanonicalPoint) error {
	if len(batch) == 0 {
		return nil
	}

	encoded, err := Encode(batch)
	if err != nil {
		return fmt.Errorf("sink: encode batch: %w", err)
	}

	if err := s.writeHTTP(ctx, encoded); err != nil {
		log.Warnf("sink: HTTP write failed, trying fallback: %s", err)
		if s.cfg.Fallback == "" {
			return fmt.Errorf("sink: write failed and no fallback configured: %w", err)
		}
		if ferr := s.writeFallback(ctx, encoded); ferr != nil {
			return fmt.Errorf("sink: write failed (%s), fallback also failed: %w", err, ferr)
		}
	}
	return nil
}

func (s *InfluxSink) writeHTTP(ctx context.Context, encoded []byte) error {
	url := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=ns", s.cfg.URL, s.cfg.Org, s.cfg.Bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Token "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("influx write returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

// writeFallback pipes line protocol into the configured local writer
// binary's stdin -- the Go equivalent of the Python original's "docker
// exec influx write" workaround path.
func (s *InfluxSink) writeFallback(ctx context.Context, encoded []byte) error {
	cmd := exec.CommandContext(ctx, s.cfg.Fallback,
		"-bucket", s.cfg.Bucket, "-org", s.cfg.Org, "-token", s.cfg.Token)
	cmd.Stdin = bytes.NewReader(encoded)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

// Encode renders a batch as InfluxDB line protocol text, one line per
// CanonicalPoint. Unrepresentable field values are JSON-encoded into a
// quoted string field rather than dropped silently, matching the Python
// original's "convert complex types to JSON string" fallback -- dropping
// only happens when even JSON-encoding fails.
func Encode(batch []schema.CanonicalPoint) ([]byte, error) {
	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Nanosecond)

	for _, cp := range batch {
		// Coerce every field before calling StartLine: the encoder can't
		// abandon a line once started without corrupting its error
		// reporting for the next one (lineprotocol.Encoder.StartLine),
		// so a point with no representable fields must never open a line.
		type coerced struct {
			key string
			val lineprotocol.Value
		}
		fields := make([]coerced, 0, len(cp.Fields))
		for _, f := range cp.Fields {
			v, ok := coerce(f.Value)
			if !ok {
				log.Warnf("sink: dropping unrepresentable field %q on measurement %q", f.Key, cp.Measurement)
				continue
			}
			fields = append(fields, coerced{f.Key, v})
		}
		if len(fields) == 0 {
			log.Warnf("sink: dropping measurement %q, no representable fields", cp.Measurement)
			continue
		}

		// The encoder requires tag keys in lexical order.
		tags := append([]schema.Tag(nil), cp.Tags...)
		sort.SliceStable(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key })

		enc.StartLine(cp.Measurement)
		for _, tag := range tags {
			enc.AddTag(tag.Key, tag.Value)
		}
		for _, f := range fields {
			enc.AddField(f.key, f.val)
		}

		ts := time.Unix(0, cp.TimestampNs)
		if ts.Before(minValidTime) || ts.After(maxValidTime) {
			log.Warnf("sink: timestamp %s out of valid range for measurement %q, using wall clock", ts, cp.Measurement)
			ts = time.Now()
		}
		enc.EndLine(ts)

		if err := enc.Err(); err != nil {
			return nil, err
		}
	}
	return enc.Bytes(), nil
}

func coerce(v schema.Value) (lineprotocol.Value, bool) {
	switch v.Kind {
	case schema.KindI64:
		return lineprotocol.MustNewValue(v.I64), true
	case schema.KindF64:
		return lineprotocol.MustNewValue(v.F64), true
	case schema.KindBool:
		return lineprotocol.MustNewValue(v.Bool), true
	case schema.KindString:
		return lineprotocol.MustNewValue(v.Str), true
	case schema.KindJSON:
		return lineprotocol.MustNewValue(v.Str), true
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return lineprotocol.Value{}, false
		}
		return lineprotocol.MustNewValue(string(encoded)), true
	}
}
