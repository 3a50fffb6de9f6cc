// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bus fans out flushed batches onto a NATS subject per task, so
// other consumers (dashboards, alerting) can tail acquisition data without
// querying the sink. Adapted from
// ClusterCockpit-cc-backend/pkg/nats/client.go's connection/subscription
// wrapper, trimmed to the publish-only path this gateway needs.
package bus

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/clustercockpit/acquisition-gateway/internal/schema"
	"github.com/clustercockpit/acquisition-gateway/internal/sink"
	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

// Bus wraps a NATS connection used only to publish encoded batches.
type Bus struct {
	mu   sync.Mutex
	conn *nats.Conn
}

// Connect dials the configured NATS server. An empty Address means the
// message bus is disabled; Connect returns a Bus whose Publish calls are
// no-ops so callers don't need to special-case "no bus configured".
func Connect(cfg schema.BusConfig) (*Bus, error) {
	if cfg.Address == "" {
		log.Info("bus: no NATS address configured, fan-out disabled")
		return &Bus{}, nil
	}

	conn, err := nats.Connect(cfg.Address,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("bus: NATS disconnected: %s", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("bus: NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: NATS connect failed: %w", err)
	}

	log.Infof("bus: connected to %s", cfg.Address)
	return &Bus{conn: conn}, nil
}

// Subject returns the per-task publish subject (SPEC_FULL §6).
func Subject(taskCode string) string {
	return fmt.Sprintf("acquisition.%s.points", taskCode)
}

// Publish encodes batch as line protocol and publishes it on the task's
// subject. A no-op when the bus was constructed without an address, and
// never blocks the caller's flush path on a publish failure -- fan-out is
// best-effort, the sink write is authoritative.
func (b *Bus) Publish(taskCode string, batch []schema.CanonicalPoint) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil || len(batch) == 0 {
		return
	}

	encoded, err := sink.Encode(batch)
	if err != nil {
		log.Warnf("bus: encode batch for %q failed: %s", taskCode, err)
		return
	}

	if err := conn.Publish(Subject(taskCode), encoded); err != nil {
		log.Warnf("bus: publish to %q failed: %s", taskCode, err)
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}
