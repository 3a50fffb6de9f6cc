// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mqtt implements the MQTT subscription-based protocol adapter
// (spec §4.1.3), grounded on
// original_source/backend/acquisition/protocols/mqtt.py.
//
// Unlike the request-response adapters, MQTT never issues a read: the
// client subscribes once at Connect and messages accumulate in a bounded
// queue; ReadPoints drains whatever arrived since the last call.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/clustercockpit/acquisition-gateway/internal/adapter"
	"github.com/clustercockpit/acquisition-gateway/internal/schema"
	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

func init() {
	adapter.Register(schema.ProtocolMQTT, New)
}

const (
	queueCapacity = 1000
	drainIdle     = 5 * time.Second
)

type message struct {
	topic     string
	payload   []byte
	timestamp int64
}

// Adapter is the MQTT protocol driver: one paho client per Device,
// subscribed to every configured topic, draining into a bounded channel.
type Adapter struct {
	device schema.Device
	topics []string

	mu        sync.Mutex
	client    paho.Client
	connected bool
	queue     chan message
	dropped   uint64
}

func New(device schema.Device) (adapter.Adapter, error) {
	topics := splitTopics(device.Metadata["mqtt_topics"])
	if len(topics) == 0 {
		return nil, fmt.Errorf("mqtt: device %q has no mqtt_topics configured", device.Code)
	}
	return &Adapter{device: device, topics: topics, queue: make(chan message, queueCapacity)}, nil
}

func splitTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}

	broker := fmt.Sprintf("tcp://%s:%d", a.device.Host, a.device.Port)
	if useTLS, _ := strconv.ParseBool(a.device.Metadata["mqtt_use_tls"]); useTLS {
		broker = fmt.Sprintf("ssl://%s:%d", a.device.Host, a.device.Port)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("acquisition-gateway-%s", a.device.Code)).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(a.onConnectionLost)

	if u := a.device.Metadata["mqtt_username"]; u != "" {
		opts.SetUsername(u)
		opts.SetPassword(a.device.Metadata["mqtt_password"])
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return &adapter.ConnectionError{Device: a.device.Code, Err: fmt.Errorf("connect timed out")}
	}
	if err := token.Error(); err != nil {
		return &adapter.ConnectionError{Device: a.device.Code, Err: err}
	}

	a.client = client
	a.connected = true
	return nil
}

func (a *Adapter) onConnect(client paho.Client) {
	for _, topic := range a.topics {
		t := topic
		client.Subscribe(t, 0, a.onMessage)
		log.Infof("mqtt[%s]: subscribed to %s", a.device.Code, t)
	}
}

func (a *Adapter) onConnectionLost(client paho.Client, err error) {
	log.Warnf("mqtt[%s]: connection lost: %s", a.device.Code, err)
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
}

func (a *Adapter) onMessage(client paho.Client, msg paho.Message) {
	m := message{topic: msg.Topic(), payload: msg.Payload(), timestamp: time.Now().UnixNano()}
	select {
	case a.queue <- m:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		log.Warnf("mqtt[%s]: queue full, dropping message on %s", a.device.Code, msg.Topic())
	}
}

func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return
	}
	if a.client != nil {
		a.client.Disconnect(250)
	}
	a.client = nil
	a.connected = false
}

func (a *Adapter) Health(ctx context.Context) bool {
	a.mu.Lock()
	client := a.client
	connected := a.connected
	a.mu.Unlock()
	return connected && client != nil && client.IsConnected()
}

// ReadPoints drains every message queued since the last call, mapping each
// onto the requested points, then waits up to drainIdle for stragglers
// before returning -- MQTT never blocks indefinitely because there is no
// way to know if more messages are coming.
func (a *Adapter) ReadPoints(ctx context.Context, points []schema.Point) ([]schema.Reading, error) {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return nil, &adapter.ReadError{Device: a.device.Code, Err: fmt.Errorf("not connected")}
	}

	var readings []schema.Reading
	timer := time.NewTimer(drainIdle)
	defer timer.Stop()

	for {
		select {
		case m := <-a.queue:
			readings = append(readings, parseMessage(m, points)...)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(drainIdle)
		case <-timer.C:
			return readings, nil
		case <-ctx.Done():
			return readings, ctx.Err()
		}
	}
}

// parseMessage maps one MQTT message onto point readings (spec §4.1.3):
// a JSON object payload maps field names to matching point codes; any
// other payload (JSON scalar or plain text) becomes the value of the
// first point, when exactly one point was requested.
func parseMessage(m message, points []schema.Point) []schema.Reading {
	var payload interface{}
	if err := json.Unmarshal(m.payload, &payload); err != nil {
		if len(points) != 1 {
			return nil
		}
		return []schema.Reading{{
			Code: points[0].Code, Value: schema.StringValue(string(m.payload)),
			TimestampNs: m.timestamp, Quality: schema.QualityGood,
		}}
	}

	if obj, ok := payload.(map[string]interface{}); ok {
		var out []schema.Reading
		for _, p := range points {
			raw, present := obj[p.Code]
			if !present {
				continue
			}
			out = append(out, schema.Reading{
				Code: p.Code, Value: jsonToValue(raw), TimestampNs: m.timestamp, Quality: schema.QualityGood,
			})
		}
		return out
	}

	if len(points) != 1 {
		return nil
	}
	return []schema.Reading{{
		Code: points[0].Code, Value: jsonToValue(payload), TimestampNs: m.timestamp, Quality: schema.QualityGood,
	}}
}

func jsonToValue(raw interface{}) schema.Value {
	switch v := raw.(type) {
	case float64:
		if v == float64(int64(v)) {
			return schema.I64Value(int64(v))
		}
		return schema.F64Value(v)
	case bool:
		return schema.BoolValue(v)
	case string:
		return schema.StringValue(v)
	default:
		encoded, _ := json.Marshal(v)
		return schema.JSONValue(string(encoded))
	}
}
