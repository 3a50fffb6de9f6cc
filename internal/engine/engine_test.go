package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clustercockpit/acquisition-gateway/internal/bus"
	"github.com/clustercockpit/acquisition-gateway/internal/schema"
)

type fakeSink struct {
	mu       sync.Mutex
	writes   [][]schema.CanonicalPoint
	writeErr error
	closed   bool
}

func (s *fakeSink) Connect(ctx context.Context) error { return nil }
func (s *fakeSink) Health(ctx context.Context) bool    { return true }
func (s *fakeSink) Disconnect()                        { s.mu.Lock(); s.closed = true; s.mu.Unlock() }
func (s *fakeSink) Write(ctx context.Context, batch []schema.CanonicalPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	cp := append([]schema.CanonicalPoint(nil), batch...)
	s.writes = append(s.writes, cp)
	return nil
}

type fakeListener struct {
	mu       sync.Mutex
	statuses []schema.SessionStatus
	metas    []schema.SessionMetadata
}

func (l *fakeListener) UpdateStatus(sessionID int64, status schema.SessionStatus, errMsg string, stoppedAt *time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
	return nil
}

func (l *fakeListener) UpdateMetadata(sessionID int64, meta schema.SessionMetadata) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metas = append(l.metas, meta)
	return nil
}

func noDeviceTask() schema.Task {
	return schema.Task{ID: 1, Code: "t1", PollIntervalS: 1}
}

func TestEngine_FlushOnBatchSize(t *testing.T) {
	sk := &fakeSink{}
	lis := &fakeListener{}
	b, err := bus.Connect(schema.BusConfig{})
	require.NoError(t, err)

	cfg := schema.EngineConfig{BatchSize: 2, BatchTimeoutS: 100}.WithDefaults()
	e := New(1, noDeviceTask(), cfg, sk, b, lis)

	e.buffer <- schema.CanonicalPoint{Measurement: "m", Fields: []schema.Field{{Key: "value", Value: schema.I64Value(1)}}}
	e.buffer <- schema.CanonicalPoint{Measurement: "m", Fields: []schema.Field{{Key: "value", Value: schema.I64Value(2)}}}

	e.drainAndMaybeFlush(context.Background())

	sk.mu.Lock()
	defer sk.mu.Unlock()
	require.Len(t, sk.writes, 1)
	assert.Len(t, sk.writes[0], 2)
}

func TestEngine_NoFlushBelowThreshold(t *testing.T) {
	sk := &fakeSink{}
	lis := &fakeListener{}
	b, _ := bus.Connect(schema.BusConfig{})

	cfg := schema.EngineConfig{BatchSize: 10, BatchTimeoutS: 100}.WithDefaults()
	e := New(1, noDeviceTask(), cfg, sk, b, lis)
	e.buffer <- schema.CanonicalPoint{Measurement: "m", Fields: []schema.Field{{Key: "value", Value: schema.I64Value(1)}}}

	e.drainAndMaybeFlush(context.Background())

	sk.mu.Lock()
	defer sk.mu.Unlock()
	assert.Empty(t, sk.writes)
	assert.Equal(t, 1, len(e.buffer))
}

func TestEngine_WriteFailureRetainsBatch(t *testing.T) {
	sk := &fakeSink{writeErr: assert.AnError}
	lis := &fakeListener{}
	b, _ := bus.Connect(schema.BusConfig{})

	cfg := schema.EngineConfig{BatchSize: 1, BatchTimeoutS: 100}.WithDefaults()
	e := New(1, noDeviceTask(), cfg, sk, b, lis)
	e.buffer <- schema.CanonicalPoint{Measurement: "m", Fields: []schema.Field{{Key: "value", Value: schema.I64Value(1)}}}

	e.drainAndMaybeFlush(context.Background())

	assert.Equal(t, 1, len(e.buffer))
	assert.Equal(t, int64(1), e.errorCount)
}

func TestEngine_RunTerminatesOnCancelWithFinalFlush(t *testing.T) {
	sk := &fakeSink{}
	lis := &fakeListener{}
	b, _ := bus.Connect(schema.BusConfig{})

	cfg := schema.EngineConfig{BatchSize: 100, BatchTimeoutS: 100, PollIntervalS: 100}.WithDefaults()
	e := New(1, noDeviceTask(), cfg, sk, b, lis)
	e.buffer <- schema.CanonicalPoint{Measurement: "m", Fields: []schema.Field{{Key: "value", Value: schema.I64Value(1)}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not terminate after cancellation")
	}

	sk.mu.Lock()
	defer sk.mu.Unlock()
	require.Len(t, sk.writes, 1)
	assert.True(t, sk.closed)

	lis.mu.Lock()
	defer lis.mu.Unlock()
	require.NotEmpty(t, lis.statuses)
	assert.Equal(t, schema.SessionStopped, lis.statuses[len(lis.statuses)-1])
}
