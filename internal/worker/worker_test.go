package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clustercockpit/acquisition-gateway/internal/adapter"
	"github.com/clustercockpit/acquisition-gateway/internal/schema"
)

const fakeProtocol schema.Protocol = "fake-test-protocol"

// fakeAdapter is a scriptable in-memory adapter used only by this test
// file's worker scenarios.
type fakeAdapter struct {
	mu          sync.Mutex
	connectErr  error
	readErr     error
	connected   bool
	connectCalls int
	disconnects  int
}

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeAdapter) ReadPoints(ctx context.Context, points []schema.Point) ([]schema.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([]schema.Reading, len(points))
	for i, p := range points {
		out[i] = schema.Reading{Code: p.Code, Value: schema.I64Value(1), Quality: schema.QualityGood, TimestampNs: time.Now().UnixNano()}
	}
	return out, nil
}

func (f *fakeAdapter) Health(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
}

var currentFake *fakeAdapter
var fakeMu sync.Mutex

func init() {
	adapter.Register(fakeProtocol, func(d schema.Device) (adapter.Adapter, error) {
		fakeMu.Lock()
		defer fakeMu.Unlock()
		if currentFake == nil {
			return nil, fmt.Errorf("no fake adapter installed")
		}
		return currentFake, nil
	})
}

func installFake(f *fakeAdapter) {
	fakeMu.Lock()
	defer fakeMu.Unlock()
	currentFake = f
}

func testDevice() schema.Device {
	return schema.Device{
		Code: "dev1", Protocol: fakeProtocol, Host: "localhost", Port: 1,
		Points: []schema.Point{{Code: "p1"}, {Code: "p2"}},
	}
}

func testConfig() schema.EngineConfig {
	return schema.EngineConfig{
		ConnectionTimeoutS: 30, MaxReconnectAttempts: 2,
	}.WithDefaults()
}

func TestWorker_ConnectingToHealthy(t *testing.T) {
	installFake(&fakeAdapter{})
	out := make(chan schema.CanonicalPoint, 16)
	w := New(testDevice(), testConfig(), out)

	assert.Equal(t, StateConnecting, w.State())
	w.Tick(context.Background())
	assert.Equal(t, StateHealthy, w.State())
}

func TestWorker_HealthyTickPublishesReadings(t *testing.T) {
	installFake(&fakeAdapter{})
	out := make(chan schema.CanonicalPoint, 16)
	w := New(testDevice(), testConfig(), out)

	w.Tick(context.Background()) // connecting -> healthy
	w.Tick(context.Background()) // healthy -> read

	require.Len(t, out, 2)
}

func TestWorker_ReadErrorEntersErrorState(t *testing.T) {
	fa := &fakeAdapter{}
	installFake(fa)
	out := make(chan schema.CanonicalPoint, 16)
	w := New(testDevice(), testConfig(), out)

	w.Tick(context.Background()) // -> healthy
	fa.readErr = fmt.Errorf("boom")
	w.Tick(context.Background()) // -> error
	assert.Equal(t, StateError, w.State())
}

func TestWorker_ErrorRecoversToHealthy(t *testing.T) {
	fa := &fakeAdapter{}
	installFake(fa)
	out := make(chan schema.CanonicalPoint, 16)
	w := New(testDevice(), testConfig(), out)

	w.Tick(context.Background())
	fa.readErr = fmt.Errorf("boom")
	w.Tick(context.Background())
	assert.Equal(t, StateError, w.State())

	fa.readErr = nil
	w.Tick(context.Background())
	assert.Equal(t, StateHealthy, w.State())
}

func TestWorker_DisconnectsAfterMaxReconnectAttempts(t *testing.T) {
	installFake(&fakeAdapter{connectErr: fmt.Errorf("refused")})
	out := make(chan schema.CanonicalPoint, 16)
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	w := New(testDevice(), cfg, out)

	w.Tick(context.Background())
	assert.Equal(t, StateConnecting, w.State())
	w.Tick(context.Background())
	assert.Equal(t, StateDisconnected, w.State())
}

func TestWorker_DisconnectedIsTerminal(t *testing.T) {
	fa := &fakeAdapter{connectErr: fmt.Errorf("refused")}
	installFake(fa)
	out := make(chan schema.CanonicalPoint, 16)
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1
	w := New(testDevice(), cfg, out)

	w.Tick(context.Background())
	assert.Equal(t, StateDisconnected, w.State())
	callsBefore := fa.connectCalls
	w.Tick(context.Background())
	assert.Equal(t, StateDisconnected, w.State())
	assert.Equal(t, callsBefore, fa.connectCalls)
}

func TestWorker_CloseDisconnectsAdapter(t *testing.T) {
	fa := &fakeAdapter{}
	installFake(fa)
	out := make(chan schema.CanonicalPoint, 16)
	w := New(testDevice(), testConfig(), out)
	w.Tick(context.Background())
	w.Close()
	assert.Equal(t, 1, fa.disconnects)
}

func TestWorker_Health(t *testing.T) {
	installFake(&fakeAdapter{})
	out := make(chan schema.CanonicalPoint, 16)
	w := New(testDevice(), testConfig(), out)
	w.Tick(context.Background())
	h := w.Health()
	assert.Equal(t, schema.HealthHealthy, h.Status)
	assert.Equal(t, 0, h.ConsecutiveFailures)
}
