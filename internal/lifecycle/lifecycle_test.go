package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clustercockpit/acquisition-gateway/internal/adapter"
	"github.com/clustercockpit/acquisition-gateway/internal/bus"
	"github.com/clustercockpit/acquisition-gateway/internal/repository"
	"github.com/clustercockpit/acquisition-gateway/internal/schema"
)

// fakeAdapter is a scriptable in-memory adapter, following the same
// pattern as internal/worker's test fake.
type fakeAdapter struct {
	mu         sync.Mutex
	connectErr error
	healthy    bool
	connected  bool
}

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeAdapter) ReadPoints(ctx context.Context, points []schema.Point) ([]schema.Reading, error) {
	out := make([]schema.Reading, len(points))
	for i, p := range points {
		out[i] = schema.Reading{Code: p.Code, Value: schema.I64Value(1), Quality: schema.QualityGood, TimestampNs: time.Now().UnixNano()}
	}
	return out, nil
}

func (f *fakeAdapter) Health(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeAdapter) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

const fakeProtocol schema.Protocol = "lifecycle-fake-protocol"

var (
	fakeMu      sync.Mutex
	nextFake    *fakeAdapter
	fakeInitted bool
)

func installFake(f *fakeAdapter) {
	fakeMu.Lock()
	defer fakeMu.Unlock()
	if !fakeInitted {
		adapter.Register(fakeProtocol, func(d schema.Device) (adapter.Adapter, error) {
			fakeMu.Lock()
			defer fakeMu.Unlock()
			return nextFake, nil
		})
		fakeInitted = true
	}
	nextFake = f
}

func setupDB(t *testing.T) {
	t.Helper()
	conn, err := repository.Connect("sqlite3", "file::memory:?cache=shared", repository.Config{})
	require.NoError(t, err)
	require.NoError(t, repository.MigrateDB("sqlite3", conn.DB))
}

var dbOnce sync.Once

func newTestService(t *testing.T) *Service {
	t.Helper()
	dbOnce.Do(func() { setupDB(t) })

	taskRepo := repository.NewTaskRepository()
	sessionRepo := repository.NewSessionRepository()
	b, err := bus.Connect(schema.BusConfig{})
	require.NoError(t, err)

	return NewService(taskRepo, sessionRepo, b, schema.EngineConfig{}.WithDefaults())
}

func sampleTask(code string) schema.Task {
	return schema.Task{
		Code:     code,
		Name:     "test task " + code,
		Schedule: schema.ScheduleContinuous,
		Devices: []schema.Device{
			{
				Code:     "dev1",
				Protocol: fakeProtocol,
				Host:     "localhost",
				Port:     502,
				Points: []schema.Point{
					{Code: "temp", Address: "1", Type: schema.PointTypeI16},
				},
			},
		},
	}
}

func TestService_Start_HealthyDeviceCreatesSession(t *testing.T) {
	svc := newTestService(t)
	installFake(&fakeAdapter{healthy: true})

	taskRepo := repository.NewTaskRepository()
	_, err := taskRepo.Upsert(sampleTask("start-ok"))
	require.NoError(t, err)

	result, err := svc.Start(context.Background(), "start-ok")
	require.NoError(t, err)
	assert.NotZero(t, result.SessionID)
	assert.NotEmpty(t, result.CeleryHandle)
	assert.True(t, result.Report.Healthy)

	svc.Stop(result.SessionID)
}

func TestService_Start_NoDeviceConnectedRejects(t *testing.T) {
	svc := newTestService(t)
	installFake(&fakeAdapter{connectErr: assertErr})

	taskRepo := repository.NewTaskRepository()
	_, err := taskRepo.Upsert(sampleTask("start-fail"))
	require.NoError(t, err)

	_, err = svc.Start(context.Background(), "start-fail")
	assert.ErrorIs(t, err, ErrNoDeviceConnected)
}

func TestService_Start_AlreadyRunningRejectsSecondStart(t *testing.T) {
	svc := newTestService(t)
	installFake(&fakeAdapter{healthy: true})

	taskRepo := repository.NewTaskRepository()
	_, err := taskRepo.Upsert(sampleTask("start-twice"))
	require.NoError(t, err)

	first, err := svc.Start(context.Background(), "start-twice")
	require.NoError(t, err)
	defer svc.Stop(first.SessionID)

	_, err = svc.Start(context.Background(), "start-twice")
	assert.ErrorIs(t, err, ErrSessionAlreadyRunning)
}

func TestServer_StartTwice_ReturnsConflict(t *testing.T) {
	svc := newTestService(t)
	installFake(&fakeAdapter{healthy: true})

	taskRepo := repository.NewTaskRepository()
	_, err := taskRepo.Upsert(sampleTask("http-start-twice"))
	require.NoError(t, err)

	srv := NewServer(svc)
	r := mux.NewRouter()
	srv.MountRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/http-start-twice/start", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	require.Equal(t, http.StatusCreated, rw.Code)

	var started StartResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &started))
	defer svc.Stop(started.SessionID)

	req2 := httptest.NewRequest(http.MethodPost, "/api/tasks/http-start-twice/start", nil)
	rw2 := httptest.NewRecorder()
	r.ServeHTTP(rw2, req2)
	assert.Equal(t, http.StatusConflict, rw2.Code)
}

func TestService_TestConnection(t *testing.T) {
	svc := newTestService(t)
	installFake(&fakeAdapter{healthy: true})

	connected, healthy, errMsg := svc.TestConnection(context.Background(), schema.Device{
		Code: "dev1", Protocol: fakeProtocol,
	})
	assert.True(t, connected)
	assert.True(t, healthy)
	assert.Empty(t, errMsg)
}

func TestServer_StartStopStatus(t *testing.T) {
	svc := newTestService(t)
	installFake(&fakeAdapter{healthy: true})

	taskRepo := repository.NewTaskRepository()
	_, err := taskRepo.Upsert(sampleTask("http-roundtrip"))
	require.NoError(t, err)

	srv := NewServer(svc)
	r := mux.NewRouter()
	srv.MountRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/http-roundtrip/start", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	require.Equal(t, http.StatusCreated, rw.Code)

	var started StartResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &started))
	assert.NotZero(t, started.SessionID)

	statusReq := httptest.NewRequest(http.MethodGet, "/api/sessions/"+strconv.FormatInt(started.SessionID, 10)+"/status", nil)
	statusRW := httptest.NewRecorder()
	r.ServeHTTP(statusRW, statusReq)
	require.Equal(t, http.StatusOK, statusRW.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(statusRW.Body.Bytes(), &status))
	assert.Equal(t, schema.SessionRunning, status.Status)

	stopReq := httptest.NewRequest(http.MethodPost, "/api/sessions/"+strconv.FormatInt(started.SessionID, 10)+"/stop", nil)
	stopRW := httptest.NewRecorder()
	r.ServeHTTP(stopRW, stopReq)
	assert.Equal(t, http.StatusAccepted, stopRW.Code)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

var assertErr error = simpleErr("connect refused")
