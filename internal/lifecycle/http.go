// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lifecycle

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/clustercockpit/acquisition-gateway/internal/schema"
	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

// Server exposes a Service over the HTTP+JSON lifecycle RPC contract and
// a WebSocket device-health stream, grounded on
// ClusterCockpit-cc-backend/internal/api/rest.go's handler/router shape.
type Server struct {
	svc *Service
}

// NewServer wires a Server around an existing Service.
func NewServer(svc *Service) *Server {
	return &Server{svc: svc}
}

// MountRoutes registers the lifecycle endpoints on r (spec §6 / SPEC_FULL
// §6): start/stop/status/test-connection plus the health WebSocket.
func (s *Server) MountRoutes(r *mux.Router) {
	r.HandleFunc("/api/tasks/{code}/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/test-connection", s.handleTestConnection).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}/health/ws", s.handleHealthWS)
}

// ErrorResponse is the JSON body returned on every non-2xx lifecycle
// response.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func handleError(err error, statusCode int, rw http.ResponseWriter) {
	log.Warnf("lifecycle: %s", err.Error())
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(ErrorResponse{
		Status: http.StatusText(statusCode),
		Error:  err.Error(),
	})
}

func decode(r io.Reader, val interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(val)
}

func pathInt64(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[key], 10, 64)
}

// StartResponse is the JSON body of a successful start() call.
type StartResponse struct {
	SessionID    int64                   `json:"session_id"`
	CeleryHandle string                  `json:"celery_handle"`
	Report       schema.ValidationReport `json:"startup_validation"`
}

func (s *Server) handleStart(rw http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	result, err := s.svc.Start(r.Context(), code)
	if err != nil {
		switch err {
		case ErrNoDeviceConnected:
			handleError(err, http.StatusUnprocessableEntity, rw)
		case ErrStartupTimeout:
			handleError(err, http.StatusGatewayTimeout, rw)
		case ErrSessionAlreadyRunning:
			handleError(err, http.StatusConflict, rw)
		default:
			handleError(err, http.StatusBadRequest, rw)
		}
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusCreated)
	json.NewEncoder(rw).Encode(StartResponse{
		SessionID:    result.SessionID,
		CeleryHandle: result.CeleryHandle,
		Report:       result.Report,
	})
}

func (s *Server) handleStop(rw http.ResponseWriter, r *http.Request) {
	sessionID, err := pathInt64(r, "id")
	if err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	if err := s.svc.Stop(sessionID); err != nil {
		handleError(err, http.StatusInternalServerError, rw)
		return
	}
	rw.WriteHeader(http.StatusAccepted)
}

// StatusResponse is the JSON body of status() (spec §6 shape).
type StatusResponse struct {
	Status       schema.SessionStatus            `json:"status"`
	StartedAt    time.Time                       `json:"started_at"`
	StoppedAt    *time.Time                      `json:"stopped_at,omitempty"`
	PointsRead   int64                           `json:"points_read"`
	LastReadTime *time.Time                      `json:"last_read_time,omitempty"`
	ErrorCount   int64                           `json:"error_count"`
	ErrorMessage string                          `json:"error_message,omitempty"`
	DeviceHealth map[string]schema.DeviceHealth  `json:"device_health,omitempty"`
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	sessionID, err := pathInt64(r, "id")
	if err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	sess, err := s.svc.Status(sessionID)
	if err != nil {
		handleError(err, http.StatusNotFound, rw)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(StatusResponse{
		Status:       sess.Status,
		StartedAt:    sess.StartedAt,
		StoppedAt:    sess.StoppedAt,
		PointsRead:   sess.Metadata.PointsRead,
		LastReadTime: sess.Metadata.LastReadTime,
		ErrorCount:   sess.Metadata.ErrorCount,
		ErrorMessage: sess.ErrorMessage,
		DeviceHealth: sess.Metadata.DeviceHealth,
	})
}

// TestConnectionRequest is the JSON body of test_connection() (spec §6).
type TestConnectionRequest struct {
	Protocol schema.Protocol `json:"protocol"`
	Device   schema.Device   `json:"device_config"`
}

// TestConnectionResponse is the JSON body of test_connection()'s result.
type TestConnectionResponse struct {
	Connected bool   `json:"connected"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleTestConnection(rw http.ResponseWriter, r *http.Request) {
	var req TestConnectionRequest
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}
	req.Device.Protocol = req.Protocol

	connected, healthy, errMsg := s.svc.TestConnection(r.Context(), req.Device)

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(TestConnectionResponse{
		Connected: connected,
		Healthy:   healthy,
		Error:     errMsg,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// healthSnapshot is one frame of the /health/ws stream.
type healthSnapshot struct {
	Status schema.SessionStatus            `json:"status"`
	Health map[string]schema.DeviceHealth `json:"device_health"`
}

// handleHealthWS streams the Session's device health snapshot once per
// second until the client disconnects or the Session leaves status=running.
func (s *Server) handleHealthWS(rw http.ResponseWriter, r *http.Request) {
	sessionID, err := pathInt64(r, "id")
	if err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}

	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Warnf("lifecycle: websocket upgrade failed: %s", err)
		return
	}
	defer conn.Close()

	// Drain and discard client frames so the read side notices a closed
	// connection; the protocol here is server-push only.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		health, status, err := s.svc.snapshotHealth(sessionID)
		if err != nil {
			return
		}
		if err := conn.WriteJSON(healthSnapshot{Status: status, Health: health}); err != nil {
			return
		}
		if status != schema.SessionRunning {
			return
		}
	}
}
