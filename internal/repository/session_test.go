package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clustercockpit/acquisition-gateway/internal/schema"
)

func TestSessionRepository_CreateAndLoad(t *testing.T) {
	setup(t)
	taskRepo := NewTaskRepository()
	taskID, err := taskRepo.Upsert(sampleTask("task-session-1"))
	require.NoError(t, err)

	sessRepo := NewSessionRepository()
	sessID, err := sessRepo.Create(taskID)
	require.NoError(t, err)

	sess, err := sessRepo.ByID(sessID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionRunning, sess.Status)
	assert.Equal(t, taskID, sess.TaskID)
}

func TestSessionRepository_UpdateStatusAndMetadata(t *testing.T) {
	setup(t)
	taskRepo := NewTaskRepository()
	taskID, err := taskRepo.Upsert(sampleTask("task-session-2"))
	require.NoError(t, err)

	sessRepo := NewSessionRepository()
	sessID, err := sessRepo.Create(taskID)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, sessRepo.UpdateStatus(sessID, schema.SessionStopped, "", &now))

	meta := schema.SessionMetadata{PointsRead: 42, ErrorCount: 1}
	require.NoError(t, sessRepo.UpdateMetadata(sessID, meta))

	sess, err := sessRepo.ByID(sessID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStopped, sess.Status)
	require.NotNil(t, sess.StoppedAt)
	assert.Equal(t, int64(42), sess.Metadata.PointsRead)
	assert.Equal(t, int64(1), sess.Metadata.ErrorCount)
}

func TestSessionRepository_RunningForTask(t *testing.T) {
	setup(t)
	taskRepo := NewTaskRepository()
	taskID, err := taskRepo.Upsert(sampleTask("task-session-3"))
	require.NoError(t, err)

	sessRepo := NewSessionRepository()
	sessID, err := sessRepo.Create(taskID)
	require.NoError(t, err)

	running, err := sessRepo.RunningForTask(taskID)
	require.NoError(t, err)
	assert.Contains(t, running, sessID)

	require.NoError(t, sessRepo.UpdateStatus(sessID, schema.SessionStopped, "", nil))
	running, err = sessRepo.RunningForTask(taskID)
	require.NoError(t, err)
	assert.NotContains(t, running, sessID)
}

func TestSessionRepository_RecoverStaleSessions(t *testing.T) {
	setup(t)
	taskRepo := NewTaskRepository()
	taskID, err := taskRepo.Upsert(sampleTask("task-session-stale"))
	require.NoError(t, err)

	sessRepo := NewSessionRepository()
	_, err = sessRepo.Create(taskID)
	require.NoError(t, err)

	codes, err := sessRepo.RecoverStaleSessions()
	require.NoError(t, err)
	assert.Contains(t, codes, "task-session-stale")

	running, err := sessRepo.RunningForTask(taskID)
	require.NoError(t, err)
	assert.Empty(t, running)
}
