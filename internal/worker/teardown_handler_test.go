package worker_test

import (
	"context"
	"io"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/repository/mocks"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling/signalingtest"
	"github.com/opencloud-community/ot-controller-sub009/internal/tasks"
	"github.com/opencloud-community/ot-controller-sub009/internal/worker"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRoomTeardownHandler_ClearsRoomKeys(t *testing.T) {
	// Arrange
	mockRooms := new(mocks.RoomRepository)
	storage := signalingtest.NewStorage()
	handler := worker.NewRoomTeardownHandler(mockRooms, storage, testLogger())
	ctx := context.Background()

	_, err := storage.AddToSet(ctx, signaling.BanKey("r1"), "u2")
	require.NoError(t, err)
	mockRooms.On("TouchLastActive", ctx, domain.RoomID("r1"), mock.AnythingOfType("time.Time")).Return(nil).Once()

	task, err := tasks.NewRoomTeardownTask("r1")
	require.NoError(t, err)

	// Act
	err = handler.ProcessTask(ctx, task)

	// Assert
	assert.NoError(t, err)
	banned, err := storage.SetMembers(ctx, signaling.BanKey("r1"))
	require.NoError(t, err)
	assert.Empty(t, banned)
	mockRooms.AssertExpectations(t)
}

func TestRoomTeardownHandler_SkipsRepopulatedRoom(t *testing.T) {
	mockRooms := new(mocks.RoomRepository)
	storage := signalingtest.NewStorage()
	handler := worker.NewRoomTeardownHandler(mockRooms, storage, testLogger())
	ctx := context.Background()

	// Someone joined again between the last leave and this job running.
	_, err := storage.AddToSet(ctx, signaling.PresenceKey("r1"), "p5")
	require.NoError(t, err)
	_, err = storage.AddToSet(ctx, signaling.BanKey("r1"), "u2")
	require.NoError(t, err)

	task, err := tasks.NewRoomTeardownTask("r1")
	require.NoError(t, err)

	err = handler.ProcessTask(ctx, task)

	assert.NoError(t, err)
	banned, err := storage.SetMembers(ctx, signaling.BanKey("r1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, banned)
	mockRooms.AssertNotCalled(t, "TouchLastActive", mock.Anything, mock.Anything, mock.Anything)
}

func TestRoomTeardownHandler_SkipsRetryOnBadPayload(t *testing.T) {
	handler := worker.NewRoomTeardownHandler(new(mocks.RoomRepository), signalingtest.NewStorage(), testLogger())

	task := asynq.NewTask(tasks.TypeRoomTeardown, []byte("not json"))
	err := handler.ProcessTask(context.Background(), task)

	assert.ErrorIs(t, err, asynq.SkipRetry)
}
