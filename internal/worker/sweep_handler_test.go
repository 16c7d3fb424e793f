package worker_test

import (
	"context"
	"testing"
	"time"

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

func TestRoomSweepHandler_ClosesInactiveRooms(t *testing.T) {
	// Arrange
	mockRooms := new(mocks.RoomRepository)
	storage := signalingtest.NewStorage()
	handler := worker.NewRoomSweepHandler(mockRooms, storage, time.Hour, testLogger())
	ctx := context.Background()

	stale := []domain.Room{{ID: "r1"}, {ID: "r2"}}
	_, err := storage.AddToSet(ctx, signaling.PresenceKey("r1"), "ghost")
	require.NoError(t, err)

	mockRooms.On("FindInactiveSince", ctx, mock.AnythingOfType("time.Time"), 100).Return(stale, nil).Once()
	mockRooms.On("MarkClosed", ctx, domain.RoomID("r1")).Return(nil).Once()
	mockRooms.On("MarkClosed", ctx, domain.RoomID("r2")).Return(nil).Once()

	// Act
	err = handler.ProcessTask(ctx, tasks.NewRoomSweepTask())

	// Assert
	assert.NoError(t, err)
	ghosts, err := storage.SetMembers(ctx, signaling.PresenceKey("r1"))
	require.NoError(t, err)
	assert.Empty(t, ghosts)
	mockRooms.AssertExpectations(t)
}

func TestRoomSweepHandler_NothingToSweep(t *testing.T) {
	mockRooms := new(mocks.RoomRepository)
	handler := worker.NewRoomSweepHandler(mockRooms, signalingtest.NewStorage(), time.Hour, testLogger())
	ctx := context.Background()

	mockRooms.On("FindInactiveSince", ctx, mock.AnythingOfType("time.Time"), 100).Return(nil, nil).Once()

	err := handler.ProcessTask(ctx, tasks.NewRoomSweepTask())

	assert.NoError(t, err)
	mockRooms.AssertNotCalled(t, "MarkClosed", mock.Anything, mock.Anything)
}
