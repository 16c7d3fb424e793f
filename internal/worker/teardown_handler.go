package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/repository"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
	"github.com/opencloud-community/ot-controller-sub009/internal/tasks"
)

// RoomTeardownHandler finalizes a room after its last participant left. The
// departing runner already destroyed the module state; this job updates the
// persistent record and removes the room-level keys the runner does not own
// exclusively.
type RoomTeardownHandler struct {
	rooms   repository.RoomRepository
	storage signaling.Storage
	log     *logrus.Entry
}

func NewRoomTeardownHandler(rooms repository.RoomRepository, storage signaling.Storage, logger *logrus.Logger) *RoomTeardownHandler {
	if rooms == nil {
		panic("worker: room repository is nil")
	}
	if storage == nil {
		panic("worker: storage is nil")
	}
	return &RoomTeardownHandler{
		rooms:   rooms,
		storage: storage,
		log:     logger.WithField("component", "room_teardown"),
	}
}

func (h *RoomTeardownHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload tasks.RoomTeardownPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.log.WithError(err).Error("failed to unmarshal teardown payload")
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	logCtx := h.log.WithField("room", payload.RoomID)

	// A participant may have joined again between the destroy and this job
	// running; in that case the room is live and must be left alone.
	members, err := h.storage.SetMembers(ctx, signaling.PresenceKey(payload.RoomID))
	if err != nil {
		return fmt.Errorf("check presence: %w", err)
	}
	if len(members) > 0 {
		logCtx.Info("room repopulated, skipping teardown")
		return nil
	}

	if err := h.storage.Del(ctx,
		signaling.PresenceKey(payload.RoomID),
		signaling.BanKey(payload.RoomID),
	); err != nil {
		return fmt.Errorf("delete room keys: %w", err)
	}

	if err := h.rooms.TouchLastActive(ctx, payload.RoomID, clockNow()); err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			logCtx.Warn("room record missing during teardown")
			return nil
		}
		return fmt.Errorf("touch room: %w", err)
	}
	logCtx.Info("room torn down")
	return nil
}
