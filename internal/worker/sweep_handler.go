package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/repository"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

// sweepBatch bounds how many rooms one sweep run closes.
const sweepBatch = 100

func clockNow() time.Time { return time.Now() }

// RoomSweepHandler closes rooms that have been inactive past the cutoff.
// This is the backstop for controllers that crashed mid-meeting and never
// ran teardown: their presence sets would otherwise pin stale state forever.
type RoomSweepHandler struct {
	rooms   repository.RoomRepository
	storage signaling.Storage
	cutoff  time.Duration
	log     *logrus.Entry
}

func NewRoomSweepHandler(rooms repository.RoomRepository, storage signaling.Storage, cutoff time.Duration, logger *logrus.Logger) *RoomSweepHandler {
	if rooms == nil {
		panic("worker: room repository is nil")
	}
	if storage == nil {
		panic("worker: storage is nil")
	}
	if cutoff <= 0 {
		cutoff = 24 * time.Hour
	}
	return &RoomSweepHandler{
		rooms:   rooms,
		storage: storage,
		cutoff:  cutoff,
		log:     logger.WithField("component", "room_sweep"),
	}
}

func (h *RoomSweepHandler) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	stale, err := h.rooms.FindInactiveSince(ctx, clockNow().Add(-h.cutoff), sweepBatch)
	if err != nil {
		return fmt.Errorf("find inactive rooms: %w", err)
	}
	swept := 0
	for _, room := range stale {
		logCtx := h.log.WithField("room", room.ID)
		if err := h.storage.Del(ctx,
			signaling.PresenceKey(room.ID),
			signaling.BanKey(room.ID),
		); err != nil {
			logCtx.WithError(err).Warn("failed to delete stale room keys")
			continue
		}
		if err := h.rooms.MarkClosed(ctx, room.ID); err != nil {
			logCtx.WithError(err).Warn("failed to close stale room")
			continue
		}
		swept++
	}
	if swept > 0 {
		h.log.WithField("count", swept).Info("swept inactive rooms")
	}
	return nil
}
