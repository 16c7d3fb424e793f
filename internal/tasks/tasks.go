// Package tasks defines the background job types and their payloads.
package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

const (
	// TypeRoomTeardown finalizes a room after its last participant left:
	// bump the persistent record and clear leftover volatile keys.
	TypeRoomTeardown = "room:teardown"
	// TypeRoomSweep is the periodic job closing rooms that have been
	// inactive for too long, including rooms abandoned through crashed
	// controllers.
	TypeRoomSweep = "room:sweep"
)

// RoomTeardownPayload carries the room being finalized.
type RoomTeardownPayload struct {
	RoomID domain.RoomID `json:"room_id"`
}

func NewRoomTeardownTask(room domain.RoomID) (*asynq.Task, error) {
	payload, err := json.Marshal(RoomTeardownPayload{RoomID: room})
	if err != nil {
		return nil, fmt.Errorf("tasks: marshal teardown payload: %w", err)
	}
	return asynq.NewTask(TypeRoomTeardown, payload, asynq.MaxRetry(5)), nil
}

func NewRoomSweepTask() *asynq.Task {
	return asynq.NewTask(TypeRoomSweep, nil, asynq.MaxRetry(0))
}
