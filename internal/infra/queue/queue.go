// Package queue is the port to the background job queue plus its Asynq
// adapter. Services depend on the interface so tests can swap in a mock.
package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/tasks"
)

// Enqueuer schedules background jobs.
type Enqueuer interface {
	EnqueueRoomTeardown(ctx context.Context, room domain.RoomID) error
}

// AsynqEnqueuer implements Enqueuer on an asynq client.
type AsynqEnqueuer struct {
	client *asynq.Client
	log    *logrus.Entry
}

func NewAsynqEnqueuer(client *asynq.Client, log *logrus.Logger) *AsynqEnqueuer {
	if client == nil {
		panic("queue: asynq client is nil")
	}
	if log == nil {
		panic("queue: logger is nil")
	}
	return &AsynqEnqueuer{client: client, log: log.WithField("component", "queue")}
}

func (e *AsynqEnqueuer) EnqueueRoomTeardown(ctx context.Context, room domain.RoomID) error {
	task, err := tasks.NewRoomTeardownTask(room)
	if err != nil {
		return err
	}
	info, err := e.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("queue: enqueue room teardown: %w", err)
	}
	e.log.WithFields(logrus.Fields{
		"task_id": info.ID,
		"room":    room,
	}).Debug("enqueued room teardown")
	return nil
}
