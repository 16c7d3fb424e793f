// Package worker runs the background job server and the periodic scheduler.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/repository"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
	"github.com/opencloud-community/ot-controller-sub009/internal/tasks"
)

// WorkerServer wraps the asynq server and scheduler lifecycle.
type WorkerServer struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	log       *logrus.Entry

	rooms       repository.RoomRepository
	storage     signaling.Storage
	sweepCutoff time.Duration
	logger      *logrus.Logger
}

type WorkerConfig struct {
	RedisOpt      asynq.RedisClientOpt
	Rooms         repository.RoomRepository
	Storage       signaling.Storage
	SweepInterval time.Duration
	SweepCutoff   time.Duration
}

func NewWorkerServer(cfg WorkerConfig, logger *logrus.Logger) *WorkerServer {
	logEntry := logger.WithField("component", "worker_server")

	server := asynq.NewServer(cfg.RedisOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retryCount, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logEntry.WithFields(logrus.Fields{
				"task_type": task.Type(),
				"retries":   retryCount,
				"max_retry": maxRetry,
			}).Errorf("task failed: %v", err)
		}),
	})

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	scheduler := asynq.NewScheduler(cfg.RedisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	if _, err := scheduler.Register("@every "+interval.String(), tasks.NewRoomSweepTask()); err != nil {
		logEntry.Fatalf("could not register sweep schedule: %v", err)
	}

	return &WorkerServer{
		server:      server,
		scheduler:   scheduler,
		log:         logEntry,
		rooms:       cfg.Rooms,
		storage:     cfg.Storage,
		sweepCutoff: cfg.SweepCutoff,
		logger:      logger,
	}
}

// Start runs the job server and the scheduler. Call from separate
// goroutines; both block until shutdown.
func (ws *WorkerServer) Start() {
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeRoomTeardown, NewRoomTeardownHandler(ws.rooms, ws.storage, ws.logger).ProcessTask)
	mux.HandleFunc(tasks.TypeRoomSweep, NewRoomSweepHandler(ws.rooms, ws.storage, ws.sweepCutoff, ws.logger).ProcessTask)

	go func() {
		ws.log.Info("scheduler starting")
		if err := ws.scheduler.Run(); err != nil {
			ws.log.Errorf("scheduler stopped: %v", err)
		}
	}()

	ws.log.Info("worker server starting")
	if err := ws.server.Run(mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		ws.log.Fatalf("could not run worker server: %v", err)
	}
}

// Shutdown stops the scheduler and drains the job server.
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("shutting down worker server")
	ws.scheduler.Shutdown()
	ws.server.Shutdown()
}
