package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/internal/logger"
)

// Handler runs one Task to completion. A returned error marked
// jobmodel.ErrTransientUpstream (or wrapping it) is retried per
// spec.md §4.8's task-level retry policy; any other error fails the
// task outright.
type Handler func(ctx context.Context, task *Task) error

// WorkerConfig mirrors the relevant §6 environment variables governing
// one worker process's lifetime and per-task limits.
type WorkerConfig struct {
	Queue          string
	ConsumerGroup  string
	ConsumerID     string
	MaxTasks       int           // bounded lifetime: restart after N tasks (0 = unbounded)
	HardTimeLimit  time.Duration // default 1h
	SoftTimeLimit  time.Duration // warning fires this long after the task starts (default HardTimeLimit-5m)
	MaxRetries     int           // cap for chunk-level task retries (default 3)
	DequeueTimeout time.Duration
}

func (c *WorkerConfig) applyDefaults() {
	if c.HardTimeLimit <= 0 {
		c.HardTimeLimit = time.Hour
	}
	if c.SoftTimeLimit <= 0 {
		c.SoftTimeLimit = c.HardTimeLimit - 5*time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = 5 * time.Second
	}
}

// CancelPoller lets the worker observe a best-effort terminate request
// recorded in the catalog between natural pause points (spec.md §4.8
// "the worker additionally polls its own job row between natural pause
// points").
type CancelPoller interface {
	IsCancelled(ctx context.Context, jobID string) (bool, error)
}

// Worker pulls Tasks from one queue and runs them through handle until
// MaxTasks is reached or ctx is cancelled, then returns so the owning
// process can exit and be restarted — bounding per-process memory
// growth (spec.md §4.8).
type Worker struct {
	backend QueueBackend
	cfg     WorkerConfig
	handle  Handler
	cancel  CancelPoller
	zlog    *zerolog.Logger
}

func NewWorker(backend QueueBackend, cfg WorkerConfig, handle Handler, cancel CancelPoller, zlog *zerolog.Logger) *Worker {
	cfg.applyDefaults()
	return &Worker{backend: backend, cfg: cfg, handle: handle, cancel: cancel, zlog: zlog}
}

// Run loops dequeue→handle→ack/nack until ctx is done or MaxTasks tasks
// have been processed, then returns nil.
func (w *Worker) Run(ctx context.Context) error {
	log := logger.FromContext(ctx, w.zlog)
	processed := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.cfg.MaxTasks > 0 && processed >= w.cfg.MaxTasks {
			log.Info().Int("processed", processed).Msg("worker reached bounded lifetime, exiting for restart")
			return nil
		}

		task, err := w.backend.Dequeue(ctx, w.cfg.Queue, DequeueOptions{
			Timeout:       w.cfg.DequeueTimeout,
			ConsumerGroup: w.cfg.ConsumerGroup,
			ConsumerID:    w.cfg.ConsumerID,
		})
		if err != nil {
			log.Warn().Err(err).Str("queue", w.cfg.Queue).Msg("dequeue failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if task == nil {
			continue
		}

		if w.cancel != nil && task.JobID != "" {
			if cancelled, _ := w.cancel.IsCancelled(ctx, task.JobID); cancelled {
				_ = w.backend.Ack(ctx, w.cfg.Queue, task)
				continue
			}
		}

		w.runOne(ctx, task)
		processed++
	}
}

func (w *Worker) runOne(ctx context.Context, task *Task) {
	log := logger.FromContext(ctx, w.zlog)
	taskCtx, stop := context.WithTimeout(ctx, w.cfg.HardTimeLimit)
	defer stop()

	warnTimer := time.AfterFunc(w.cfg.SoftTimeLimit, func() {
		log.Warn().Str("task_id", task.ID).Str("queue", w.cfg.Queue).Msg("task approaching hard time limit")
	})
	defer warnTimer.Stop()

	err := w.handle(taskCtx, task)
	if err == nil {
		if ackErr := w.backend.Ack(ctx, w.cfg.Queue, task); ackErr != nil {
			log.Error().Err(ackErr).Str("task_id", task.ID).Msg("ack failed")
		}
		return
	}

	if jobmodel.IsCancelled(err) {
		_ = w.backend.Ack(ctx, w.cfg.Queue, task)
		return
	}

	retryable := jobmodel.IsTransient(err)
	if retryable && task.Attempt < w.cfg.MaxRetries {
		log.Warn().Err(err).Str("task_id", task.ID).Int("attempt", task.Attempt+1).Msg("task failed, requeueing")
		_ = w.backend.Nack(ctx, w.cfg.Queue, task, true)
		return
	}

	log.Error().Err(err).Str("task_id", task.ID).Msg("task failed permanently")
	_ = w.backend.Nack(ctx, w.cfg.Queue, task, false)
}
