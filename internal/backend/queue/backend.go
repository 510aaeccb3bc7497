// Package queue implements the distributed backend on an asynq (Redis)
// task queue. Each registered function is a task type named after its
// content-addressed identity, so workers running different code never pick
// up each other's tasks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/seantiz/longcall/internal/backend"
	"github.com/seantiz/longcall/internal/codec"
	"github.com/seantiz/longcall/internal/jobfn"
)

// Name is the backend name carried by handles it issues.
const Name = "queue"

const (
	defaultQueue     = "longcall"
	defaultRetention = time.Hour
	defaultTimeout   = time.Hour
)

// Config configures the queue backend.
type Config struct {
	Redis asynq.RedisConnOpt
	// Queue is the asynq queue jobs are enqueued on.
	Queue string
	// Retention keeps finished tasks inspectable so their state can be
	// told apart from revoked ones.
	Retention time.Duration
	// Timeout bounds a single task's execution on the worker.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Queue == "" {
		c.Queue = defaultQueue
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// enqueuer is the part of *asynq.Client the backend uses.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// inspector is the part of *asynq.Inspector the backend uses.
type inspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
	Close() error
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Backend submits jobs as asynq tasks.
type Backend struct {
	cfg       Config
	client    enqueuer
	inspector inspector
	logger    *slog.Logger
}

// New connects a queue backend to the broker.
func New(cfg Config) (*Backend, error) {
	if cfg.Redis == nil {
		return nil, errors.New("queue backend: redis connection is required")
	}
	cfg.setDefaults()
	return newBackend(cfg, asynq.NewClient(cfg.Redis), asynq.NewInspector(cfg.Redis)), nil
}

func newBackend(cfg Config, client enqueuer, insp inspector) *Backend {
	cfg.setDefaults()
	return &Backend{
		cfg:       cfg,
		client:    client,
		inspector: insp,
		logger:    cfg.Logger.With("backend", Name, "queue", cfg.Queue),
	}
}

// Name returns the backend name.
func (b *Backend) Name() string { return Name }

// Capabilities reports what the queue backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: Name, Distributed: true}
}

// Submit enqueues job under its function's task name. The job ID doubles
// as the task ID, so a job is never enqueued twice.
func (b *Backend) Submit(ctx context.Context, job backend.Job) (backend.Handle, error) {
	payload, err := codec.Msgpack{}.Marshal(job)
	if err != nil {
		return backend.Handle{}, fmt.Errorf("encode task payload: %w", err)
	}

	task := asynq.NewTask(jobfn.TaskName(job.Function), payload)
	info, err := b.client.EnqueueContext(ctx, task,
		asynq.TaskID(job.ID),
		asynq.Queue(b.cfg.Queue),
		asynq.MaxRetry(0),
		asynq.Retention(b.cfg.Retention),
		asynq.Timeout(b.cfg.Timeout),
	)
	if err != nil {
		return backend.Handle{}, fmt.Errorf("%w: enqueue task: %v", backend.ErrUnavailable, err)
	}
	tasksEnqueued.WithLabelValues(info.Queue).Inc()
	b.logger.Debug("task enqueued", "job_id", job.ID, "task_type", task.Type())

	return backend.Handle{
		ID:        job.ID,
		Backend:   Name,
		Key:       job.Key,
		Function:  job.Function,
		TaskID:    info.ID,
		Queue:     info.Queue,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// taskInfo fetches the task's state. A nil info with nil error means the
// broker no longer knows the task.
func (b *Backend) taskInfo(h backend.Handle) (*asynq.TaskInfo, error) {
	if h.Backend != Name {
		return nil, fmt.Errorf("%w: %q", backend.ErrForeignHandle, h.Backend)
	}
	info, err := b.inspector.GetTaskInfo(h.Queue, h.TaskID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task info: %w", err)
	}
	return info, nil
}

// Running maps queued and executing broker states to true.
func (b *Backend) Running(_ context.Context, h backend.Handle) (bool, error) {
	info, err := b.taskInfo(h)
	if err != nil || info == nil {
		return false, err
	}
	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateActive,
		asynq.TaskStateRetry, asynq.TaskStateAggregating:
		return true, nil
	}
	return false, nil
}

// Unhealthy reports archived tasks (failed or cancelled) and tasks the
// broker no longer knows (revoked).
func (b *Backend) Unhealthy(_ context.Context, h backend.Handle) (bool, error) {
	info, err := b.taskInfo(h)
	if err != nil {
		return false, err
	}
	if info == nil {
		return true, nil
	}
	return info.State == asynq.TaskStateArchived, nil
}

// Terminate revokes the task: queued tasks are deleted and an executing
// task has its handler context cancelled.
func (b *Backend) Terminate(_ context.Context, h backend.Handle) error {
	info, err := b.taskInfo(h)
	if err != nil || info == nil {
		return err
	}

	if info.State != asynq.TaskStateActive {
		err := b.inspector.DeleteTask(h.Queue, h.TaskID)
		if err == nil || isNotFound(err) {
			return nil
		}
		// The task may have gone active since it was inspected.
		b.logger.Debug("delete task failed, cancelling instead", "task_id", h.TaskID, "error", err)
	}

	if err := b.inspector.CancelProcessing(h.TaskID); err != nil && !isNotFound(err) {
		return fmt.Errorf("cancel task %s: %w", h.TaskID, err)
	}
	return nil
}

// Close closes the broker connections.
func (b *Backend) Close() error {
	return errors.Join(b.client.Close(), b.inspector.Close())
}

func isNotFound(err error) bool {
	return errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound)
}
