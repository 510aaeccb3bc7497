package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/seantiz/longcall/internal/backend"
	"github.com/seantiz/longcall/internal/codec"
	"github.com/seantiz/longcall/internal/jobfn"
	"github.com/seantiz/longcall/internal/store"
	"github.com/seantiz/longcall/internal/worker"
)

const defaultShutdownTimeout = 10 * time.Second

// WorkerConfig configures a queue worker.
type WorkerConfig struct {
	Redis       asynq.RedisConnOpt
	Queue       string
	Concurrency int
	Registry    *jobfn.Registry
	// Store, when set, receives every result. Otherwise each job's store
	// locator is opened and kept for reuse.
	Store           store.Store
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// BrokerLogger receives asynq's own log output.
	BrokerLogger asynq.Logger
}

// Worker consumes job tasks and runs them.
type Worker struct {
	cfg    WorkerConfig
	logger *slog.Logger

	mu     sync.Mutex
	stores map[store.Locator]store.Store
}

// NewWorker creates a queue worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Queue == "" {
		cfg.Queue = defaultQueue
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "queue_worker", "queue", cfg.Queue),
		stores: make(map[store.Locator]store.Store),
	}
}

// Mux routes every registered function's task type to HandleTask. Tasks of
// unknown types fail and, with no retries, are archived.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, f := range w.cfg.Registry.List() {
		mux.HandleFunc(f.TaskName(), w.HandleTask)
		w.logger.Info("registered task", "function", f.Name, "task_type", f.TaskName())
	}
	return mux
}

// HandleTask decodes and executes one job task.
func (w *Worker) HandleTask(ctx context.Context, t *asynq.Task) error {
	var job backend.Job
	if err := (codec.Msgpack{}).Unmarshal(t.Payload(), &job); err != nil {
		tasksProcessed.WithLabelValues(worker.StatusFailed).Inc()
		return fmt.Errorf("decode task payload: %v: %w", err, asynq.SkipRetry)
	}
	if t.Type() != jobfn.TaskName(job.Function) {
		tasksProcessed.WithLabelValues(worker.StatusFailed).Inc()
		return fmt.Errorf("task type %q does not match function %s: %w", t.Type(), job.Function, asynq.SkipRetry)
	}

	s, err := w.storeFor(ctx, job.Store)
	if err != nil {
		tasksProcessed.WithLabelValues(worker.StatusFailed).Inc()
		return fmt.Errorf("open result store: %w", err)
	}

	start := time.Now()
	o := worker.Execute(ctx, worker.Env{Registry: w.cfg.Registry, Store: s, Logger: w.logger}, job)
	taskDuration.Observe(time.Since(start).Seconds())
	tasksProcessed.WithLabelValues(o.Status).Inc()

	switch o.Status {
	case worker.StatusFailed:
		return fmt.Errorf("job %s: %s: %w", job.ID, o.Error, asynq.SkipRetry)
	case worker.StatusCancelled:
		return ctx.Err()
	}
	return nil
}

func (w *Worker) storeFor(ctx context.Context, loc store.Locator) (store.Store, error) {
	if w.cfg.Store != nil {
		return w.cfg.Store, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.stores[loc]; ok {
		return s, nil
	}
	s, err := store.Open(ctx, loc)
	if err != nil {
		return nil, err
	}
	w.stores[loc] = s
	return s, nil
}

// Run processes tasks until ctx is cancelled, then drains in-flight tasks
// and closes the stores it opened.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.Redis == nil {
		return errors.New("queue worker: redis connection is required")
	}
	srv := asynq.NewServer(w.cfg.Redis, asynq.Config{
		Concurrency:     w.cfg.Concurrency,
		Queues:          map[string]int{w.cfg.Queue: 1},
		ShutdownTimeout: w.cfg.ShutdownTimeout,
		Logger:          w.cfg.BrokerLogger,
		LogLevel:        asynq.WarnLevel,
	})

	if err := srv.Start(w.Mux()); err != nil {
		return fmt.Errorf("start queue worker: %w", err)
	}
	w.logger.Info("queue worker started", "concurrency", w.cfg.Concurrency)

	<-ctx.Done()
	w.logger.Info("queue worker shutting down")
	srv.Shutdown()

	return w.closeStores()
}

func (w *Worker) closeStores() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for loc, s := range w.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store %s: %w", loc.Driver, err))
		}
		delete(w.stores, loc)
	}
	return errors.Join(errs...)
}
