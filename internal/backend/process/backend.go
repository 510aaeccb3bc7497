// Package process implements the process-pool backend: every job runs in its
// own child process, in its own process group, so the serving process is
// never blocked and a job's whole process tree can be killed.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/longcall/internal/backend"
	"github.com/seantiz/longcall/internal/worker"
)

// Name is the backend name carried by handles it issues.
const Name = "process"

// ChildCommand is the hidden subcommand a child runs by default.
const ChildCommand = "_job"

const (
	defaultMaxConcurrent = 8
	defaultKillWait      = 5 * time.Second
	finishedRetention    = 10 * time.Minute
)

// Config configures the process backend.
type Config struct {
	// Command is the child command line. Defaults to this executable
	// followed by ChildCommand.
	Command []string
	// Env is appended to the child's inherited environment.
	Env []string
	// MaxConcurrent bounds how many children run at once.
	MaxConcurrent int
	// KillWait bounds how long Terminate waits for a killed child to be reaped.
	KillWait time.Duration
	Logger   *slog.Logger
}

// child tracks one spawned worker process.
type child struct {
	handle  backend.Handle
	cmd     *exec.Cmd
	done    chan struct{}
	killed  atomic.Bool
	outcome *worker.Outcome // set before done closes
	waitErr error           // set before done closes
	endedAt time.Time       // set before done closes
}

func (c *child) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Backend runs jobs in child processes.
type Backend struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu       sync.Mutex
	children map[string]*child
	closed   bool
	wg       sync.WaitGroup
}

// New creates a process backend.
func New(cfg Config) (*Backend, error) {
	if len(cfg.Command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		cfg.Command = []string{exe, ChildCommand}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = defaultKillWait
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Backend{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:   cfg.Logger.With("backend", Name),
		children: make(map[string]*child),
	}, nil
}

// Name returns the backend name.
func (b *Backend) Name() string { return Name }

// Capabilities reports what the process backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           Name,
		KillsTree:      true,
		MaxConcurrency: b.cfg.MaxConcurrent,
	}
}

// Submit spawns a child for job and returns once the request has been
// handed to it. It fails fast with ErrPoolFull when every slot is busy.
func (b *Backend) Submit(ctx context.Context, job backend.Job) (backend.Handle, error) {
	b.mu.Lock()
	closed := b.closed
	b.pruneLocked()
	b.mu.Unlock()
	if closed {
		return backend.Handle{}, fmt.Errorf("%w: backend closed", backend.ErrUnavailable)
	}

	if !b.sem.TryAcquire(1) {
		return backend.Handle{}, backend.ErrPoolFull
	}

	c, err := b.spawn(ctx, job)
	if err != nil {
		return backend.Handle{}, err
	}

	b.mu.Lock()
	b.children[job.ID] = c
	b.mu.Unlock()
	return c.handle, nil
}

// spawn starts the child process and sends it the job. The child outlives
// ctx, which only bounds the handoff. spawn takes over the caller's pool
// slot: it frees the slot itself when the child never starts, and once the
// child is running only reap frees it.
func (b *Backend) spawn(ctx context.Context, job backend.Job) (*child, error) {
	cmd := exec.Command(b.cfg.Command[0], b.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	notStarted := func(what string, err error) (*child, error) {
		b.sem.Release(1)
		return nil, fmt.Errorf("%w: %s: %v", backend.ErrUnavailable, what, err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return notStarted("stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return notStarted("stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return notStarted("stderr pipe", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return notStarted("spawn worker", err)
	}
	activeProcesses.Inc()

	pid := cmd.Process.Pid
	c := &child{
		cmd:  cmd,
		done: make(chan struct{}),
		handle: backend.Handle{
			ID:        job.ID,
			Backend:   Name,
			Key:       job.Key,
			Function:  job.Function,
			PID:       pid,
			PGID:      pid,
			StartTime: createTime(ctx, pid),
			CreatedAt: start.UTC(),
		},
	}
	logger := b.logger.With("job_id", job.ID, "pid", pid)

	b.wg.Add(1)
	go b.reap(c, stdout, stderr, start, logger)

	err = worker.WriteMessage(stdin, worker.Request{Job: job})
	stdin.Close()
	if err != nil {
		// reap has freed the slot by the time done closes.
		c.killed.Store(true)
		_, _ = killTree(context.Background(), pid, pid)
		<-c.done
		return nil, fmt.Errorf("%w: send request: %v", backend.ErrUnavailable, err)
	}

	logger.Debug("worker spawned", "function", job.Name)
	return c, nil
}

// reap drains the child's output, waits for it to exit and frees its slot.
func (b *Backend) reap(c *child, stdout, stderr io.Reader, start time.Time, logger *slog.Logger) {
	defer b.wg.Done()

	var pipes sync.WaitGroup
	pipes.Go(func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("worker output", "line", scanner.Text())
		}
	})

	var outcome *worker.Outcome
	for {
		var msg worker.Message
		if err := worker.ReadMessage(stdout, &msg); err != nil {
			break
		}
		switch msg.Type {
		case worker.MsgTypeStarted:
			spawnDuration.Observe(time.Since(start).Seconds())
		case worker.MsgTypeResult:
			outcome = msg.Outcome
		}
	}
	_, _ = io.Copy(io.Discard, stdout)
	pipes.Wait()

	waitErr := c.cmd.Wait()

	c.outcome = outcome
	c.waitErr = waitErr
	c.endedAt = time.Now()
	close(c.done)

	activeProcesses.Dec()
	b.sem.Release(1)

	switch {
	case c.killed.Load():
		jobsTotal.WithLabelValues(outcomeKilled).Inc()
		logger.Info("worker killed")
	case outcome == nil:
		jobsTotal.WithLabelValues(outcomeLost).Inc()
		logger.Warn("worker exited without a result", "error", waitErr)
	case outcome.Status == worker.StatusFailed || waitErr != nil:
		jobsTotal.WithLabelValues(outcomeFailed).Inc()
		logger.Warn("worker failed", "status", outcome.Status, "error", outcome.Error, "wait_error", waitErr)
	default:
		jobsTotal.WithLabelValues(outcomeCompleted).Inc()
		logger.Debug("worker finished", "status", outcome.Status, "duration_ms", outcome.DurationMS)
	}
}

// pruneLocked forgets children that finished long ago. b.mu must be held.
func (b *Backend) pruneLocked() {
	cutoff := time.Now().Add(-finishedRetention)
	for id, c := range b.children {
		if c.finished() && c.endedAt.Before(cutoff) {
			delete(b.children, id)
		}
	}
}

func (b *Backend) lookup(h backend.Handle) (*child, error) {
	if h.Backend != Name {
		return nil, fmt.Errorf("%w: %q", backend.ErrForeignHandle, h.Backend)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.children[h.ID], nil
}

// Running reports whether the job's process is alive. Handles issued by
// another serving process are checked against the OS process table.
func (b *Backend) Running(ctx context.Context, h backend.Handle) (bool, error) {
	c, err := b.lookup(h)
	if err != nil {
		return false, err
	}
	if c != nil {
		return !c.finished(), nil
	}
	return alive(ctx, h.PID, h.StartTime), nil
}

// Unhealthy reports whether the job's process exited without completing:
// killed, crashed, or failed to write its result.
func (b *Backend) Unhealthy(ctx context.Context, h backend.Handle) (bool, error) {
	c, err := b.lookup(h)
	if err != nil {
		return false, err
	}
	if c == nil {
		return !alive(ctx, h.PID, h.StartTime), nil
	}
	if !c.finished() {
		return false, nil
	}
	if c.outcome == nil || c.waitErr != nil {
		return true, nil
	}
	return c.outcome.Status == worker.StatusFailed, nil
}

// Terminate kills the job's whole process tree and waits for the child to
// be reaped. Finished and unknown jobs are a no-op.
func (b *Backend) Terminate(ctx context.Context, h backend.Handle) error {
	c, err := b.lookup(h)
	if err != nil {
		return err
	}

	if c == nil {
		if !alive(ctx, h.PID, h.StartTime) {
			return nil
		}
		n, err := killTree(ctx, h.PID, h.PGID)
		killedProcesses.Add(float64(n))
		if err != nil {
			return fmt.Errorf("kill process tree %d: %w", h.PID, err)
		}
		return nil
	}

	defer func() {
		b.mu.Lock()
		if c.finished() {
			delete(b.children, h.ID)
		}
		b.mu.Unlock()
	}()

	if c.finished() {
		return nil
	}

	c.killed.Store(true)
	n, err := killTree(ctx, h.PID, h.PGID)
	killedProcesses.Add(float64(n))
	if err != nil {
		return fmt.Errorf("kill process tree %d: %w", h.PID, err)
	}

	timer := time.NewTimer(b.cfg.KillWait)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("process %d not reaped after %s", h.PID, b.cfg.KillWait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close kills every running child and waits for them to be reaped.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	running := make([]backend.Handle, 0, len(b.children))
	for _, c := range b.children {
		if !c.finished() {
			running = append(running, c.handle)
		}
	}
	b.mu.Unlock()

	g, ctx := errgroup.WithContext(context.Background())
	for _, h := range running {
		g.Go(func() error { return b.Terminate(ctx, h) })
	}
	err := g.Wait()
	b.wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("terminate workers: %w", err)
	}
	return nil
}
