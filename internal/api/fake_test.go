package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/longcall/internal/backend"
	"github.com/seantiz/longcall/internal/jobfn"
	"github.com/seantiz/longcall/internal/store"
	"github.com/seantiz/longcall/internal/worker"
)

// goroutineBackend executes jobs in-process against the shared store.
type goroutineBackend struct {
	store    store.Store
	registry *jobfn.Registry

	mu        sync.Mutex
	jobs      map[string]*goroutineJob
	unhealthy map[string]bool
}

type goroutineJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newGoroutineBackend(s store.Store, reg *jobfn.Registry) *goroutineBackend {
	return &goroutineBackend{
		store:     s,
		registry:  reg,
		jobs:      make(map[string]*goroutineJob),
		unhealthy: make(map[string]bool),
	}
}

func (b *goroutineBackend) Name() string { return "goroutine" }

func (b *goroutineBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "goroutine", MaxConcurrency: 4}
}

func (b *goroutineBackend) Submit(_ context.Context, job backend.Job) (backend.Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	j := &goroutineJob{cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.jobs[job.ID] = j
	b.mu.Unlock()

	go func() {
		defer close(j.done)
		worker.Execute(ctx, worker.Env{Registry: b.registry, Store: b.store}, job)
	}()
	return backend.Handle{ID: job.ID, Backend: "goroutine", Key: job.Key, Function: job.Function, CreatedAt: time.Now().UTC()}, nil
}

func (b *goroutineBackend) get(id string) *goroutineJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jobs[id]
}

func (b *goroutineBackend) Running(_ context.Context, h backend.Handle) (bool, error) {
	j := b.get(h.ID)
	if j == nil {
		return false, nil
	}
	select {
	case <-j.done:
		return false, nil
	default:
		return true, nil
	}
}

func (b *goroutineBackend) Unhealthy(_ context.Context, h backend.Handle) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unhealthy[h.ID], nil
}

func (b *goroutineBackend) Terminate(_ context.Context, h backend.Handle) error {
	j := b.get(h.ID)
	if j == nil {
		return nil
	}
	j.cancel()
	<-j.done
	return nil
}

func (b *goroutineBackend) markUnhealthy(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unhealthy[id] = true
}

func (b *goroutineBackend) Close() error {
	b.mu.Lock()
	jobs := make([]*goroutineJob, 0, len(b.jobs))
	for _, j := range b.jobs {
		jobs = append(jobs, j)
	}
	b.mu.Unlock()
	for _, j := range jobs {
		j.cancel()
		<-j.done
	}
	return nil
}

type echoArgs struct {
	Text    string `json:"text"`
	DelayMS int    `json:"delay_ms"`
}

type stepArgs struct {
	Steps   int `json:"steps"`
	DelayMS int `json:"delay_ms"`
}

func wait(ctx context.Context, ms int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	}
}

func testRegistry(t *testing.T) *jobfn.Registry {
	t.Helper()
	reg := jobfn.NewRegistry()
	jobfn.MustRegister(reg, jobfn.Definition[echoArgs, string]{
		Name: "echo",
		Fn: func(ctx context.Context, _ *jobfn.Reporter, a echoArgs) (string, error) {
			return a.Text, wait(ctx, a.DelayMS)
		},
	})
	jobfn.MustRegister(reg, jobfn.Definition[stepArgs, int]{
		Name: "steps",
		Fn: func(ctx context.Context, progress *jobfn.Reporter, a stepArgs) (int, error) {
			for i := 1; i <= a.Steps; i++ {
				if err := wait(ctx, a.DelayMS); err != nil {
					return 0, err
				}
				if err := progress.Report(i, a.Steps, ""); err != nil {
					return 0, err
				}
			}
			return a.Steps, nil
		},
	})
	jobfn.MustRegister(reg, jobfn.Definition[echoArgs, string]{
		Name: "boom",
		Fn: func(context.Context, *jobfn.Reporter, echoArgs) (string, error) {
			return "", errors.New("exploded")
		},
	})
	return reg
}
