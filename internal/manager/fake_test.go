package manager

import (
	"context"
	"sync"
	"time"

	"github.com/seantiz/longcall/internal/backend"
	"github.com/seantiz/longcall/internal/jobfn"
	"github.com/seantiz/longcall/internal/store"
	"github.com/seantiz/longcall/internal/worker"
)

// fakeBackend runs jobs in goroutines against the shared store, the way a
// worker process would.
type fakeBackend struct {
	store    store.Store
	registry *jobfn.Registry

	mu         sync.Mutex
	jobs       map[string]*fakeJob
	unhealthy  map[string]bool
	submitErr  error
	terminated []string
}

type fakeJob struct {
	cancel  context.CancelFunc
	done    chan struct{}
	outcome worker.Outcome
}

var _ backend.Backend = (*fakeBackend)(nil)

func newFakeBackend(s store.Store, reg *jobfn.Registry) *fakeBackend {
	return &fakeBackend{
		store:     s,
		registry:  reg,
		jobs:      make(map[string]*fakeJob),
		unhealthy: make(map[string]bool),
	}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "fake"}
}

func (f *fakeBackend) Submit(_ context.Context, job backend.Job) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return backend.Handle{}, f.submitErr
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &fakeJob{cancel: cancel, done: make(chan struct{})}
	f.jobs[job.ID] = j
	go func() {
		defer close(j.done)
		j.outcome = worker.Execute(ctx, worker.Env{Registry: f.registry, Store: f.store}, job)
	}()

	return backend.Handle{
		ID:        job.ID,
		Backend:   "fake",
		Key:       job.Key,
		Function:  job.Function,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeBackend) job(id string) *fakeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

func (f *fakeBackend) Running(_ context.Context, h backend.Handle) (bool, error) {
	j := f.job(h.ID)
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

func (f *fakeBackend) Unhealthy(_ context.Context, h backend.Handle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unhealthy[h.ID], nil
}

func (f *fakeBackend) Terminate(_ context.Context, h backend.Handle) error {
	f.mu.Lock()
	f.terminated = append(f.terminated, h.ID)
	j := f.jobs[h.ID]
	f.mu.Unlock()
	if j == nil {
		return nil
	}
	j.cancel()
	<-j.done
	return nil
}

func (f *fakeBackend) markUnhealthy(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy[id] = true
}

func (f *fakeBackend) terminations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	jobs := make([]*fakeJob, 0, len(f.jobs))
	for _, j := range f.jobs {
		jobs = append(jobs, j)
	}
	f.mu.Unlock()
	for _, j := range jobs {
		j.cancel()
		<-j.done
	}
	return nil
}
