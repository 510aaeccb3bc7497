package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/longcall/internal/backend"
	"github.com/seantiz/longcall/internal/codec"
	"github.com/seantiz/longcall/internal/jobfn"
	"github.com/seantiz/longcall/internal/model"
	"github.com/seantiz/longcall/internal/store"
)

var (
	// ErrUnknownFunction is returned when submitting an unregistered function.
	ErrUnknownFunction = jobfn.ErrUnknownFunction

	// ErrClosed is returned by submissions after Close.
	ErrClosed = errors.New("manager closed")

	errCorruptEntry = errors.New("corrupt result entry")
)

// Result is a finished job's stored outcome. A function error, or the value
// its error handler produced, arrives here as data.
type Result struct {
	JobID      string              `json:"job_id"`
	Err        *model.ErrorPayload `json:"error,omitempty"`
	FinishedAt time.Time           `json:"finished_at"`
	Cached     bool                `json:"cached"`

	value []byte
	codec codec.Codec
}

// Decode unmarshals the function's return value into v. It returns the
// error payload instead when the function failed without a handler.
func (r *Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if err := r.codec.Unmarshal(r.value, v); err != nil {
		return fmt.Errorf("decode result value: %w", err)
	}
	return nil
}

// Submission is the outcome of Submit: either a cached result or a handle
// to the job computing it.
type Submission struct {
	Key    string
	Handle backend.Handle
	Result *Result
}

// Hit reports whether the submission was served from the cache.
func (s Submission) Hit() bool { return s.Result != nil }

// Stats summarizes manager activity.
type Stats struct {
	Backend   string `json:"backend"`
	Cache     bool   `json:"cache"`
	Submitted int64  `json:"submitted"`
	CacheHits int64  `json:"cache_hits"`
	Running   int    `json:"running"`
}

type registered struct {
	handle backend.Handle
	slot   string
}

// Manager submits functions to a backend and mediates every read of their
// results and progress. The running-jobs registry is process-local
// bookkeeping; all shared state lives in the store.
type Manager struct {
	backend  backend.Backend
	store    store.Store
	registry *jobfn.Registry
	events   *Events

	codec        codec.Codec
	locator      store.Locator
	cache        bool
	cacheBy      []CacheByFunc
	expire       time.Duration
	resultTTL    time.Duration
	supersede    bool
	reapSchedule string
	logger       *slog.Logger
	tracer       trace.Tracer

	mu      sync.Mutex
	running map[string]registered
	cron    *cronlib.Cron
	closed  bool

	submitted atomic.Int64
	cacheHits atomic.Int64
}

// New creates a manager dispatching to b and reading results from s.
func New(b backend.Backend, s store.Store, reg *jobfn.Registry, opts ...Option) *Manager {
	m := &Manager{
		backend:   b,
		store:     s,
		registry:  reg,
		events:    NewEvents(),
		codec:     codec.JSON{},
		resultTTL: DefaultResultTTL,
		supersede: true,
		logger:    slog.Default(),
		running:   make(map[string]registered),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracer == nil {
		m.tracer = defaultTracer()
	}
	m.logger = m.logger.With("component", "manager", "backend", b.Name())
	return m
}

// Backend returns the backend jobs are dispatched to.
func (m *Manager) Backend() backend.Backend { return m.backend }

// Registry returns the function registry.
func (m *Manager) Registry() *jobfn.Registry { return m.registry }

// Events returns the broker publishing job events per key.
func (m *Manager) Events() *Events { return m.events }

// ttl is the lifetime given to entries workers write.
func (m *Manager) ttl() time.Duration {
	if m.cache {
		return m.expire
	}
	return m.resultTTL
}

// BuildKey derives the key a submission of name with args would use.
func (m *Manager) BuildKey(ctx context.Context, name string, args any) (string, error) {
	_, key, err := m.resolve(ctx, name, args)
	return key, err
}

func (m *Manager) resolve(ctx context.Context, name string, args any) (*jobfn.Func, string, error) {
	f, err := m.registry.Lookup(name)
	if err != nil {
		return nil, "", err
	}
	raw, err := jobfn.EncodeArgs(args)
	if err != nil {
		return nil, "", err
	}
	partition := make([]string, len(m.cacheBy))
	for i, by := range m.cacheBy {
		partition[i] = by(ctx)
	}
	key, err := jobfn.Key(f.Identity, raw, f.IgnoreArgs, partition)
	if err != nil {
		return nil, "", fmt.Errorf("derive key: %w", err)
	}
	return f, key, nil
}

// Submit runs the named function with args unless caching is on and a
// result for the same key is already stored, in which case that result is
// returned and its expiry refreshed.
func (m *Manager) Submit(ctx context.Context, name string, args any) (sub Submission, err error) {
	ctx, span := m.tracer.Start(ctx, "manager.Submit",
		trace.WithAttributes(attribute.String("longcall.function", name)))
	defer func() { endSpan(span, err) }()

	f, key, err := m.resolve(ctx, name, args)
	if err != nil {
		return Submission{}, err
	}
	span.SetAttributes(attribute.String("longcall.key", key))

	if m.cache {
		res, err := m.cached(ctx, key)
		if err != nil {
			return Submission{}, err
		}
		span.SetAttributes(attribute.Bool("longcall.cache_hit", res != nil))
		if res != nil {
			cacheLookups.WithLabelValues("hit").Inc()
			m.cacheHits.Add(1)
			m.logger.Debug("cache hit", "key", key, "function", name)
			return Submission{Key: key, Result: res}, nil
		}
		cacheLookups.WithLabelValues("miss").Inc()
	}

	h, err := m.CallJobFn(ctx, key, f, args)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Key: key, Handle: h}, nil
}

// cached returns the stored result for key, refreshing its expiry.
func (m *Manager) cached(ctx context.Context, key string) (*Result, error) {
	env, found, err := m.readEnvelope(ctx, key)
	if errors.Is(err, errCorruptEntry) {
		m.logger.Warn("unreadable cache entry, recomputing", "key", key, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if _, err := m.store.Expire(ctx, key, m.expire); err != nil {
		return nil, fmt.Errorf("refresh cache entry: %w", err)
	}
	return m.result(env, true), nil
}

// CallJobFn dispatches fn with args to the backend and registers the
// returned handle. It never waits for the job. Any result or progress
// already stored under key is cleared first, so ResultReady reports false
// until the new job writes. With supersede on, jobs still running in the
// same slot are terminated before dispatch.
func (m *Manager) CallJobFn(ctx context.Context, key string, fn *jobfn.Func, args any) (h backend.Handle, err error) {
	ctx, span := m.tracer.Start(ctx, "manager.CallJobFn",
		trace.WithAttributes(
			attribute.String("longcall.key", key),
			attribute.String("longcall.function", fn.Name),
		))
	defer func() { endSpan(span, err) }()

	if m.isClosed() {
		return backend.Handle{}, ErrClosed
	}

	raw, err := jobfn.EncodeArgs(args)
	if err != nil {
		return backend.Handle{}, err
	}

	slot := slotFrom(ctx, key)
	if m.supersede {
		m.supersedeSlot(ctx, slot)
	}

	if err := m.store.Delete(ctx, key, store.ProgressKey(key)); err != nil {
		return backend.Handle{}, fmt.Errorf("clear key: %w", err)
	}

	job := backend.Job{
		ID:          model.NewID(),
		Key:         key,
		ProgressKey: store.ProgressKey(key),
		Function:    fn.Identity,
		Name:        fn.Name,
		Args:        raw,
		Codec:       m.codec.Name(),
		TTL:         m.ttl(),
		Store:       m.locator,
	}
	h, err = m.backend.Submit(ctx, job)
	if err != nil {
		submitErrors.Inc()
		return backend.Handle{}, fmt.Errorf("submit job: %w", err)
	}

	m.register(h, slot)
	jobsSubmitted.WithLabelValues(fn.Name).Inc()
	m.submitted.Add(1)
	span.SetAttributes(attribute.String("longcall.job_id", h.ID))
	m.events.Publish(Event{Kind: EventSubmitted, Key: key, JobID: h.ID})
	m.logger.Info("job submitted", "job_id", h.ID, "key", key, "function", fn.Name)
	return h, nil
}

func (m *Manager) supersedeSlot(ctx context.Context, slot string) {
	for _, h := range m.inSlot(slot) {
		if err := m.terminate(ctx, h, reasonSuperseded); err != nil {
			m.logger.Warn("terminate superseded job", "job_id", h.ID, "key", h.Key, "error", err)
		}
	}
}

// ResultReady reports whether key holds a result. It only reads the store.
func (m *Manager) ResultReady(ctx context.Context, key string) (bool, error) {
	ok, err := m.store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check result: %w", err)
	}
	return ok, nil
}

// GetResult returns the result stored under key, or nil if there is none.
// Without caching, a result written by a job other than h is ignored. A
// returned result retires h: its progress entry is deleted, the job is
// terminated and forgotten, and the result is deleted (no cache) or has
// its expiry refreshed (cache).
func (m *Manager) GetResult(ctx context.Context, key string, h backend.Handle) (res *Result, err error) {
	ctx, span := m.tracer.Start(ctx, "manager.GetResult",
		trace.WithAttributes(
			attribute.String("longcall.key", key),
			attribute.String("longcall.job_id", h.ID),
		))
	defer func() { endSpan(span, err) }()

	env, found, err := m.readEnvelope(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	if !m.cache && h.ID != "" && env.JobID != h.ID {
		m.logger.Debug("ignoring result from another job", "key", key, "job_id", h.ID, "writer", env.JobID)
		return nil, nil
	}

	if err := m.retire(ctx, key, h); err != nil {
		return nil, err
	}
	if m.cache {
		if _, err := m.store.Expire(ctx, key, m.expire); err != nil {
			return nil, fmt.Errorf("refresh result expiry: %w", err)
		}
	} else if err := m.store.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("delete result: %w", err)
	}
	return m.result(env, false), nil
}

func (m *Manager) retire(ctx context.Context, key string, h backend.Handle) error {
	if !m.keyBusy(key, h.ID) {
		if err := m.store.Delete(ctx, store.ProgressKey(key)); err != nil {
			return fmt.Errorf("delete progress: %w", err)
		}
	}
	if h.ID == "" {
		return nil
	}
	if err := m.backend.Terminate(ctx, h); err != nil {
		m.logger.Warn("terminate retired job", "job_id", h.ID, "error", err)
	}
	if m.forget(h) {
		jobsTerminated.WithLabelValues(reasonRetired).Inc()
	}
	m.events.Publish(Event{Kind: EventRetired, Key: key, JobID: h.ID})
	return nil
}

// GetProgress returns the latest progress reported under key, or nil if
// none has been reported.
func (m *Manager) GetProgress(ctx context.Context, key string) (*model.Progress, error) {
	data, found, err := m.store.Get(ctx, store.ProgressKey(key))
	if err != nil {
		return nil, fmt.Errorf("read progress: %w", err)
	}
	if !found {
		return nil, nil
	}
	var p model.Progress
	if err := m.codec.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return &p, nil
}

// JobRunning reports whether the backend still has h queued or executing.
func (m *Manager) JobRunning(ctx context.Context, h backend.Handle) (bool, error) {
	ok, err := m.backend.Running(ctx, h)
	if err != nil {
		return false, fmt.Errorf("check job %s: %w", h.ID, err)
	}
	return ok, nil
}

// TerminateJob stops h and clears its progress and any result it wrote.
// It is idempotent.
func (m *Manager) TerminateJob(ctx context.Context, h backend.Handle) (err error) {
	ctx, span := m.tracer.Start(ctx, "manager.TerminateJob",
		trace.WithAttributes(
			attribute.String("longcall.key", h.Key),
			attribute.String("longcall.job_id", h.ID),
		))
	defer func() { endSpan(span, err) }()

	return m.terminate(ctx, h, reasonCancelled)
}

// TerminateUnhealthyJob terminates h if the backend reports it failed or
// revoked and reports whether it did. A job that stored its result is
// finished, not unhealthy.
func (m *Manager) TerminateUnhealthyJob(ctx context.Context, h backend.Handle) (bool, error) {
	unhealthy, err := m.backend.Unhealthy(ctx, h)
	if err != nil {
		return false, fmt.Errorf("check job health %s: %w", h.ID, err)
	}
	if !unhealthy {
		return false, nil
	}
	owned, err := m.owns(ctx, h)
	if err != nil {
		return false, err
	}
	if owned {
		return false, nil
	}
	if err := m.terminate(ctx, h, reasonUnhealthy); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) terminate(ctx context.Context, h backend.Handle, reason string) error {
	// A queue worker may already be past its function call; the marker stops
	// it from publishing, and the owns check below removes a write that won.
	markTTL := m.resultTTL
	if markTTL <= 0 {
		markTTL = DefaultResultTTL
	}
	if err := m.store.Set(ctx, store.CancelKey(h.Key, h.ID), []byte(reason), markTTL); err != nil {
		return fmt.Errorf("mark job %s cancelled: %w", h.ID, err)
	}
	if err := m.backend.Terminate(ctx, h); err != nil {
		return fmt.Errorf("terminate job %s: %w", h.ID, err)
	}
	m.forget(h)

	var keys []string
	if !m.keyBusy(h.Key, h.ID) {
		keys = append(keys, store.ProgressKey(h.Key))
	}
	owned, err := m.owns(ctx, h)
	if err != nil {
		return err
	}
	if owned {
		keys = append(keys, h.Key)
	}
	if len(keys) > 0 {
		if err := m.store.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("clear job keys: %w", err)
		}
	}

	jobsTerminated.WithLabelValues(reason).Inc()
	kind := EventCancelled
	if reason == reasonSuperseded {
		kind = EventSuperseded
	}
	m.events.Publish(Event{Kind: kind, Key: h.Key, JobID: h.ID})
	m.logger.Info("job terminated", "job_id", h.ID, "key", h.Key, "reason", reason)
	return nil
}

// owns reports whether the result stored under h.Key was written by h.
func (m *Manager) owns(ctx context.Context, h backend.Handle) (bool, error) {
	env, found, err := m.readEnvelope(ctx, h.Key)
	if errors.Is(err, errCorruptEntry) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return found && env.JobID == h.ID, nil
}

// ClearCacheEntry evicts the result and progress stored under key.
func (m *Manager) ClearCacheEntry(ctx context.Context, key string) error {
	if err := m.store.Delete(ctx, key, store.ProgressKey(key)); err != nil {
		return fmt.Errorf("clear cache entry: %w", err)
	}
	m.logger.Debug("cache entry cleared", "key", key)
	return nil
}

// Running returns the registered handles, oldest first.
func (m *Manager) Running() []backend.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]backend.Handle, 0, len(m.running))
	for _, r := range m.running {
		out = append(out, r.handle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TerminateAll terminates every registered job.
func (m *Manager) TerminateAll(ctx context.Context) error {
	return m.terminateAll(ctx, reasonCancelled)
}

func (m *Manager) terminateAll(ctx context.Context, reason string) error {
	var g errgroup.Group
	for _, h := range m.Running() {
		g.Go(func() error { return m.terminate(ctx, h, reason) })
	}
	return g.Wait()
}

// Stats returns activity counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	running := len(m.running)
	m.mu.Unlock()
	return Stats{
		Backend:   m.backend.Name(),
		Cache:     m.cache,
		Submitted: m.submitted.Load(),
		CacheHits: m.cacheHits.Load(),
		Running:   running,
	}
}

// Close stops the reaper and terminates every registered job. The backend
// and store stay open; their owner closes them.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	return m.terminateAll(ctx, reasonShutdown)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) register(h backend.Handle, slot string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[h.ID] = registered{handle: h, slot: slot}
	jobsRunning.Set(float64(len(m.running)))
}

// forget removes h from the registry and reports whether it was there.
func (m *Manager) forget(h backend.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[h.ID]
	delete(m.running, h.ID)
	jobsRunning.Set(float64(len(m.running)))
	return ok
}

func (m *Manager) inSlot(slot string) []backend.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []backend.Handle
	for _, r := range m.running {
		if r.slot == slot {
			out = append(out, r.handle)
		}
	}
	return out
}

// keyBusy reports whether a registered job other than exceptID uses key.
func (m *Manager) keyBusy(key, exceptID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.running {
		if id != exceptID && r.handle.Key == key {
			return true
		}
	}
	return false
}

func (m *Manager) readEnvelope(ctx context.Context, key string) (model.Envelope, bool, error) {
	data, found, err := m.store.Get(ctx, key)
	if err != nil {
		return model.Envelope{}, false, fmt.Errorf("read result: %w", err)
	}
	if !found {
		return model.Envelope{}, false, nil
	}
	var env model.Envelope
	if err := m.codec.Unmarshal(data, &env); err != nil {
		return model.Envelope{}, false, fmt.Errorf("%w: %v", errCorruptEntry, err)
	}
	return env, true, nil
}

func (m *Manager) result(env model.Envelope, cached bool) *Result {
	return &Result{
		JobID:      env.JobID,
		Err:        env.Err,
		FinishedAt: env.FinishedAt,
		Cached:     cached,
		value:      env.Value,
		codec:      m.codec,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
