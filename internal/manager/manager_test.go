package manager

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/seantiz/longcall/internal/backend"
	"github.com/seantiz/longcall/internal/codec"
	"github.com/seantiz/longcall/internal/jobfn"
	"github.com/seantiz/longcall/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoArgs struct {
	Text    string `json:"text"`
	DelayMS int    `json:"delay_ms"`
}

type stepArgs struct {
	Steps   int `json:"steps"`
	DelayMS int `json:"delay_ms"`
}

type harness struct {
	m       *Manager
	backend *fakeBackend
	store   *store.MemoryStore
	calls   *atomic.Int64
}

func sleepCtx(ctx context.Context, ms int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	}
}

func testRegistry(t *testing.T, calls *atomic.Int64) *jobfn.Registry {
	t.Helper()
	reg := jobfn.NewRegistry()

	_, err := jobfn.Register(reg, jobfn.Definition[echoArgs, string]{
		Name: "echo",
		Fn: func(ctx context.Context, _ *jobfn.Reporter, a echoArgs) (string, error) {
			calls.Add(1)
			if err := sleepCtx(ctx, a.DelayMS); err != nil {
				return "", err
			}
			return a.Text, nil
		},
	})
	require.NoError(t, err)

	_, err = jobfn.Register(reg, jobfn.Definition[stepArgs, int]{
		Name: "steps",
		Fn: func(ctx context.Context, progress *jobfn.Reporter, a stepArgs) (int, error) {
			for i := 1; i <= a.Steps; i++ {
				if err := sleepCtx(ctx, a.DelayMS); err != nil {
					return 0, err
				}
				if err := progress.Report(i, a.Steps, "step"); err != nil {
					return 0, err
				}
			}
			return a.Steps, nil
		},
	})
	require.NoError(t, err)

	_, err = jobfn.Register(reg, jobfn.Definition[echoArgs, string]{
		Name: "boom",
		Fn: func(_ context.Context, _ *jobfn.Reporter, a echoArgs) (string, error) {
			return "", errors.New("boom: " + a.Text)
		},
	})
	require.NoError(t, err)

	_, err = jobfn.Register(reg, jobfn.Definition[echoArgs, string]{
		Name: "boom_handled",
		Fn: func(_ context.Context, _ *jobfn.Reporter, a echoArgs) (string, error) {
			return "", errors.New("handled: " + a.Text)
		},
		OnError: func(err error) any { return map[string]string{"fallback": err.Error()} },
	})
	require.NoError(t, err)

	return reg
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	calls := &atomic.Int64{}
	reg := testRegistry(t, calls)
	s := store.NewMemoryStore()
	b := newFakeBackend(s, reg)
	m := New(b, s, reg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, m.Close(ctx))
		assert.NoError(t, b.Close())
	})
	return &harness{m: m, backend: b, store: s, calls: calls}
}

func (h *harness) fn(t *testing.T, name string) *jobfn.Func {
	t.Helper()
	f, err := h.m.Registry().Lookup(name)
	require.NoError(t, err)
	return f
}

func waitResult(t *testing.T, m *Manager, key string, h backend.Handle) *Result {
	t.Helper()
	var res *Result
	require.Eventually(t, func() bool {
		r, err := m.GetResult(context.Background(), key, h)
		if !assert.NoError(t, err) {
			return false
		}
		res = r
		return r != nil
	}, 5*time.Second, 5*time.Millisecond)
	return res
}

func waitReady(t *testing.T, m *Manager, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		ok, err := m.ResultReady(context.Background(), key)
		return err == nil && ok
	}, 5*time.Second, 5*time.Millisecond)
}

func decodeString(t *testing.T, r *Result) string {
	t.Helper()
	var s string
	require.NoError(t, r.Decode(&s))
	return s
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestResultNotReadyAfterCallJobFn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := "stale-key"

	// A leftover entry from an earlier run must not read as this job's result.
	require.NoError(t, h.store.Set(ctx, key, []byte(`{"job_id":"old"}`), 0))
	require.NoError(t, h.store.Set(ctx, store.ProgressKey(key), []byte(`{}`), 0))

	handle, err := h.m.CallJobFn(ctx, key, h.fn(t, "echo"), echoArgs{Text: "x", DelayMS: 200})
	require.NoError(t, err)

	ready, err := h.m.ResultReady(ctx, key)
	require.NoError(t, err)
	assert.False(t, ready)

	p, err := h.m.GetProgress(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, p)

	assert.Equal(t, "x", decodeString(t, waitResult(t, h.m, key, handle)))
}

func TestSubmitRunsAndRetires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.m.Submit(ctx, "echo", echoArgs{Text: "hi"})
	require.NoError(t, err)
	require.False(t, sub.Hit())
	assert.Equal(t, sub.Key, sub.Handle.Key)
	assert.Len(t, h.m.Running(), 1)

	res := waitResult(t, h.m, sub.Key, sub.Handle)
	assert.Equal(t, "hi", decodeString(t, res))
	assert.Equal(t, sub.Handle.ID, res.JobID)
	assert.False(t, res.Cached)
	assert.Empty(t, h.m.Running())
	assert.Contains(t, h.backend.terminations(), sub.Handle.ID)
}

func TestCacheHitSkipsExecution(t *testing.T) {
	h := newHarness(t, WithCache(), WithExpire(time.Minute))
	ctx := context.Background()

	first, err := h.m.Submit(ctx, "echo", echoArgs{Text: "memo"})
	require.NoError(t, err)
	require.False(t, first.Hit())
	assert.Equal(t, "memo", decodeString(t, waitResult(t, h.m, first.Key, first.Handle)))
	require.Equal(t, int64(1), h.calls.Load())

	hits := counterValue(t, cacheLookups.WithLabelValues("hit"))

	// Field order differs but the effective arguments are equal.
	second, err := h.m.Submit(ctx, "echo", map[string]any{"delay_ms": 0, "text": "memo"})
	require.NoError(t, err)
	require.True(t, second.Hit())
	assert.Equal(t, first.Key, second.Key)
	assert.True(t, second.Result.Cached)
	assert.Equal(t, "memo", decodeString(t, second.Result))

	assert.Equal(t, int64(1), h.calls.Load())
	assert.Equal(t, hits+1, counterValue(t, cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, int64(1), h.m.Stats().CacheHits)
}

func TestCacheExpiry(t *testing.T) {
	h := newHarness(t, WithCache(), WithExpire(50*time.Millisecond))
	ctx := context.Background()

	sub, err := h.m.Submit(ctx, "echo", echoArgs{Text: "short"})
	require.NoError(t, err)
	waitResult(t, h.m, sub.Key, sub.Handle)

	require.Eventually(t, func() bool {
		ok, err := h.m.ResultReady(ctx, sub.Key)
		return err == nil && !ok
	}, 2*time.Second, 10*time.Millisecond)

	again, err := h.m.Submit(ctx, "echo", echoArgs{Text: "short"})
	require.NoError(t, err)
	assert.False(t, again.Hit())
	waitResult(t, h.m, again.Key, again.Handle)
	assert.Equal(t, int64(2), h.calls.Load())
}

type userKey struct{}

func TestCacheByPartitionsKeys(t *testing.T) {
	byUser := func(ctx context.Context) string {
		u, _ := ctx.Value(userKey{}).(string)
		return u
	}
	h := newHarness(t, WithCache(byUser))

	alice := context.WithValue(context.Background(), userKey{}, "alice")
	bob := context.WithValue(context.Background(), userKey{}, "bob")

	ka1, err := h.m.BuildKey(alice, "echo", echoArgs{Text: "x"})
	require.NoError(t, err)
	ka2, err := h.m.BuildKey(alice, "echo", echoArgs{Text: "x"})
	require.NoError(t, err)
	kb, err := h.m.BuildKey(bob, "echo", echoArgs{Text: "x"})
	require.NoError(t, err)

	assert.Equal(t, ka1, ka2)
	assert.NotEqual(t, ka1, kb)

	sub, err := h.m.Submit(alice, "echo", echoArgs{Text: "x"})
	require.NoError(t, err)
	waitResult(t, h.m, sub.Key, sub.Handle)

	other, err := h.m.Submit(bob, "echo", echoArgs{Text: "x"})
	require.NoError(t, err)
	assert.False(t, other.Hit())
	waitResult(t, h.m, other.Key, other.Handle)
	assert.Equal(t, int64(2), h.calls.Load())
}

func TestNoReplayWithoutCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.m.Submit(ctx, "echo", echoArgs{Text: "once"})
	require.NoError(t, err)
	assert.Equal(t, "once", decodeString(t, waitResult(t, h.m, sub.Key, sub.Handle)))

	res, err := h.m.GetResult(ctx, sub.Key, sub.Handle)
	require.NoError(t, err)
	assert.Nil(t, res)

	ready, err := h.m.ResultReady(ctx, sub.Key)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestTerminateJobIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.m.Submit(ctx, "echo", echoArgs{Text: "slow", DelayMS: 5000})
	require.NoError(t, err)

	require.NoError(t, h.m.TerminateJob(ctx, sub.Handle))
	require.NoError(t, h.m.TerminateJob(ctx, sub.Handle))
	assert.Empty(t, h.m.Running())

	running, err := h.m.JobRunning(ctx, sub.Handle)
	require.NoError(t, err)
	assert.False(t, running)

	done, err := h.m.Submit(ctx, "echo", echoArgs{Text: "fast"})
	require.NoError(t, err)
	waitReady(t, h.m, done.Key)
	require.NoError(t, h.m.TerminateJob(ctx, done.Handle))
}

func TestRapidFireLastSubmissionWins(t *testing.T) {
	for _, supersede := range []bool{true, false} {
		name := "supersede"
		if !supersede {
			name = "concurrent"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, WithSupersede(supersede))
			ctx := WithSlot(context.Background(), "session-1/echo")

			var last Submission
			for _, text := range []string{"h", "he", "hello"} {
				sub, err := h.m.Submit(ctx, "echo", echoArgs{Text: text, DelayMS: 100})
				require.NoError(t, err)
				last = sub
			}

			if supersede {
				running := h.m.Running()
				require.Len(t, running, 1)
				assert.Equal(t, last.Handle.ID, running[0].ID)
			}

			assert.Equal(t, "hello", decodeString(t, waitResult(t, h.m, last.Key, last.Handle)))
		})
	}
}

func TestSameKeyOlderJobNeverAnswersNewerHandle(t *testing.T) {
	h := newHarness(t, WithSupersede(false))
	ctx := context.Background()
	key := "shared-key"
	echo := h.fn(t, "echo")

	older, err := h.m.CallJobFn(ctx, key, echo, echoArgs{Text: "older", DelayMS: 150})
	require.NoError(t, err)
	newer, err := h.m.CallJobFn(ctx, key, echo, echoArgs{Text: "newer", DelayMS: 10})
	require.NoError(t, err)

	waitReady(t, h.m, key)
	res, err := h.m.GetResult(ctx, key, older)
	require.NoError(t, err)
	assert.Nil(t, res, "older handle must not consume the newer job's result")

	// The older job finishes after the newer one wrote and must not
	// overwrite it.
	require.Eventually(t, func() bool {
		running, err := h.m.JobRunning(ctx, older)
		return err == nil && !running
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "newer", decodeString(t, waitResult(t, h.m, key, newer)))
}

func TestSupersedeSameKeyTerminatesOlder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	echo := h.fn(t, "echo")
	superseded := counterValue(t, jobsTerminated.WithLabelValues(reasonSuperseded))

	older, err := h.m.CallJobFn(ctx, "k", echo, echoArgs{Text: "a", DelayMS: 5000})
	require.NoError(t, err)
	newer, err := h.m.CallJobFn(ctx, "k", echo, echoArgs{Text: "b"})
	require.NoError(t, err)

	assert.Contains(t, h.backend.terminations(), older.ID)
	assert.Equal(t, superseded+1, counterValue(t, jobsTerminated.WithLabelValues(reasonSuperseded)))
	assert.Equal(t, "b", decodeString(t, waitResult(t, h.m, "k", newer)))
}

func TestProgressIsMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.m.Submit(ctx, "steps", stepArgs{Steps: 4, DelayMS: 30})
	require.NoError(t, err)

	var seen []int
	require.Eventually(t, func() bool {
		p, err := h.m.GetProgress(ctx, sub.Key)
		if err == nil && p != nil && (len(seen) == 0 || seen[len(seen)-1] != p.Current) {
			seen = append(seen, p.Current)
		}
		ready, err := h.m.ResultReady(ctx, sub.Key)
		return err == nil && ready
	}, 5*time.Second, 5*time.Millisecond)

	require.NotEmpty(t, seen)
	assert.True(t, sort.IntsAreSorted(seen), "progress regressed: %v", seen)

	res := waitResult(t, h.m, sub.Key, sub.Handle)
	var n int
	require.NoError(t, res.Decode(&n))
	assert.Equal(t, 4, n)

	p, err := h.m.GetProgress(ctx, sub.Key)
	require.NoError(t, err)
	assert.Nil(t, p, "progress must be cleared once the result is read")
}

func TestCancelPreventsCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.m.Submit(ctx, "steps", stepArgs{Steps: 4, DelayMS: 25})
	require.NoError(t, err)
	require.NoError(t, h.m.TerminateJob(ctx, sub.Handle))

	time.Sleep(200 * time.Millisecond)

	ready, err := h.m.ResultReady(ctx, sub.Key)
	require.NoError(t, err)
	assert.False(t, ready)

	p, err := h.m.GetProgress(ctx, sub.Key)
	require.NoError(t, err)
	assert.Nil(t, p)

	exists, err := h.store.Exists(ctx, store.ProgressKey(sub.Key))
	require.NoError(t, err)
	assert.False(t, exists)

	marked, err := h.store.Exists(ctx, store.CancelKey(sub.Key, sub.Handle.ID))
	require.NoError(t, err)
	assert.True(t, marked, "terminated job must leave a cancel marker for late workers")
}

func TestDistinctFunctionsDistinctIdentities(t *testing.T) {
	h := newHarness(t)
	echo := h.fn(t, "echo")
	boom := h.fn(t, "boom")

	assert.NotEqual(t, echo.Identity, boom.Identity)
	assert.NotEqual(t, echo.TaskName(), boom.TaskName())

	ke, err := h.m.BuildKey(context.Background(), "echo", echoArgs{Text: "same"})
	require.NoError(t, err)
	kb, err := h.m.BuildKey(context.Background(), "boom", echoArgs{Text: "same"})
	require.NoError(t, err)
	assert.NotEqual(t, ke, kb)
}

func TestFunctionErrorIsData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.m.Submit(ctx, "boom", echoArgs{Text: "x"})
	require.NoError(t, err)
	res := waitResult(t, h.m, sub.Key, sub.Handle)
	require.NotNil(t, res.Err)
	assert.Equal(t, "boom: x", res.Err.Message)

	var s string
	err = res.Decode(&s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom: x")

	handled, err := h.m.Submit(ctx, "boom_handled", echoArgs{Text: "y"})
	require.NoError(t, err)
	res = waitResult(t, h.m, handled.Key, handled.Handle)
	assert.Nil(t, res.Err)

	var fallback map[string]string
	require.NoError(t, res.Decode(&fallback))
	assert.Equal(t, "handled: y", fallback["fallback"])
}

func TestTerminateUnhealthyJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.m.Submit(ctx, "echo", echoArgs{Text: "stuck", DelayMS: 5000})
	require.NoError(t, err)

	reclaimed, err := h.m.TerminateUnhealthyJob(ctx, sub.Handle)
	require.NoError(t, err)
	assert.False(t, reclaimed)
	assert.Len(t, h.m.Running(), 1)

	h.backend.markUnhealthy(sub.Handle.ID)
	reclaimed, err = h.m.TerminateUnhealthyJob(ctx, sub.Handle)
	require.NoError(t, err)
	assert.True(t, reclaimed)
	assert.Empty(t, h.m.Running())
}

func TestUnhealthyJobWithResultIsNotReclaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.m.Submit(ctx, "echo", echoArgs{Text: "done"})
	require.NoError(t, err)
	waitReady(t, h.m, sub.Key)
	h.backend.markUnhealthy(sub.Handle.ID)

	reclaimed, err := h.m.TerminateUnhealthyJob(ctx, sub.Handle)
	require.NoError(t, err)
	assert.False(t, reclaimed)
	assert.Equal(t, "done", decodeString(t, waitResult(t, h.m, sub.Key, sub.Handle)))
}

func TestSubmitErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.Submit(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownFunction)

	h.backend.submitErr = backend.ErrUnavailable
	_, err = h.m.Submit(ctx, "echo", echoArgs{Text: "x"})
	assert.ErrorIs(t, err, backend.ErrUnavailable)
	assert.Empty(t, h.m.Running())

	_, err = h.m.Submit(ctx, "echo", make(chan int))
	assert.Error(t, err)
}

func TestClearCacheEntry(t *testing.T) {
	h := newHarness(t, WithCache())
	ctx := context.Background()

	sub, err := h.m.Submit(ctx, "echo", echoArgs{Text: "evict"})
	require.NoError(t, err)
	waitResult(t, h.m, sub.Key, sub.Handle)

	require.NoError(t, h.m.ClearCacheEntry(ctx, sub.Key))
	again, err := h.m.Submit(ctx, "echo", echoArgs{Text: "evict"})
	require.NoError(t, err)
	assert.False(t, again.Hit())
	waitResult(t, h.m, again.Key, again.Handle)
	assert.Equal(t, int64(2), h.calls.Load())
}

func TestCorruptCacheEntryIsRecomputed(t *testing.T) {
	h := newHarness(t, WithCache())
	ctx := context.Background()

	key, err := h.m.BuildKey(ctx, "echo", echoArgs{Text: "c"})
	require.NoError(t, err)
	require.NoError(t, h.store.Set(ctx, key, []byte("not json"), 0))

	sub, err := h.m.Submit(ctx, "echo", echoArgs{Text: "c"})
	require.NoError(t, err)
	assert.False(t, sub.Hit())
	assert.Equal(t, "c", decodeString(t, waitResult(t, h.m, sub.Key, sub.Handle)))
}

func TestMsgpackCodec(t *testing.T) {
	h := newHarness(t, WithCodec(codec.Msgpack{}))
	ctx := context.Background()

	sub, err := h.m.Submit(ctx, "steps", stepArgs{Steps: 2})
	require.NoError(t, err)
	res := waitResult(t, h.m, sub.Key, sub.Handle)
	var n int
	require.NoError(t, res.Decode(&n))
	assert.Equal(t, 2, n)
}

func TestReap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	finished, err := h.m.Submit(ctx, "echo", echoArgs{Text: "a"})
	require.NoError(t, err)
	stuck, err := h.m.Submit(ctx, "echo", echoArgs{Text: "b", DelayMS: 5000})
	require.NoError(t, err)
	busy, err := h.m.Submit(ctx, "echo", echoArgs{Text: "c", DelayMS: 5000})
	require.NoError(t, err)

	waitReady(t, h.m, finished.Key)
	h.backend.markUnhealthy(stuck.Handle.ID)
	require.NoError(t, h.store.Set(ctx, "expired", []byte("x"), time.Nanosecond))
	time.Sleep(time.Millisecond)

	stats := h.m.Reap(ctx)
	assert.Equal(t, 1, stats.Reclaimed)
	assert.Equal(t, 1, stats.Forgotten)
	assert.Equal(t, int64(1), stats.Purged)

	running := h.m.Running()
	require.Len(t, running, 1)
	assert.Equal(t, busy.Handle.ID, running[0].ID)

	// Forgetting a finished job leaves its result readable.
	assert.Equal(t, "a", decodeString(t, waitResult(t, h.m, finished.Key, finished.Handle)))
}

func TestStartReaper(t *testing.T) {
	h := newHarness(t, WithReapSchedule("not a schedule"))
	assert.Error(t, h.m.Start(context.Background()))

	h = newHarness(t, WithReapSchedule("@every 1s"))
	require.NoError(t, h.m.Start(context.Background()))
	require.NoError(t, h.m.Start(context.Background()))

	sub, err := h.m.Submit(context.Background(), "echo", echoArgs{Text: "x"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.m.Running()) == 0
	}, 5*time.Second, 20*time.Millisecond)

	// The reaper only forgets; the caller can still collect.
	waitResult(t, h.m, sub.Key, sub.Handle)
}

func TestCloseTerminatesAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		_, err := h.m.Submit(ctx, "echo", echoArgs{Text: text, DelayMS: 5000})
		require.NoError(t, err)
	}
	require.Len(t, h.m.Running(), 3)
	assert.Equal(t, 3, h.m.Stats().Running)

	require.NoError(t, h.m.Close(ctx))
	assert.Empty(t, h.m.Running())
	assert.Len(t, h.backend.terminations(), 3)

	_, err := h.m.Submit(ctx, "echo", echoArgs{Text: "late"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.m.Start(ctx), ErrClosed)
}

func TestStartAfterCloseFails(t *testing.T) {
	for _, schedule := range []string{"", "@every 1s"} {
		h := newHarness(t, WithReapSchedule(schedule))
		require.NoError(t, h.m.Close(context.Background()))
		assert.ErrorIs(t, h.m.Start(context.Background()), ErrClosed, "schedule %q", schedule)
	}
}

func TestTerminateAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, text := range []string{"a", "b"} {
		_, err := h.m.Submit(ctx, "echo", echoArgs{Text: text, DelayMS: 5000})
		require.NoError(t, err)
	}
	require.NoError(t, h.m.TerminateAll(ctx))
	assert.Empty(t, h.m.Running())

	sub, err := h.m.Submit(ctx, "echo", echoArgs{Text: "after"})
	require.NoError(t, err)
	waitResult(t, h.m, sub.Key, sub.Handle)
}
