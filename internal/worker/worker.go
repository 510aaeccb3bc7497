package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/seantiz/longcall/internal/backend"
	"github.com/seantiz/longcall/internal/codec"
	"github.com/seantiz/longcall/internal/jobfn"
	"github.com/seantiz/longcall/internal/model"
	"github.com/seantiz/longcall/internal/store"
)

// Outcome statuses.
const (
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusSuperseded = "superseded"
	StatusFailed     = "failed"
)

// Error payload types for failures that did not come from the function.
const (
	ErrTypeUnknownFunction = "unknown_function"
	ErrTypeSerialization   = "serialization"
	ErrTypePanic           = "panic"
)

// Env carries what Execute needs besides the job.
type Env struct {
	Registry *jobfn.Registry
	Store    store.Store
	Logger   *slog.Logger
}

// Outcome summarizes one execution for the backend that ran it.
type Outcome struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Execute runs job's function and stores its result. Function errors and
// panics are stored as data, so the caller sees a completed job either way.
// Nothing is written once ctx is cancelled, and an entry written by a newer
// job for the same key is never overwritten.
func Execute(ctx context.Context, env Env, job backend.Job) Outcome {
	start := time.Now()
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job_id", job.ID, "key", job.Key, "function", job.Name)

	outcome := func(status string, err error) Outcome {
		o := Outcome{JobID: job.ID, Status: status, DurationMS: time.Since(start).Milliseconds()}
		if err != nil {
			o.Error = err.Error()
		}
		return o
	}

	c, err := codec.Lookup(job.Codec)
	if err != nil {
		return outcome(StatusFailed, err)
	}

	var (
		value   any
		payload *model.ErrorPayload
	)
	f, err := env.Registry.ByIdentity(job.Function)
	if err != nil {
		logger.Error("function not registered on this worker", "identity", job.Function)
		payload = &model.ErrorPayload{Message: err.Error(), Type: ErrTypeUnknownFunction}
	} else {
		reporter := jobfn.NewReporter(ctx, env.Store, job.ProgressKey, c, job.TTL)
		var callErr error
		value, callErr = call(ctx, f, reporter, job)
		if ctx.Err() != nil {
			logger.Info("job cancelled, discarding result")
			return outcome(StatusCancelled, ctx.Err())
		}
		if callErr != nil {
			logger.Info("job function returned error", "error", callErr)
			value, payload = handleError(env.Registry, f, callErr)
		}
	}

	entry := model.Envelope{JobID: job.ID, Err: payload, FinishedAt: time.Now().UTC()}
	if payload == nil {
		data, err := c.Marshal(value)
		if err != nil {
			logger.Error("encode job result", "error", err)
			entry.Err = &model.ErrorPayload{Message: fmt.Sprintf("encode result: %v", err), Type: ErrTypeSerialization}
		} else {
			entry.Value = data
		}
	}

	superseded, err := supersededBy(ctx, env.Store, c, job)
	if err != nil {
		return outcome(StatusFailed, err)
	}
	if superseded {
		logger.Info("newer job already wrote this key, discarding result")
		return outcome(StatusSuperseded, nil)
	}

	data, err := c.Marshal(entry)
	if err != nil {
		return outcome(StatusFailed, fmt.Errorf("encode envelope: %w", err))
	}
	if ctx.Err() != nil {
		return outcome(StatusCancelled, ctx.Err())
	}
	if cancelled, err := env.Store.Exists(ctx, store.CancelKey(job.Key, job.ID)); err != nil {
		return outcome(StatusFailed, fmt.Errorf("read cancel marker: %w", err))
	} else if cancelled {
		logger.Info("job cancelled after it finished, discarding result")
		return outcome(StatusCancelled, nil)
	}
	if err := env.Store.Set(ctx, job.Key, data, job.TTL); err != nil {
		logger.Error("write job result", "error", err)
		return outcome(StatusFailed, fmt.Errorf("write result: %w", err))
	}
	if cancelled, err := env.Store.Exists(ctx, store.CancelKey(job.Key, job.ID)); err == nil && cancelled {
		logger.Info("job cancelled while its result was written, retracting")
		if err := retract(ctx, env.Store, c, job); err != nil {
			return outcome(StatusFailed, err)
		}
		return outcome(StatusCancelled, nil)
	}

	logger.Debug("job result stored", "has_error", entry.Err != nil)
	return outcome(StatusCompleted, nil)
}

// call runs f, converting a panic into an error.
func call(ctx context.Context, f *jobfn.Func, reporter *jobfn.Reporter, job backend.Job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return f.Call(ctx, reporter, job.Args)
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// handleError applies the function's error handler. Without one, or when the
// handler itself panics, the error becomes a structured payload.
func handleError(reg *jobfn.Registry, f *jobfn.Func, callErr error) (value any, payload *model.ErrorPayload) {
	h := reg.ErrorHandlerFor(f)
	if h == nil {
		return nil, errorPayload(callErr)
	}
	defer func() {
		if r := recover(); r != nil {
			value, payload = nil, errorPayload(fmt.Errorf("error handler: %w", &panicError{value: r}))
		}
	}()
	return h(callErr), nil
}

func errorPayload(err error) *model.ErrorPayload {
	var pe *panicError
	if errors.As(err, &pe) {
		return &model.ErrorPayload{Message: err.Error(), Type: ErrTypePanic}
	}
	return &model.ErrorPayload{Message: err.Error(), Type: fmt.Sprintf("%T", err)}
}

// retract deletes job.Key if it still holds this job's result.
func retract(ctx context.Context, s store.Store, c codec.Codec, job backend.Job) error {
	data, found, err := s.Get(ctx, job.Key)
	if err != nil || !found {
		return err
	}
	var existing model.Envelope
	if err := c.Unmarshal(data, &existing); err != nil || existing.JobID != job.ID {
		return nil
	}
	if err := s.Delete(ctx, job.Key); err != nil {
		return fmt.Errorf("retract result: %w", err)
	}
	return nil
}

// supersededBy reports whether the key already holds a result from a job
// submitted after this one. Job IDs are ULIDs, so they order by submission.
func supersededBy(ctx context.Context, s store.Store, c codec.Codec, job backend.Job) (bool, error) {
	data, found, err := s.Get(ctx, job.Key)
	if err != nil {
		return false, fmt.Errorf("read existing result: %w", err)
	}
	if !found {
		return false, nil
	}
	var existing model.Envelope
	if err := c.Unmarshal(data, &existing); err != nil {
		return false, nil
	}
	return existing.JobID > job.ID, nil
}
