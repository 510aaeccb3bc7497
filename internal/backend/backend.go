package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seantiz/longcall/internal/store"
)

var (
	// ErrUnavailable is returned by Submit when the executor cannot accept
	// work at all (broker unreachable, process spawn failure).
	ErrUnavailable = errors.New("backend unavailable")

	// ErrPoolFull is returned by Submit when every worker slot is busy.
	ErrPoolFull = errors.New("backend pool full")

	// ErrForeignHandle is returned when a handle was issued by another backend.
	ErrForeignHandle = errors.New("handle belongs to another backend")
)

// Backend is the interface that both executor variants implement. A manager
// selects one backend at construction and never branches on its type.
type Backend interface {
	// Name identifies the backend; handles carry it.
	Name() string

	// Submit starts executing job asynchronously and returns a handle to it.
	// It never waits for the job to finish.
	Submit(ctx context.Context, job Job) (Handle, error)

	// Running reports whether the job is still queued or executing.
	Running(ctx context.Context, h Handle) (bool, error)

	// Unhealthy reports whether the executor considers the job failed or
	// revoked without it having written a result.
	Unhealthy(ctx context.Context, h Handle) (bool, error)

	// Terminate stops the job and everything it started. It is idempotent and
	// succeeds for jobs that already finished.
	Terminate(ctx context.Context, h Handle) error

	// Capabilities reports static information about the backend.
	Capabilities() Capabilities

	// Close stops the backend and releases its resources.
	Close() error
}

// Job describes one function invocation handed to a backend.
type Job struct {
	ID          string          `json:"id"`
	Key         string          `json:"key"`
	ProgressKey string          `json:"progress_key"`
	Function    string          `json:"function"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args"`
	Codec       string          `json:"codec"`
	TTL         time.Duration   `json:"ttl"`
	Store       store.Locator   `json:"store"`
}

// Handle references a job submitted to a backend. Only the fields relevant
// to the issuing backend are set.
type Handle struct {
	ID        string    `json:"id"`
	Backend   string    `json:"backend"`
	Key       string    `json:"key"`
	Function  string    `json:"function,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Queue     string    `json:"queue,omitempty"`
	PID       int       `json:"pid,omitempty"`
	PGID      int       `json:"pgid,omitempty"`
	StartTime int64     `json:"start_time,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name           string `json:"name"`
	Distributed    bool   `json:"distributed"`
	KillsTree      bool   `json:"kills_tree"`
	MaxConcurrency int    `json:"max_concurrency"`
}
