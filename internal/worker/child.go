package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/seantiz/longcall/internal/jobfn"
	"github.com/seantiz/longcall/internal/store"
)

// RunChild is the entry point of a process-pool child. It reads one request
// from in, opens the store named by the job, executes it and reports the
// outcome on out. Cancelling ctx abandons the job without writing a result.
func RunChild(ctx context.Context, reg *jobfn.Registry, in io.Reader, out io.Writer, logger *slog.Logger) error {
	var req Request
	if err := ReadMessage(in, &req); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	job := req.Job
	logger = logger.With("job_id", job.ID, "pid", os.Getpid())

	s, err := store.Open(ctx, job.Store)
	if err != nil {
		sendOutcome(out, logger, Outcome{JobID: job.ID, Status: StatusFailed, Error: fmt.Sprintf("open store: %v", err)})
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	if err := WriteMessage(out, Message{Type: MsgTypeStarted, PID: os.Getpid()}); err != nil {
		return fmt.Errorf("write started: %w", err)
	}

	o := Execute(ctx, Env{Registry: reg, Store: s, Logger: logger}, job)
	sendOutcome(out, logger, o)
	if o.Status == StatusFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, o.Error)
	}
	return nil
}

func sendOutcome(out io.Writer, logger *slog.Logger, o Outcome) {
	if err := WriteMessage(out, Message{Type: MsgTypeResult, Outcome: &o}); err != nil {
		logger.Error("write result", "error", err)
	}
}
