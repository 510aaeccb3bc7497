// Package demo holds the job functions the longcall binary registers.
package demo

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/seantiz/longcall/internal/jobfn"
)

type SumArgs struct {
	Numbers []float64 `json:"numbers"`
	DelayMS int       `json:"delay_ms"`
	// Label is cosmetic and left out of the result key.
	Label string `json:"label,omitempty"`
}

type EchoArgs struct {
	Text    string `json:"text"`
	DelayMS int    `json:"delay_ms"`
}

type FailArgs struct {
	Message string `json:"message"`
}

type SpawnArgs struct {
	Seconds int `json:"seconds"`
}

type SpawnResult struct {
	PID    int  `json:"pid"`
	Exited bool `json:"exited"`
}

// Register adds the demo functions to reg.
func Register(reg *jobfn.Registry) error {
	if _, err := jobfn.Register(reg, jobfn.Definition[SumArgs, float64]{
		Name:       "slow_sum",
		Fn:         SlowSum,
		IgnoreArgs: []string{"label"},
	}); err != nil {
		return err
	}
	if _, err := jobfn.Register(reg, jobfn.Definition[EchoArgs, string]{
		Name: "echo",
		Fn:   Echo,
	}); err != nil {
		return err
	}
	if _, err := jobfn.Register(reg, jobfn.Definition[FailArgs, string]{
		Name:    "fail",
		Fn:      Fail,
		OnError: failHandler,
	}); err != nil {
		return err
	}
	if _, err := jobfn.Register(reg, jobfn.Definition[SpawnArgs, SpawnResult]{
		Name: "spawn_sleep",
		Fn:   SpawnSleep,
	}); err != nil {
		return err
	}
	return nil
}

// SlowSum adds the numbers one at a time, reporting progress after each.
func SlowSum(ctx context.Context, progress *jobfn.Reporter, args SumArgs) (float64, error) {
	var total float64
	for i, n := range args.Numbers {
		if err := sleep(ctx, args.DelayMS); err != nil {
			return 0, err
		}
		total += n
		if err := progress.Report(i+1, len(args.Numbers), fmt.Sprintf("added %g", n)); err != nil {
			return 0, fmt.Errorf("report progress: %w", err)
		}
	}
	return total, nil
}

// Echo returns the text after the delay.
func Echo(ctx context.Context, _ *jobfn.Reporter, args EchoArgs) (string, error) {
	if err := sleep(ctx, args.DelayMS); err != nil {
		return "", err
	}
	return args.Text, nil
}

// Fail always errors. Its handler turns the error into a result value.
func Fail(_ context.Context, _ *jobfn.Reporter, args FailArgs) (string, error) {
	msg := args.Message
	if msg == "" {
		msg = "demo failure"
	}
	return "", errors.New(msg)
}

func failHandler(err error) any {
	return map[string]any{"handled": true, "error": err.Error()}
}

// SpawnSleep starts a sleep helper process and waits for it. The helper is a
// grandchild of the serving process, so cancelling the job must take it down
// too.
func SpawnSleep(ctx context.Context, progress *jobfn.Reporter, args SpawnArgs) (SpawnResult, error) {
	seconds := args.Seconds
	if seconds <= 0 {
		seconds = 30
	}
	cmd := exec.Command("sleep", strconv.Itoa(seconds))
	if err := cmd.Start(); err != nil {
		return SpawnResult{}, fmt.Errorf("start sleep: %w", err)
	}
	res := SpawnResult{PID: cmd.Process.Pid}
	if err := progress.Report(0, seconds, "sleep pid "+strconv.Itoa(res.PID)); err != nil {
		return res, fmt.Errorf("report progress: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		res.Exited = true
		return res, err
	case <-ctx.Done():
		return res, ctx.Err()
	}
}

func sleep(ctx context.Context, ms int) error {
	if ms <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
