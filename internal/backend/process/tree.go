package process

import (
	"context"
	"errors"
	"slices"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// maxSnapshotRounds bounds how often the descendant snapshot is retaken
// while processes are still appearing.
const maxSnapshotRounds = 4

// descendants returns every live descendant of pid, found by walking a
// parent→children map built from a full process table snapshot.
func descendants(ctx context.Context, pid int) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	children := make(map[int][]int, len(procs))
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue // exited during the snapshot
		}
		children[int(ppid)] = append(children[int(ppid)], int(p.Pid))
	}

	var out []int
	queue := []int{pid}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, c := range children[next] {
			if c == pid || slices.Contains(out, c) {
				continue
			}
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out, nil
}

// killTree kills pid, its process group and every descendant, including
// descendants that moved to another group or session. The group and each
// descendant are stopped first so nothing can fork while the tree is
// being enumerated. It returns the number of processes signalled.
func killTree(ctx context.Context, pid, pgid int) (int, error) {
	if pgid > 0 {
		_ = sendSignal(-pgid, unix.SIGSTOP)
	}
	_ = sendSignal(pid, unix.SIGSTOP)

	seen := map[int]bool{}
	var walkErr error
	for round := 0; round < maxSnapshotRounds; round++ {
		found, err := descendants(ctx, pid)
		if err != nil {
			walkErr = err
			break
		}
		fresh := 0
		for _, d := range found {
			if seen[d] {
				continue
			}
			seen[d] = true
			fresh++
			_ = sendSignal(d, unix.SIGSTOP)
		}
		if fresh == 0 {
			break
		}
	}

	if pgid > 0 {
		_ = sendSignal(-pgid, unix.SIGKILL)
	}
	for d := range seen {
		_ = sendSignal(d, unix.SIGKILL)
	}
	if err := sendSignal(pid, unix.SIGKILL); err != nil {
		return 0, err
	}
	return 1 + len(seen), walkErr
}

// sendSignal sends sig, treating an already-gone process as success.
func sendSignal(pid int, sig unix.Signal) error {
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// alive reports whether pid is a running, non-zombie process. When
// startTime is set, a process with a different creation time is a reused
// PID and counts as gone.
func alive(ctx context.Context, pid int, startTime int64) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	if startTime != 0 {
		created, err := p.CreateTimeWithContext(ctx)
		if err != nil || created != startTime {
			return false
		}
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	return !slices.Contains(status, process.Zombie)
}

// createTime returns the process creation time in milliseconds, or 0.
func createTime(ctx context.Context, pid int) int64 {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	t, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return 0
	}
	return t
}
