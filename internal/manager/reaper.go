package manager

import (
	"context"
	"fmt"

	cronlib "github.com/robfig/cron/v3"

	"github.com/seantiz/longcall/internal/store"
)

// reapParser accepts standard 5-field cron and descriptors like "@every 30s".
var reapParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ReapStats counts what one reaper pass reclaimed.
type ReapStats struct {
	Reclaimed int
	Forgotten int
	Purged    int64
}

// Start runs the reaper on the configured schedule until Close.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.reapSchedule == "" {
		return nil
	}
	schedule, err := reapParser.Parse(m.reapSchedule)
	if err != nil {
		return fmt.Errorf("parse reap schedule %q: %w", m.reapSchedule, err)
	}
	if m.cron != nil {
		return nil
	}

	c := cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	c.Schedule(schedule, cronlib.FuncJob(func() {
		stats := m.Reap(context.WithoutCancel(ctx))
		if stats.Reclaimed > 0 || stats.Forgotten > 0 || stats.Purged > 0 {
			m.logger.Info("reaper pass",
				"reclaimed", stats.Reclaimed,
				"forgotten", stats.Forgotten,
				"purged", stats.Purged,
			)
		}
	}))
	c.Start()
	m.cron = c
	m.logger.Info("reaper started", "schedule", m.reapSchedule)
	return nil
}

// Reap terminates registered jobs the backend reports unhealthy, forgets
// jobs that finished, and purges expired store entries.
func (m *Manager) Reap(ctx context.Context) ReapStats {
	var stats ReapStats
	for _, h := range m.Running() {
		reclaimed, err := m.TerminateUnhealthyJob(ctx, h)
		if err != nil {
			m.logger.Warn("reap job", "job_id", h.ID, "error", err)
			continue
		}
		if reclaimed {
			stats.Reclaimed++
			continue
		}
		running, err := m.backend.Running(ctx, h)
		if err != nil {
			m.logger.Warn("reap job", "job_id", h.ID, "error", err)
			continue
		}
		if !running && m.forget(h) {
			stats.Forgotten++
		}
	}

	if p, ok := m.store.(store.Purger); ok {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			m.logger.Warn("purge expired entries", "error", err)
		}
		stats.Purged = n
	}
	return stats
}
