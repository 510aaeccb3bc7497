package jobfn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/longcall/internal/codec"
	"github.com/seantiz/longcall/internal/model"
	"github.com/seantiz/longcall/internal/store"
)

// Reporter publishes progress snapshots for one job. Reports that would move
// progress backwards are dropped, so pollers observe a monotonic sequence.
// A nil *Reporter discards every report.
type Reporter struct {
	ctx   context.Context
	store store.Store
	key   string
	codec codec.Codec
	ttl   time.Duration
	now   func() time.Time

	mu   sync.Mutex
	seq  int64
	last *model.Progress
}

// NewReporter creates a reporter writing to progressKey in s.
func NewReporter(ctx context.Context, s store.Store, progressKey string, c codec.Codec, ttl time.Duration) *Reporter {
	return &Reporter{
		ctx:   ctx,
		store: s,
		key:   progressKey,
		codec: c,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Report records that current of total units are done. It returns the
// context error once the job has been cancelled.
func (r *Reporter) Report(current, total int, message string) error {
	if r == nil {
		return nil
	}
	if err := r.ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := model.Progress{
		Current:   current,
		Total:     total,
		Message:   message,
		Seq:       r.seq + 1,
		UpdatedAt: r.now().UTC(),
	}
	if r.last != nil && p.Behind(*r.last) {
		return nil
	}

	data, err := r.codec.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := r.store.Set(r.ctx, r.key, data, r.ttl); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	r.seq = p.Seq
	r.last = &p
	return nil
}

// Last returns the most recent accepted snapshot.
func (r *Reporter) Last() (model.Progress, bool) {
	if r == nil {
		return model.Progress{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return model.Progress{}, false
	}
	return *r.last, true
}
