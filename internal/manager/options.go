package manager

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/longcall/internal/codec"
	"github.com/seantiz/longcall/internal/store"
)

const (
	tracerName = "github.com/seantiz/longcall/internal/manager"

	// DefaultResultTTL bounds how long an unread result or progress entry
	// survives when caching is off.
	DefaultResultTTL = time.Hour
)

// CacheByFunc returns one component of a key's cache partition.
type CacheByFunc func(ctx context.Context) string

// Option configures a Manager.
type Option func(*Manager)

// WithCache turns on result retention. Results are kept after they are read
// and reused by later submissions with the same key. Every cacheBy output
// is folded into the key.
func WithCache(cacheBy ...CacheByFunc) Option {
	return func(m *Manager) {
		m.cache = true
		m.cacheBy = append(m.cacheBy, cacheBy...)
	}
}

// WithExpire sets how long a cached result lives after its last use. Zero
// keeps cached results until they are cleared. Ignored without WithCache.
func WithExpire(d time.Duration) Option {
	return func(m *Manager) { m.expire = d }
}

// WithResultTTL sets the lifetime of unread results when caching is off.
func WithResultTTL(d time.Duration) Option {
	return func(m *Manager) { m.resultTTL = d }
}

// WithSupersede controls whether a new submission terminates jobs still
// running in the same slot. It is on by default.
func WithSupersede(on bool) Option {
	return func(m *Manager) { m.supersede = on }
}

// WithCodec sets the codec results and progress are stored with.
func WithCodec(c codec.Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithLocator tells out-of-process workers how to reach the store.
func WithLocator(l store.Locator) Option {
	return func(m *Manager) { m.locator = l }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTracer sets the tracer spans are recorded with.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithReapSchedule sets the cron schedule for reclaiming unhealthy jobs,
// e.g. "@every 30s". An empty schedule disables the reaper.
func WithReapSchedule(spec string) Option {
	return func(m *Manager) { m.reapSchedule = spec }
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

type slotKey struct{}

// WithSlot returns a context that submits into slot. With supersede on, a
// submission terminates jobs still running in its slot. Without a slot a
// job's slot is its key.
func WithSlot(ctx context.Context, slot string) context.Context {
	return context.WithValue(ctx, slotKey{}, slot)
}

func slotFrom(ctx context.Context, key string) string {
	if s, ok := ctx.Value(slotKey{}).(string); ok && s != "" {
		return s
	}
	return key
}
