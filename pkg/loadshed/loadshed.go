// Package loadshed watches the shared shed flag in Redis and exposes it as a
// cheap in-process check. When the flag is up the gateway short-circuits new
// requests with a structured shed response before any pipeline stage runs.
package loadshed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/batvault/gateway/pkg/observability"
)

// FlagKey is the shared Redis key toggled by operators.
const FlagKey = "gateway:load_shed"

// Watcher polls the flag and caches its state.
type Watcher struct {
	rdb             *redis.Client
	interval        time.Duration
	heartbeatCycles int
	logger          *observability.Logger
	metrics         *observability.Metrics

	active atomic.Bool
	done   chan struct{}
}

// New builds a watcher. interval defaults to 300ms, heartbeatCycles to 100.
func New(rdb *redis.Client, interval time.Duration, heartbeatCycles int, logger *observability.Logger, metrics *observability.Metrics) *Watcher {
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	if heartbeatCycles <= 0 {
		heartbeatCycles = 100
	}
	return &Watcher{
		rdb:             rdb,
		interval:        interval,
		heartbeatCycles: heartbeatCycles,
		logger:          logger,
		metrics:         metrics,
		done:            make(chan struct{}),
	}
}

// Active reports the cached flag state.
func (w *Watcher) Active() bool { return w.active.Load() }

// Run polls until ctx is done or Stop is called. Logging is
// transition-driven with a periodic heartbeat so a stuck flag still leaves a
// trace.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	cycles := 0
	w.refresh(ctx, &cycles)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.refresh(ctx, &cycles)
		}
	}
}

// Stop terminates Run.
func (w *Watcher) Stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func (w *Watcher) refresh(ctx context.Context, cycles *int) {
	if w.rdb == nil {
		return
	}

	val, err := w.rdb.Get(ctx, FlagKey).Result()
	if err != nil && err != redis.Nil {
		// Unreachable flag store means no shedding; availability wins.
		w.logger.Debug(ctx, "loadshed", "flag_poll_failed", "error", err.Error())
		return
	}
	next := err == nil && (val == "1" || val == "true" || val == "on")

	prev := w.active.Swap(next)
	if w.metrics != nil {
		v := 0.0
		if next {
			v = 1.0
		}
		w.metrics.LoadShedEnabled.Set(v)
	}

	*cycles++
	switch {
	case prev != next:
		w.logger.Info(ctx, "loadshed", "flag_changed", "active", next)
		*cycles = 0
	case *cycles >= w.heartbeatCycles:
		w.logger.Info(ctx, "loadshed", "flag_heartbeat", "active", next)
		*cycles = 0
	}
}
