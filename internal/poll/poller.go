package poll

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/nightvote/gamesync/internal/game"
)

// Config holds configuration for a poller.
type Config struct {
	// BaseInterval is used while push health is unproven.
	BaseInterval time.Duration
	// RelaxedInterval is used once the Relaxed predicate holds. This is
	// an optimization, not a correctness requirement; the interval
	// reverts to base the moment the predicate stops holding.
	RelaxedInterval time.Duration
}

// DefaultConfig returns the default polling intervals.
func DefaultConfig() Config {
	return Config{
		BaseInterval:    2 * time.Second,
		RelaxedInterval: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaseInterval <= 0 {
		c.BaseInterval = def.BaseInterval
	}
	if c.RelaxedInterval <= 0 {
		c.RelaxedInterval = def.RelaxedInterval
	}
	return c
}

// Poller periodically pulls the session snapshot and routes results
// through the same reconciliation sink as push updates.
type Poller struct {
	cfg   Config
	clock clockwork.Clock

	// Fetch pulls the current snapshot from the server.
	fetch func(ctx context.Context) (*game.Snapshot, error)
	// Deliver routes a fetched snapshot into reconciliation.
	deliver func(*game.Snapshot)
	// Relaxed reports whether push health is proven, allowing the
	// wider interval.
	relaxed func() bool
	// Finished reports whether the cached session has ended; polling
	// stops entirely once it has.
	finished func() bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPoller creates a poller. All four hooks are required.
func NewPoller(
	cfg Config,
	clock clockwork.Clock,
	fetch func(ctx context.Context) (*game.Snapshot, error),
	deliver func(*game.Snapshot),
	relaxed func() bool,
	finished func() bool,
) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		fetch:    fetch,
		deliver:  deliver,
		relaxed:  relaxed,
		finished: finished,
		stopCh:   make(chan struct{}),
	}
}

// Interval returns the interval the next tick will be scheduled with.
func (p *Poller) Interval() time.Duration {
	if p.relaxed() {
		return p.cfg.RelaxedInterval
	}
	return p.cfg.BaseInterval
}

// Run ticks until the context is cancelled, Stop is called, or the
// session finishes. The interval is re-evaluated before every tick so
// degraded push health takes effect on the next tick.
func (p *Poller) Run(ctx context.Context) {
	timer := p.clock.NewTimer(p.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-timer.Chan():
		}

		if p.finished() {
			log.Debug().Msg("session finished, poller stopping")
			return
		}

		snapshot, err := p.fetch(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			// Locally aborted fetch during teardown; not a failure.
			return
		case err != nil:
			log.Warn().Err(err).Msg("poll fetch failed")
		case snapshot != nil:
			p.deliver(snapshot)
		}

		if p.finished() {
			return
		}
		timer.Reset(p.Interval())
	}
}

// Stop cancels any pending poll tick. Idempotent.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}
