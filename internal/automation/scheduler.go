package automation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/nightvote/gamesync/internal/game"
)

// Config holds configuration for the automation scheduler.
type Config struct {
	// AdvanceDelay is how long an accepted snapshot waits before the
	// self-advance fires. The delay gives a racing human update a
	// chance to cancel the advance.
	AdvanceDelay time.Duration
	// RequestTimeout bounds one advance or refresh request.
	RequestTimeout time.Duration
	// MaxConsecutiveFailures is the ceiling after which the scheduler
	// stops arming itself. It exists to stop a broken automatic loop
	// from repeatedly hammering the server.
	MaxConsecutiveFailures int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		AdvanceDelay:           1500 * time.Millisecond,
		RequestTimeout:         10 * time.Second,
		MaxConsecutiveFailures: 3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AdvanceDelay <= 0 {
		c.AdvanceDelay = def.AdvanceDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	return c
}

// Scheduler decides, after every accepted snapshot, whether the session
// should self-advance, and schedules exactly one delayed advance call
// when it should. At most one timer is pending at a time; scheduling a
// new one cancels any not-yet-fired previous one.
type Scheduler struct {
	cfg   Config
	clock clockwork.Clock

	advance func(ctx context.Context) error
	refresh func(ctx context.Context) error
	current func() *game.Snapshot

	// ctx is the scheduler's lifetime; cancelling it marks in-flight
	// requests as locally aborted so they are not miscounted as
	// failures.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	failures int
	inFlight bool
	stopped  bool
	timer    clockwork.Timer
}

// NewScheduler creates a scheduler. current must return the
// then-current cached snapshot so the predicate can be re-validated
// when the timer fires.
func NewScheduler(
	cfg Config,
	clock clockwork.Clock,
	advance func(ctx context.Context) error,
	refresh func(ctx context.Context) error,
	current func() *game.Snapshot,
) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		advance: advance,
		refresh: refresh,
		current: current,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// eligibleLocked is the scheduling predicate: session not finished, no
// human input owed, no advance in flight, failure counter below the
// ceiling.
func (s *Scheduler) eligibleLocked(snapshot *game.Snapshot) bool {
	if s.stopped || snapshot == nil {
		return false
	}
	return !snapshot.IsFinished() &&
		!snapshot.NeedsHumanAction() &&
		!s.inFlight &&
		s.failures < s.cfg.MaxConsecutiveFailures
}

// Consider re-evaluates the predicate against the current cached
// snapshot and arms the advance timer when it holds. Called after
// every accepted snapshot.
func (s *Scheduler) Consider() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.eligibleLocked(s.current()) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(s.cfg.AdvanceDelay, s.fire)
	log.Debug().Dur("delay", s.cfg.AdvanceDelay).Msg("self-advance scheduled")
}

// fire re-validates the predicate against the then-current snapshot —
// state may have changed during the delay — before issuing the advance.
func (s *Scheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	if !s.eligibleLocked(s.current()) {
		s.mu.Unlock()
		log.Debug().Msg("self-advance no longer eligible at fire time")
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	err := s.advance(ctx)
	cancel()
	s.settle(err)
}

// TriggerManual issues an advance immediately on behalf of the user.
// A successful manual advance resets the failure counter, re-arming a
// paused scheduler.
func (s *Scheduler) TriggerManual(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return errors.New("advance already in flight")
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.inFlight = true
	s.mu.Unlock()

	// Manual advances are bounded the same way scheduled ones are.
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	err := s.advance(rctx)
	cancel()
	s.settle(err)
	return err
}

// settle applies the outcome of an advance call: reset the failure
// counter and refresh on success, count the failure otherwise. Locally
// aborted requests (teardown races) are suppressed, not counted.
func (s *Scheduler) settle(err error) {
	if err != nil {
		s.mu.Lock()
		s.inFlight = false
		if isLocalAbort(err) {
			s.mu.Unlock()
			log.Debug().Err(err).Msg("advance aborted locally, not counted")
			return
		}
		s.failures++
		paused := s.failures >= s.cfg.MaxConsecutiveFailures
		failures := s.failures
		s.mu.Unlock()

		if paused {
			log.Warn().
				Int("failures", failures).
				Msg("automation paused - manual action required")
		} else {
			log.Warn().Err(err).Int("failures", failures).Msg("advance failed")
		}
		return
	}

	s.mu.Lock()
	s.failures = 0
	s.inFlight = false
	s.mu.Unlock()

	// The refresh re-enters the scheduler via the accepted-snapshot
	// path, which is what arms the next advance.
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	rerr := s.refresh(ctx)
	cancel()
	if rerr == nil {
		return
	}
	if isLocalAbort(rerr) {
		log.Debug().Err(rerr).Msg("post-advance refresh aborted locally, not counted")
		return
	}
	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()
	log.Warn().Err(rerr).Int("failures", failures).Msg("post-advance refresh failed")
}

// isLocalAbort distinguishes a request the caller aborted (teardown)
// from a genuine network timeout; only the latter counts toward the
// failure ceiling.
func isLocalAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Paused reports whether the failure ceiling has been reached.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures >= s.cfg.MaxConsecutiveFailures
}

// Failures returns the consecutive-failure counter.
func (s *Scheduler) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Armed reports whether an advance timer is currently pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Reset clears the failure counter, e.g. when a new session starts.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// Stop cancels any pending advance timer and aborts in-flight
// requests. Idempotent; the scheduler never arms again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.cancel()
}
