package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightvote/gamesync/internal/game"
)

func pollSnapshot(version int64) *game.Snapshot {
	return &game.Snapshot{
		SessionID:    "s1",
		Version:      version,
		Status:       game.StatusActive,
		Phase:        game.PhaseDay,
		Participants: []game.Participant{},
		EventLog:     []game.Event{},
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poll tick")
	}
}

func assertNoSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected poll tick")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPollerIntervalPolicy(t *testing.T) {
	var relaxed atomic.Bool
	p := NewPoller(
		Config{BaseInterval: 2 * time.Second, RelaxedInterval: 10 * time.Second},
		clockwork.NewFakeClock(),
		func(context.Context) (*game.Snapshot, error) { return nil, nil },
		func(*game.Snapshot) {},
		relaxed.Load,
		func() bool { return false },
	)

	assert.Equal(t, 2*time.Second, p.Interval())
	relaxed.Store(true)
	assert.Equal(t, 10*time.Second, p.Interval())
	relaxed.Store(false)
	assert.Equal(t, 2*time.Second, p.Interval(),
		"interval reverts to base immediately when push health degrades")
}

func TestPollerTicksAndDelivers(t *testing.T) {
	fc := clockwork.NewFakeClock()
	fetched := make(chan struct{}, 16)
	delivered := make(chan *game.Snapshot, 16)
	var relaxed atomic.Bool
	var calls atomic.Int64

	// The relaxed predicate flips inside the fetch hook so the change is
	// in place before the poller schedules its next tick.
	p := NewPoller(
		Config{BaseInterval: 2 * time.Second, RelaxedInterval: 10 * time.Second},
		fc,
		func(context.Context) (*game.Snapshot, error) {
			n := calls.Add(1)
			switch n {
			case 1:
				relaxed.Store(true) // push becomes healthy
			case 2:
				relaxed.Store(false) // push degrades
			}
			fetched <- struct{}{}
			return pollSnapshot(n), nil
		},
		func(s *game.Snapshot) { delivered <- s },
		relaxed.Load,
		func() bool { return false },
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	// First tick at the base interval while push health is unproven.
	fc.BlockUntil(1)
	fc.Advance(2 * time.Second)
	waitSignal(t, fetched)
	select {
	case s := <-delivered:
		require.Equal(t, int64(1), s.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("fetched snapshot not delivered")
	}

	// Push health proven: the next tick is scheduled 10s out.
	fc.BlockUntil(1)
	fc.Advance(2 * time.Second)
	assertNoSignal(t, fetched)
	fc.Advance(8 * time.Second)
	waitSignal(t, fetched)

	// Health degraded during tick two: back to the base interval.
	fc.BlockUntil(1)
	fc.Advance(2 * time.Second)
	waitSignal(t, fetched)
}

func TestPollerStopsWhenSessionFinishes(t *testing.T) {
	fc := clockwork.NewFakeClock()
	fetched := make(chan struct{}, 16)
	var finished atomic.Bool

	p := NewPoller(
		Config{BaseInterval: time.Second, RelaxedInterval: 10 * time.Second},
		fc,
		func(context.Context) (*game.Snapshot, error) {
			fetched <- struct{}{}
			return pollSnapshot(1), nil
		},
		func(*game.Snapshot) {},
		func() bool { return false },
		finished.Load,
	)
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	fc.BlockUntil(1)
	fc.Advance(time.Second)
	waitSignal(t, fetched)

	finished.Store(true)
	fc.BlockUntil(1)
	fc.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after session finished")
	}
	assertNoSignal(t, fetched)
}

func TestPollerSurvivesFetchErrors(t *testing.T) {
	fc := clockwork.NewFakeClock()
	fetched := make(chan struct{}, 16)

	p := NewPoller(
		Config{BaseInterval: time.Second, RelaxedInterval: 10 * time.Second},
		fc,
		func(context.Context) (*game.Snapshot, error) {
			fetched <- struct{}{}
			return nil, errors.New("server unreachable")
		},
		func(*game.Snapshot) { t.Error("must not deliver on fetch error") },
		func() bool { return false },
		func() bool { return false },
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	fc.BlockUntil(1)
	fc.Advance(time.Second)
	waitSignal(t, fetched)

	// Keeps ticking after a failure.
	fc.BlockUntil(1)
	fc.Advance(time.Second)
	waitSignal(t, fetched)
}

func TestPollerStopIsIdempotent(t *testing.T) {
	p := NewPoller(
		Config{},
		clockwork.NewFakeClock(),
		func(context.Context) (*game.Snapshot, error) { return nil, nil },
		func(*game.Snapshot) {},
		func() bool { return false },
		func() bool { return false },
	)
	p.Stop()
	p.Stop()
}
