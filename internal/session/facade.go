package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/nightvote/gamesync/internal/api"
	"github.com/nightvote/gamesync/internal/automation"
	"github.com/nightvote/gamesync/internal/game"
	"github.com/nightvote/gamesync/internal/gamesync"
	"github.com/nightvote/gamesync/internal/observability"
	"github.com/nightvote/gamesync/internal/poll"
	"github.com/nightvote/gamesync/internal/push"
)

// API is what the facade needs from the HTTP collaborator.
// *api.Client satisfies it.
type API interface {
	FetchSnapshot(ctx context.Context, sessionID string) (*game.Snapshot, error)
	Advance(ctx context.Context, sessionID string) error
	SubmitAction(ctx context.Context, sessionID string, action game.Action) error
}

var _ API = (*api.Client)(nil)

type source string

const (
	sourcePush    source = "push"
	sourcePoll    source = "poll"
	sourceRefresh source = "refresh"
)

// Config holds everything needed to subscribe to one session.
type Config struct {
	SessionID string
	// PushURL is the websocket endpoint for this session.
	PushURL string
	// Token authenticates the push handshake.
	Token string

	Push       push.Config
	Poll       poll.Config
	Automation automation.Config
}

// UpdateFunc observes every accepted snapshot. first is true exactly
// once per subscription, on the first accepted reconciliation.
type UpdateFunc func(snapshot *game.Snapshot, first bool)

// Facade is the single entry point consumers use: it composes the
// state store, reconciliation, push channel, poll channel, and
// automation scheduler behind one Subscribe/Close lifecycle.
type Facade struct {
	cfg     Config
	api     API
	store   *gamesync.Store
	push    *push.Channel
	poller  *poll.Poller
	sched   *automation.Scheduler
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	onUpdate UpdateFunc

	pushApplied   atomic.Bool
	wasConnected  atomic.Bool
	refetching    atomic.Bool
	lastTransport atomic.Value // string

	closeOnce sync.Once
}

// Subscribe creates the facade for one session, opens the push channel,
// starts the polling fallback, and issues an initial snapshot fetch.
// The caller owns the returned facade and must Close it.
func Subscribe(cfg Config, apiClient API, metrics *observability.Metrics, clock clockwork.Clock, onUpdate UpdateFunc) *Facade {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())

	f := &Facade{
		cfg:      cfg,
		api:      apiClient,
		store:    gamesync.NewStore(),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		onUpdate: onUpdate,
	}

	f.sched = automation.NewScheduler(
		cfg.Automation,
		clock,
		f.advanceRequest,
		f.Refresh,
		f.Snapshot,
	)

	pushCfg := cfg.Push
	pushCfg.URL = cfg.PushURL
	pushCfg.Token = cfg.Token
	f.push = push.NewChannel(pushCfg, push.Callbacks{
		OnSnapshot: func(snapshot *game.Snapshot) {
			f.applyCandidate(snapshot, sourcePush)
		},
		OnError:       f.handleTransportError,
		OnStateChange: f.handleConnectionState,
	}, clock)

	f.poller = poll.NewPoller(
		cfg.Poll,
		clock,
		f.fetchSnapshot,
		func(snapshot *game.Snapshot) {
			f.applyCandidate(snapshot, sourcePoll)
		},
		f.pollRelaxed,
		f.IsFinished,
	)

	f.push.Open()
	go f.poller.Run(ctx)
	go func() {
		if err := f.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("session_id", cfg.SessionID).Msg("initial snapshot fetch failed")
		}
	}()

	log.Info().Str("session_id", cfg.SessionID).Msg("subscribed to session")
	return f
}

// applyCandidate is the single reconciliation entry point: push, poll,
// and refresh results all land here, so version checks always see a
// consistent cached value.
func (f *Facade) applyCandidate(candidate *game.Snapshot, src source) {
	outcome := f.store.Apply(f.cfg.SessionID, candidate)

	switch {
	case outcome.NeedsRefetch:
		if f.metrics != nil {
			f.metrics.SnapshotsRejected.WithLabelValues("incomplete").Inc()
		}
		// Never merge a partial payload; pull the full snapshot instead.
		f.requestRefetch(src)
	case outcome.Stale:
		if f.metrics != nil {
			f.metrics.SnapshotsRejected.WithLabelValues("stale").Inc()
		}
	case outcome.Applied:
		if f.metrics != nil {
			f.metrics.SnapshotsApplied.WithLabelValues(string(src)).Inc()
		}
		if src == sourcePush {
			f.pushApplied.Store(true)
		}
		f.sched.Consider()
		f.syncGauges()
		if f.onUpdate != nil {
			f.onUpdate(outcome.Snapshot, outcome.First)
		}
	}
}

// requestRefetch pulls a full snapshot after an incomplete candidate.
// At most one refetch is in flight at a time, and an incomplete payload
// arriving on a refetch result is surfaced rather than refetched again:
// a server that cannot produce a complete snapshot must not be fetched
// from in a tight loop.
func (f *Facade) requestRefetch(src source) {
	if src == sourceRefresh {
		log.Warn().Str("session_id", f.cfg.SessionID).Msg("server returned an incomplete snapshot on refetch")
		return
	}
	if !f.refetching.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer f.refetching.Store(false)
		if err := f.Refresh(f.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("session_id", f.cfg.SessionID).Msg("refetch after incomplete snapshot failed")
		}
	}()
}

func (f *Facade) fetchSnapshot(ctx context.Context) (*game.Snapshot, error) {
	return f.api.FetchSnapshot(ctx, f.cfg.SessionID)
}

// pollRelaxed reports whether the poll interval may widen: push
// connected, no decode error, and at least one push-delivered snapshot
// reconciled this subscription.
func (f *Facade) pollRelaxed() bool {
	return f.push.Healthy() && f.pushApplied.Load()
}

func (f *Facade) advanceRequest(ctx context.Context) error {
	err := f.api.Advance(ctx, f.cfg.SessionID)
	if err != nil && !errors.Is(err, context.Canceled) && f.metrics != nil {
		f.metrics.AdvanceFailures.Inc()
	}
	f.syncGauges()
	return err
}

func (f *Facade) handleTransportError(message string) {
	f.lastTransport.Store(message)
}

func (f *Facade) handleConnectionState(state push.State) {
	switch state {
	case push.StateConnected:
		f.wasConnected.Store(true)
		if f.metrics != nil {
			f.metrics.PushConnected.Set(1)
		}
	case push.StateConnecting:
		if f.wasConnected.Load() && f.metrics != nil {
			f.metrics.PushReconnects.Inc()
		}
	default:
		if f.metrics != nil {
			f.metrics.PushConnected.Set(0)
		}
	}
}

func (f *Facade) syncGauges() {
	if f.metrics == nil {
		return
	}
	if f.sched.Paused() {
		f.metrics.AutomationPaused.Set(1)
	} else {
		f.metrics.AutomationPaused.Set(0)
	}
}

// Snapshot returns the current cached snapshot, or nil before the
// first accepted update.
func (f *Facade) Snapshot() *game.Snapshot {
	return f.store.Get(f.cfg.SessionID)
}

// IsFinished reports whether the cached session has ended.
func (f *Facade) IsFinished() bool {
	return f.Snapshot().IsFinished()
}

// NeedsHumanAction reports whether input is owed by the local
// participant.
func (f *Facade) NeedsHumanAction() bool {
	return f.Snapshot().NeedsHumanAction()
}

// IsNightPhase reports whether the cached session is in a night phase.
func (f *Facade) IsNightPhase() bool {
	return f.Snapshot().IsNightPhase()
}

// ConnectionState returns the push channel's state for health display.
func (f *Facade) ConnectionState() push.State {
	return f.push.State()
}

// LastTransportError returns the most recent error-frame message, or
// empty. It never implies the connection is down.
func (f *Facade) LastTransportError() string {
	if v := f.lastTransport.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// AutomationPaused mirrors the scheduler's failure ceiling: when true,
// the self-advance loop stopped arming itself and manual action is
// required.
func (f *Facade) AutomationPaused() bool {
	return f.sched.Paused()
}

// Refresh fetches the current snapshot and routes it through
// reconciliation.
func (f *Facade) Refresh(ctx context.Context) error {
	snapshot, err := f.fetchSnapshot(ctx)
	if err != nil {
		return err
	}
	f.applyCandidate(snapshot, sourceRefresh)
	return nil
}

// Advance issues a manual advance. Success resets the scheduler's
// failure counter, re-arming paused automation.
func (f *Facade) Advance(ctx context.Context) error {
	err := f.sched.TriggerManual(ctx)
	f.syncGauges()
	return err
}

// SubmitAction submits the local participant's action. On success it
// triggers a refresh rather than assuming the action's effect is
// already reflected in the cache.
func (f *Facade) SubmitAction(ctx context.Context, action game.Action) error {
	if err := f.api.SubmitAction(ctx, f.cfg.SessionID, action); err != nil {
		return err
	}
	return f.Refresh(ctx)
}

// ResetAutomation clears the scheduler's failure counter, e.g. when
// the consumer starts a new session in place.
func (f *Facade) ResetAutomation() {
	f.sched.Reset()
	f.syncGauges()
}

// Close unsubscribes: cancels pending reconnects, stops the heartbeat,
// closes the transport with the intentional code, cancels pending poll
// ticks and advance timers, and drops the cached snapshot. Idempotent,
// since teardown can race an in-flight reconnect attempt.
func (f *Facade) Close() {
	f.closeOnce.Do(func() {
		f.push.Close()
		f.poller.Stop()
		f.sched.Stop()
		f.cancel()
		f.store.Drop(f.cfg.SessionID)
		log.Info().Str("session_id", f.cfg.SessionID).Msg("unsubscribed from session")
	})
}
