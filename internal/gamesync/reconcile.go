package gamesync

import (
	"github.com/rs/zerolog/log"

	"github.com/nightvote/gamesync/internal/game"
)

// Outcome describes what a reconciliation decided. There is no error
// path: every input, including malformed candidates, resolves to an
// Outcome rather than an error.
type Outcome struct {
	// Snapshot is the resulting cached value (unchanged on rejection).
	Snapshot *game.Snapshot
	// Applied is true when the candidate superseded (or re-delivered)
	// the cached snapshot.
	Applied bool
	// First is true on the first accepted snapshot for a subscription.
	// Only Store.Apply sets it; bare Reconcile leaves it false.
	First bool
	// Stale is true when the candidate carried a version lower than
	// the cached one and was discarded.
	Stale bool
	// NeedsRefetch is true when the candidate was structurally
	// incomplete and the caller should fetch a full snapshot instead.
	NeedsRefetch bool
}

// Reconcile decides whether candidate supersedes cached. It is pure:
// no state is touched, and the returned snapshot is either cached
// (rejection) or candidate (acceptance).
//
// Equal versions are accepted: re-delivery of the same version is legal
// and idempotent because the event log is taken wholesale from the
// candidate rather than appended. The server is authoritative and
// complete for the event log; no client-side deduplication is attempted
// since legitimate duplicate events (e.g. two identical system
// announcements) would be indistinguishable from re-delivery.
func Reconcile(cached, candidate *game.Snapshot) Outcome {
	if !candidate.Complete() {
		log.Debug().
			Str("session_id", sessionIDOf(cached, candidate)).
			Msg("incomplete candidate snapshot, requesting refetch")
		return Outcome{Snapshot: cached, NeedsRefetch: true}
	}

	if cached != nil && candidate.Version < cached.Version {
		log.Debug().
			Str("session_id", cached.SessionID).
			Int64("cached_version", cached.Version).
			Int64("candidate_version", candidate.Version).
			Msg("discarding stale snapshot")
		return Outcome{Snapshot: cached, Stale: true}
	}

	return Outcome{Snapshot: candidate, Applied: true}
}

func sessionIDOf(snaps ...*game.Snapshot) string {
	for _, s := range snaps {
		if s != nil && s.SessionID != "" {
			return s.SessionID
		}
	}
	return ""
}
