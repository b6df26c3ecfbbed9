package game

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a game session
type Status string

const (
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// Phase represents the current sub-state of an active session.
// The synchronization core treats it as informational; only the
// day/night distinction is derived from it.
type Phase string

const (
	PhaseDay     Phase = "day"
	PhaseDayVote Phase = "day_vote"
	PhaseNight   Phase = "night"
	PhaseLobby   Phase = "lobby"
)

// IsNight reports whether the phase is a night phase (including night
// sub-phases such as "night_seer").
func (p Phase) IsNight() bool {
	return strings.HasPrefix(string(p), string(PhaseNight))
}

// Participant is one player's record inside a snapshot. Role is only
// populated when the server chooses to disclose it to this client.
type Participant struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Alive bool   `json:"alive"`
	Role  string `json:"role,omitempty"`
}

// Event is one entry of the append-only session log. The server always
// returns the full log; the client never reconstructs it from deltas.
type Event struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// PendingAction describes the input currently owed by the local
// participant, if any.
type PendingAction struct {
	Kind     string     `json:"kind"`
	Choices  []string   `json:"choices,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// Action is a client-submitted response to a PendingAction.
type Action struct {
	Kind   string `json:"kind"`
	Target string `json:"target,omitempty"`
}

// Snapshot is one authoritative, versioned view of a game session.
// Version is server-assigned and strictly non-decreasing across accepted
// snapshots for a given session.
type Snapshot struct {
	SessionID     string         `json:"session_id"`
	Version       int64          `json:"version"`
	Status        Status         `json:"status"`
	Phase         Phase          `json:"phase"`
	Participants  []Participant  `json:"participants"`
	EventLog      []Event        `json:"event_log"`
	PendingAction *PendingAction `json:"pending_action,omitempty"`
}

// Complete reports whether the snapshot is structurally well-formed:
// both collections must be present (empty is fine, absent is not).
// Incomplete snapshots must never overwrite the cache.
func (s *Snapshot) Complete() bool {
	return s != nil && s.EventLog != nil && s.Participants != nil
}

// IsFinished reports whether the session has ended.
func (s *Snapshot) IsFinished() bool {
	return s != nil && s.Status == StatusFinished
}

// NeedsHumanAction reports whether input is owed by the local participant.
func (s *Snapshot) NeedsHumanAction() bool {
	return s != nil && s.PendingAction != nil
}

// IsNightPhase reports whether the session is in a night phase.
func (s *Snapshot) IsNightPhase() bool {
	return s != nil && s.Phase.IsNight()
}
