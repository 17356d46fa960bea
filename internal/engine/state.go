package engine

import (
	"maps"
	"slices"
	"time"

	"github.com/DoyleJ11/team-progress-backend/internal/graph"
)

type UniverseStatus string

const (
	UniverseLocked     UniverseStatus = "locked"
	UniverseUnlocked   UniverseStatus = "unlocked"
	UniverseInProgress UniverseStatus = "in_progress"
	UniverseCompleted  UniverseStatus = "completed"
)

// Open reports whether activities inside the universe may be played.
func (s UniverseStatus) Open() bool {
	return s == UniverseUnlocked || s == UniverseInProgress || s == UniverseCompleted
}

type ActivityStatus string

const (
	ActivityIdle      ActivityStatus = "idle"
	ActivityLocked    ActivityStatus = "locked"
	ActivityCompleted ActivityStatus = "completed"
)

// Lease is a time-bounded exclusive claim on an activity.
type Lease struct {
	ConnectionID string    `json:"connection_id"`
	PlayerID     string    `json:"player_id,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (l *Lease) Expired(now time.Time) bool {
	return l != nil && !now.Before(l.ExpiresAt)
}

type ActivityRecord struct {
	Completed bool   `json:"completed"`
	Score     *int64 `json:"score,omitempty"`
	Attempts  int    `json:"attempts"`
	Lease     *Lease `json:"lease,omitempty"`

	// ExpiredHolder is the connection whose lease on this activity expired
	// most recently with no lease issued since. It may still complete.
	ExpiredHolder string `json:"expired_holder,omitempty"`
}

func (r ActivityRecord) Status() ActivityStatus {
	switch {
	case r.Lease != nil:
		return ActivityLocked
	case r.Completed:
		return ActivityCompleted
	default:
		return ActivityIdle
	}
}

func (r ActivityRecord) best() int64 {
	if r.Score == nil {
		return 0
	}
	return *r.Score
}

// State is the authoritative progression of one team at one version.
type State struct {
	TeamID     string                              `json:"team_id"`
	Version    int64                               `json:"version"`
	Players    []string                            `json:"players"`
	Universes  map[graph.UniverseID]UniverseStatus `json:"universes"`
	Activities map[graph.ActivityID]ActivityRecord `json:"activities"`
	TotalScore int64                               `json:"total_score"`
}

// NewState builds the initial state for a team: every universe locked, every
// activity idle, version zero.
func NewState(teamID string, g *graph.Graph) State {
	s := State{
		TeamID:     teamID,
		Players:    []string{},
		Universes:  make(map[graph.UniverseID]UniverseStatus),
		Activities: make(map[graph.ActivityID]ActivityRecord),
	}
	for _, id := range g.Order() {
		s.Universes[id] = UniverseLocked
	}
	for _, a := range g.Activities() {
		s.Activities[a] = ActivityRecord{}
	}
	return s
}

// Clone returns a deep copy so command handlers never alias the caller's state.
func (s State) Clone() State {
	out := s
	out.Players = slices.Clone(s.Players)
	if out.Players == nil {
		out.Players = []string{}
	}
	out.Universes = maps.Clone(s.Universes)
	out.Activities = make(map[graph.ActivityID]ActivityRecord, len(s.Activities))
	for id, rec := range s.Activities {
		if rec.Score != nil {
			v := *rec.Score
			rec.Score = &v
		}
		if rec.Lease != nil {
			l := *rec.Lease
			rec.Lease = &l
		}
		out.Activities[id] = rec
	}
	return out
}

// Reconcile aligns a persisted state with the current graph: universes and
// activities added since it was saved start locked/idle.
func (s State) Reconcile(g *graph.Graph) State {
	out := s.Clone()
	if out.Universes == nil {
		out.Universes = make(map[graph.UniverseID]UniverseStatus)
	}
	for _, id := range g.Order() {
		if _, ok := out.Universes[id]; !ok {
			out.Universes[id] = UniverseLocked
		}
	}
	for _, a := range g.Activities() {
		if _, ok := out.Activities[a]; !ok {
			out.Activities[a] = ActivityRecord{}
		}
	}
	return out
}
