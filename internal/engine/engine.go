package engine

import (
	"fmt"
	"slices"
	"time"

	"github.com/DoyleJ11/team-progress-backend/internal/graph"
)

type CommandType string

const (
	CmdRequestUnlock    CommandType = "RequestUnlock"
	CmdStartActivity    CommandType = "StartActivity"
	CmdCompleteActivity CommandType = "CompleteActivity"
	CmdAbandonActivity  CommandType = "AbandonActivity"

	// Issued by the team runtime, never by clients.
	CmdExpireLeases      CommandType = "ExpireLeases"
	CmdReleaseConnection CommandType = "ReleaseConnection"
	CmdSyncPresence      CommandType = "SyncPresence"
	CmdResetSessions     CommandType = "ResetSessions"
)

// AnyVersion disables the base version check for a command.
const AnyVersion int64 = -1

type Command struct {
	Type         CommandType
	BaseVersion  int64
	UniverseID   graph.UniverseID
	ActivityID   graph.ActivityID
	ConnectionID string
	PlayerID     string
	Score        int64
	Players      []string // SyncPresence: the connected players, in join order
}

type ChangeType string

const (
	ChangeUniverseStatus    ChangeType = "universe_status"
	ChangeActivityLocked    ChangeType = "activity_locked"
	ChangeActivityReleased  ChangeType = "activity_released"
	ChangeLeaseExpired      ChangeType = "lease_expired"
	ChangeActivityCompleted ChangeType = "activity_completed"
	ChangeActivityScore     ChangeType = "activity_score"
	ChangeScore             ChangeType = "score_changed"
	ChangePlayerJoined      ChangeType = "player_joined"
	ChangePlayerLeft        ChangeType = "player_left"
)

type ReleaseReason string

const (
	ReleaseAbandoned    ReleaseReason = "abandoned"
	ReleaseDisconnected ReleaseReason = "disconnected"
)

// Change is one entry of a delta. Only the fields relevant to Type are set.
type Change struct {
	Type         ChangeType       `json:"type"`
	UniverseID   graph.UniverseID `json:"universe_id,omitempty"`
	ActivityID   graph.ActivityID `json:"activity_id,omitempty"`
	Status       UniverseStatus   `json:"status,omitempty"`
	ConnectionID string           `json:"connection_id,omitempty"`
	PlayerID     string           `json:"player_id,omitempty"`
	Lease        *Lease           `json:"lease,omitempty"`
	Reason       ReleaseReason    `json:"reason,omitempty"`
	Score        *int64           `json:"score,omitempty"`
	Attempts     int              `json:"attempts,omitempty"`
	TotalScore   int64            `json:"total_score,omitempty"`
}

// Delta is the immutable record of one accepted mutation.
// ToVersion is always FromVersion+1.
type Delta struct {
	TeamID      string    `json:"team_id"`
	FromVersion int64     `json:"from_version"`
	ToVersion   int64     `json:"to_version"`
	Changes     []Change  `json:"changes"`
	At          time.Time `json:"at"`
}

// Rules are the team-independent inputs to every command.
type Rules struct {
	Graph    *graph.Graph
	LeaseTTL time.Duration
}

// Apply validates cmd against s and returns the resulting changes and state.
// s is never modified. An accepted command that changes nothing returns no
// changes, the unchanged state and a nil error; otherwise the returned state
// carries Version s.Version+1.
func Apply(r Rules, s State, cmd Command, now time.Time) ([]Change, State, error) {
	if r.Graph == nil {
		return nil, s, fmt.Errorf("%w: no progression graph", ErrInvalidCommand)
	}

	var (
		changes []Change
		next    State
		err     error
	)
	switch cmd.Type {
	case CmdRequestUnlock:
		changes, next, err = requestUnlock(r, s, cmd)
	case CmdStartActivity:
		changes, next, err = startActivity(r, s, cmd, now)
	case CmdCompleteActivity:
		changes, next, err = completeActivity(r, s, cmd, now)
	case CmdAbandonActivity:
		changes, next, err = abandonActivity(r, s, cmd)
	case CmdExpireLeases:
		changes, next = ExpireLeases(r.Graph, s, now)
	case CmdReleaseConnection:
		changes, next, err = releaseConnection(r, s, cmd)
	case CmdSyncPresence:
		changes, next = syncPresence(s, cmd.Players)
	case CmdResetSessions:
		changes, next = resetSessions(r, s)
	default:
		return nil, s, fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Type)
	}

	if err != nil {
		return nil, s, err
	}
	if len(changes) == 0 {
		return nil, s, nil
	}
	next.Version = s.Version + 1
	return changes, next, nil
}

func checkBase(s State, cmd Command) error {
	if cmd.BaseVersion == AnyVersion || cmd.BaseVersion == s.Version {
		return nil
	}
	return fmt.Errorf("%w: base %d, current %d", ErrStaleVersion, cmd.BaseVersion, s.Version)
}

func requestUnlock(r Rules, s State, cmd Command) ([]Change, State, error) {
	if cmd.UniverseID == "" {
		return nil, s, fmt.Errorf("%w: universe id required", ErrInvalidCommand)
	}
	u, ok := r.Graph.Universe(cmd.UniverseID)
	if !ok {
		return nil, s, notFound("universe", cmd.UniverseID)
	}

	// Racing unlocks: everyone after the first sees success.
	if s.Universes[u.ID].Open() {
		return nil, s, nil
	}

	for _, req := range u.Prerequisites {
		if s.Universes[req] != UniverseCompleted {
			return nil, s, fmt.Errorf("%w: %s requires %s", ErrPrerequisitesNotMet, u.ID, req)
		}
	}
	if err := checkBase(s, cmd); err != nil {
		return nil, s, err
	}

	next := s.Clone()
	next.Universes[u.ID] = UniverseUnlocked
	return []Change{{Type: ChangeUniverseStatus, UniverseID: u.ID, Status: UniverseUnlocked}}, next, nil
}

// activityUniverse resolves the universe of an activity and checks it is open.
func activityUniverse(r Rules, s State, cmd Command) (graph.UniverseID, error) {
	if cmd.ActivityID == "" || cmd.ConnectionID == "" {
		return "", fmt.Errorf("%w: activity and connection required", ErrInvalidCommand)
	}
	uid, ok := r.Graph.UniverseOf(cmd.ActivityID)
	if !ok {
		return "", notFound("activity", cmd.ActivityID)
	}
	if !s.Universes[uid].Open() {
		return "", fmt.Errorf("%w: universe %s is locked", ErrPrerequisitesNotMet, uid)
	}
	return uid, nil
}

func startActivity(r Rules, s State, cmd Command, now time.Time) ([]Change, State, error) {
	uid, err := activityUniverse(r, s, cmd)
	if err != nil {
		return nil, s, err
	}

	current := s.Activities[cmd.ActivityID].Lease
	if current != nil && !current.Expired(now) && current.ConnectionID != cmd.ConnectionID {
		return nil, s, fmt.Errorf("%w: %s", ErrAlreadyLocked, cmd.ActivityID)
	}
	// A holder refreshing its own lease cannot conflict with anything.
	refresh := current != nil && current.ConnectionID == cmd.ConnectionID
	if !refresh {
		if err := checkBase(s, cmd); err != nil {
			return nil, s, err
		}
	}

	next := s.Clone()
	rec := next.Activities[cmd.ActivityID]
	var changes []Change

	if current != nil && !refresh {
		// Lazily expire the previous holder's lease in the same delta.
		changes = append(changes, expire(&rec, cmd.ActivityID))
	}

	rec.Lease = &Lease{
		ConnectionID: cmd.ConnectionID,
		PlayerID:     cmd.PlayerID,
		IssuedAt:     now,
		ExpiresAt:    now.Add(r.LeaseTTL),
	}
	rec.ExpiredHolder = ""
	next.Activities[cmd.ActivityID] = rec

	lease := *rec.Lease
	changes = append(changes, Change{
		Type:         ChangeActivityLocked,
		ActivityID:   cmd.ActivityID,
		ConnectionID: cmd.ConnectionID,
		PlayerID:     cmd.PlayerID,
		Lease:        &lease,
	})

	if next.Universes[uid] == UniverseUnlocked {
		next.Universes[uid] = UniverseInProgress
		changes = append(changes, Change{Type: ChangeUniverseStatus, UniverseID: uid, Status: UniverseInProgress})
	}
	return changes, next, nil
}

func completeActivity(r Rules, s State, cmd Command, now time.Time) ([]Change, State, error) {
	if cmd.Score < 0 {
		return nil, s, fmt.Errorf("%w: negative score", ErrInvalidCommand)
	}
	if _, err := activityUniverse(r, s, cmd); err != nil {
		return nil, s, err
	}

	rec := s.Activities[cmd.ActivityID]
	lease := rec.Lease
	if lease != nil && !lease.Expired(now) && lease.ConnectionID != cmd.ConnectionID {
		return nil, s, fmt.Errorf("%w: %s", ErrAlreadyLocked, cmd.ActivityID)
	}

	holds := (lease != nil && lease.ConnectionID == cmd.ConnectionID) ||
		(lease == nil && rec.ExpiredHolder == cmd.ConnectionID)

	if !holds {
		if !rec.Completed {
			return nil, s, fmt.Errorf("%w: %s", ErrLeaseNotHeld, cmd.ActivityID)
		}
		if cmd.Score <= rec.best() {
			return nil, s, nil
		}
		// A late higher score only raises the record; unlocks already happened.
		if err := checkBase(s, cmd); err != nil {
			return nil, s, err
		}
		next := s.Clone()
		nrec := next.Activities[cmd.ActivityID]
		score := cmd.Score
		next.TotalScore += score - nrec.best()
		nrec.Score = &score
		nrec.Attempts++
		next.Activities[cmd.ActivityID] = nrec
		changes := []Change{
			{Type: ChangeActivityScore, ActivityID: cmd.ActivityID, PlayerID: cmd.PlayerID, Score: &score, Attempts: nrec.Attempts},
			{Type: ChangeScore, TotalScore: next.TotalScore},
		}
		return changes, next, nil
	}

	if err := checkBase(s, cmd); err != nil {
		return nil, s, err
	}

	next := s.Clone()
	nrec := next.Activities[cmd.ActivityID]
	first := !nrec.Completed
	improved := nrec.Score == nil || cmd.Score > *nrec.Score

	nrec.Lease = nil
	nrec.ExpiredHolder = ""
	nrec.Completed = true
	nrec.Attempts++
	if improved {
		score := cmd.Score
		next.TotalScore += score - nrec.best()
		nrec.Score = &score
	}
	next.Activities[cmd.ActivityID] = nrec

	changes := []Change{completedChange(cmd, nrec)}
	if improved {
		changes = append(changes, Change{Type: ChangeScore, TotalScore: next.TotalScore})
	}
	if first {
		ev := Evaluate(r.Graph, next.Universes, next.Activities, cmd.ActivityID)
		for _, id := range ev.Completed {
			next.Universes[id] = UniverseCompleted
			changes = append(changes, Change{Type: ChangeUniverseStatus, UniverseID: id, Status: UniverseCompleted})
		}
		for _, id := range ev.Unlocked {
			next.Universes[id] = UniverseUnlocked
			changes = append(changes, Change{Type: ChangeUniverseStatus, UniverseID: id, Status: UniverseUnlocked})
		}
	}
	return changes, next, nil
}

func completedChange(cmd Command, rec ActivityRecord) Change {
	var score *int64
	if rec.Score != nil {
		v := *rec.Score
		score = &v
	}
	return Change{
		Type:         ChangeActivityCompleted,
		ActivityID:   cmd.ActivityID,
		ConnectionID: cmd.ConnectionID,
		PlayerID:     cmd.PlayerID,
		Score:        score,
		Attempts:     rec.Attempts,
	}
}

func abandonActivity(r Rules, s State, cmd Command) ([]Change, State, error) {
	if cmd.ActivityID == "" || cmd.ConnectionID == "" {
		return nil, s, fmt.Errorf("%w: activity and connection required", ErrInvalidCommand)
	}
	if _, ok := r.Graph.UniverseOf(cmd.ActivityID); !ok {
		return nil, s, notFound("activity", cmd.ActivityID)
	}

	lease := s.Activities[cmd.ActivityID].Lease
	if lease == nil || lease.ConnectionID != cmd.ConnectionID {
		return nil, s, nil
	}
	if err := checkBase(s, cmd); err != nil {
		return nil, s, err
	}

	next := s.Clone()
	rec := next.Activities[cmd.ActivityID]
	rec.Lease = nil
	next.Activities[cmd.ActivityID] = rec
	return []Change{{
		Type:         ChangeActivityReleased,
		ActivityID:   cmd.ActivityID,
		ConnectionID: cmd.ConnectionID,
		Reason:       ReleaseAbandoned,
	}}, next, nil
}

// releaseConnection drops every lease held by a connection that did not come
// back within its grace period.
func releaseConnection(r Rules, s State, cmd Command) ([]Change, State, error) {
	if cmd.ConnectionID == "" {
		return nil, s, fmt.Errorf("%w: connection required", ErrInvalidCommand)
	}
	var changes []Change
	next := s.Clone()
	for _, a := range r.Graph.Activities() {
		rec := next.Activities[a]
		if rec.Lease == nil || rec.Lease.ConnectionID != cmd.ConnectionID {
			continue
		}
		rec.Lease = nil
		next.Activities[a] = rec
		changes = append(changes, Change{
			Type:         ChangeActivityReleased,
			ActivityID:   a,
			ConnectionID: cmd.ConnectionID,
			Reason:       ReleaseDisconnected,
		})
	}
	if len(changes) == 0 {
		return nil, s, nil
	}
	return changes, next, nil
}

func syncPresence(s State, players []string) ([]Change, State) {
	var changes []Change
	kept := make([]string, 0, len(players))
	for _, p := range s.Players {
		if slices.Contains(players, p) {
			kept = append(kept, p)
			continue
		}
		changes = append(changes, Change{Type: ChangePlayerLeft, PlayerID: p})
	}
	for _, p := range players {
		if p == "" || slices.Contains(kept, p) {
			continue
		}
		kept = append(kept, p)
		changes = append(changes, Change{Type: ChangePlayerJoined, PlayerID: p})
	}
	if len(changes) == 0 {
		return nil, s
	}
	next := s.Clone()
	next.Players = kept
	return changes, next
}

// resetSessions clears presence and expires every lease. Used on a state
// restored from storage, where no connection of the previous process survives.
func resetSessions(r Rules, s State) ([]Change, State) {
	changes, next := syncPresence(s, nil)
	cloned := len(changes) > 0
	for _, a := range r.Graph.Activities() {
		if s.Activities[a].Lease == nil {
			continue
		}
		if !cloned {
			next = s.Clone()
			cloned = true
		}
		rec := next.Activities[a]
		changes = append(changes, expire(&rec, a))
		next.Activities[a] = rec
	}
	return changes, next
}
