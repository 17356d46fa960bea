package engine

import (
	"errors"
	"fmt"
	"slices"
)

var ErrVersionGap = errors.New("delta does not follow state version")

func ContainsChange(changes []Change, changeType ChangeType) bool {
	for _, change := range changes {
		if change.Type == changeType {
			return true
		}
	}
	return false
}

// Reduce folds deltas onto a snapshot the way a client does. Deltas must be
// contiguous starting at s.Version.
func Reduce(s State, deltas ...Delta) (State, error) {
	out := s.Clone()
	for _, d := range deltas {
		if d.FromVersion != out.Version || d.ToVersion != d.FromVersion+1 {
			return out, fmt.Errorf("%w: have %d, delta %d->%d", ErrVersionGap, out.Version, d.FromVersion, d.ToVersion)
		}
		for _, c := range d.Changes {
			applyChange(&out, c)
		}
		out.Version = d.ToVersion
	}
	return out, nil
}

func applyChange(s *State, c Change) {
	rec := s.Activities[c.ActivityID]
	switch c.Type {
	case ChangeUniverseStatus:
		s.Universes[c.UniverseID] = c.Status
		return
	case ChangeScore:
		s.TotalScore = c.TotalScore
		return
	case ChangePlayerJoined:
		if !slices.Contains(s.Players, c.PlayerID) {
			s.Players = append(s.Players, c.PlayerID)
		}
		return
	case ChangePlayerLeft:
		s.Players = slices.DeleteFunc(s.Players, func(p string) bool { return p == c.PlayerID })
		return
	case ChangeActivityLocked:
		if c.Lease != nil {
			l := *c.Lease
			rec.Lease = &l
		}
		rec.ExpiredHolder = ""
	case ChangeActivityReleased:
		rec.Lease = nil
	case ChangeLeaseExpired:
		rec.Lease = nil
		rec.ExpiredHolder = c.ConnectionID
	case ChangeActivityCompleted:
		rec.Lease = nil
		rec.ExpiredHolder = ""
		rec.Completed = true
		rec.Attempts = c.Attempts
		rec.Score = copyScore(c.Score)
	case ChangeActivityScore:
		rec.Score = copyScore(c.Score)
	default:
		return
	}
	s.Activities[c.ActivityID] = rec
}

func copyScore(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
