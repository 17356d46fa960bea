package engine

import (
	"time"

	"github.com/DoyleJ11/team-progress-backend/internal/graph"
)

// expire releases rec's lease as expired and returns the matching change.
func expire(rec *ActivityRecord, id graph.ActivityID) Change {
	holder := rec.Lease.ConnectionID
	rec.ExpiredHolder = holder
	rec.Lease = nil
	return Change{Type: ChangeLeaseExpired, ActivityID: id, ConnectionID: holder}
}

// ExpireLeases releases every lease whose expiry is at or before now. Only
// the server clock is consulted.
func ExpireLeases(g *graph.Graph, s State, now time.Time) ([]Change, State) {
	var changes []Change
	next := s
	cloned := false
	for _, a := range g.Activities() {
		rec, ok := s.Activities[a]
		if !ok || !rec.Lease.Expired(now) {
			continue
		}
		if !cloned {
			next = s.Clone()
			cloned = true
		}
		nrec := next.Activities[a]
		changes = append(changes, expire(&nrec, a))
		next.Activities[a] = nrec
	}
	return changes, next
}

// NextExpiry returns the earliest lease expiry in s, if any lease exists.
func NextExpiry(s State) (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, rec := range s.Activities {
		if rec.Lease == nil {
			continue
		}
		if !found || rec.Lease.ExpiresAt.Before(earliest) {
			earliest = rec.Lease.ExpiresAt
			found = true
		}
	}
	return earliest, found
}

// LeasesHeldBy lists the activities leased to a connection.
func LeasesHeldBy(s State, connectionID string) []graph.ActivityID {
	var out []graph.ActivityID
	for id, rec := range s.Activities {
		if rec.Lease != nil && rec.Lease.ConnectionID == connectionID {
			out = append(out, id)
		}
	}
	return out
}
