package team

import (
	"time"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
)

// deltaLog retains the most recent deltas, bounded by count and age, so a
// reconnecting connection can be caught up without a snapshot.
type deltaLog struct {
	max     int
	maxAge  time.Duration
	entries []engine.Delta
}

func newDeltaLog(max int, maxAge time.Duration) *deltaLog {
	return &deltaLog{max: max, maxAge: maxAge}
}

func (l *deltaLog) append(d engine.Delta) {
	if l.max <= 0 {
		return
	}
	l.entries = append(l.entries, d)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
}

func (l *deltaLog) prune(now time.Time) {
	if l.maxAge <= 0 {
		return
	}
	cut := 0
	for cut < len(l.entries) && now.Sub(l.entries[cut].At) > l.maxAge {
		cut++
	}
	if cut > 0 {
		l.entries = append(l.entries[:0:0], l.entries[cut:]...)
	}
}

// since returns the deltas that move a client from version v to current.
// ok is false when the log no longer covers v.
func (l *deltaLog) since(v, current int64, now time.Time) ([]engine.Delta, bool) {
	if v == current {
		return nil, true
	}
	if v > current || v < 0 {
		return nil, false
	}
	l.prune(now)
	if len(l.entries) == 0 || l.entries[0].FromVersion > v {
		return nil, false
	}
	i := int(v - l.entries[0].FromVersion)
	if i >= len(l.entries) || l.entries[i].FromVersion != v {
		return nil, false
	}
	out := make([]engine.Delta, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out, true
}

func (l *deltaLog) size() int { return len(l.entries) }
