package team

import (
	"slices"
	"time"
)

// session is one connection identity. It survives its socket for the
// disconnect grace so a reconnect keeps its leases.
type session struct {
	id       string
	token    string // resume secret, only ever sent to this session's own sockets
	playerID string
	outbox   chan Update // nil while disconnected
	acked    int64
	gen      uint64
	grace    *time.Timer
}

func (s *session) attached() bool { return s.outbox != nil }

// registry tracks sessions in join order.
type registry struct {
	byID    map[string]*session
	byToken map[string]*session
	order   []string
}

func newRegistry() *registry {
	return &registry{
		byID:    make(map[string]*session),
		byToken: make(map[string]*session),
	}
}

func (r *registry) get(id string) *session { return r.byID[id] }

func (r *registry) resumable(token string) *session {
	if token == "" {
		return nil
	}
	return r.byToken[token]
}

func (r *registry) add(s *session) {
	r.byID[s.id] = s
	r.byToken[s.token] = s
	r.order = append(r.order, s.id)
}

func (r *registry) remove(id string) {
	if s := r.byID[id]; s != nil {
		delete(r.byToken, s.token)
	}
	delete(r.byID, id)
	r.order = slices.DeleteFunc(r.order, func(v string) bool { return v == id })
}

func (r *registry) size() int { return len(r.byID) }

func (r *registry) attachedCount() int {
	n := 0
	for _, s := range r.byID {
		if s.attached() {
			n++
		}
	}
	return n
}

// each visits sessions in join order.
func (r *registry) each(fn func(*session)) {
	for _, id := range r.order {
		fn(r.byID[id])
	}
}

// players lists the distinct player ids of every session, first join first.
func (r *registry) players() []string {
	out := []string{}
	r.each(func(s *session) {
		if s.playerID != "" && !slices.Contains(out, s.playerID) {
			out = append(out, s.playerID)
		}
	})
	return out
}
