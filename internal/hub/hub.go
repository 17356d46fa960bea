// Package hub is the directory of running team actors.
package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/DoyleJ11/team-progress-backend/internal/team"
)

var ErrClosed = errors.New("hub: closed")

type HubMsg interface{ isHubMsg() }

type GetTeam struct {
	ID    string
	Reply chan *team.Team
}

// EnsureTeam returns the live actor for ID, starting one if none runs.
type EnsureTeam struct {
	ID    string
	Reply chan *team.Team
}

// RemoveTeam forgets Team if it is still the actor registered for ID.
type RemoveTeam struct {
	ID   string
	Team *team.Team
}

type CountTeams struct {
	Reply chan int
}

type ShutdownHub struct {
	Reply chan []*team.Team
}

func (GetTeam) isHubMsg()     {}
func (EnsureTeam) isHubMsg()  {}
func (RemoveTeam) isHubMsg()  {}
func (CountTeams) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox  chan HubMsg
	teams  map[string]*team.Team
	opts   team.Options
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub starts a hub whose teams are built from opts. OnRetire is owned by
// the hub and overwritten.
func NewHub(parent context.Context, opts team.Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		teams:  make(map[string]*team.Team),
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	h.opts.OnRetire = func(t *team.Team) {
		select {
		case h.inbox <- RemoveTeam{ID: t.ID(), Team: t}:
		case <-h.ctx.Done():
		}
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetTeam:
				msg.Reply <- h.teams[msg.ID] // May be nil

			case EnsureTeam:
				if t := h.teams[msg.ID]; t != nil {
					msg.Reply <- t
					break
				}
				t := team.NewTeam(h.ctx, msg.ID, h.opts)
				h.teams[msg.ID] = t
				h.logger.Debug("team started", zap.String("team_id", msg.ID))
				msg.Reply <- t

			case RemoveTeam:
				if h.teams[msg.ID] == msg.Team {
					delete(h.teams, msg.ID)
				}

			case CountTeams:
				msg.Reply <- len(h.teams)

			case ShutdownHub:
				teams := make([]*team.Team, 0, len(h.teams))
				for _, t := range h.teams {
					t.Send(team.Shutdown{})
					teams = append(teams, t)
				}
				clear(h.teams)
				msg.Reply <- teams
				h.cancel()
				return
			}
		}
	}
}

func request[T any](ctx context.Context, h *Hub, msg HubMsg, reply chan T) (T, error) {
	var zero T
	select {
	case h.inbox <- msg:
	case <-h.ctx.Done():
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-h.ctx.Done():
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (h *Hub) EnsureTeam(ctx context.Context, id string) (*team.Team, error) {
	reply := make(chan *team.Team, 1)
	return request(ctx, h, EnsureTeam{ID: id, Reply: reply}, reply)
}

// GetTeam returns nil when no actor runs for id.
func (h *Hub) GetTeam(ctx context.Context, id string) (*team.Team, error) {
	reply := make(chan *team.Team, 1)
	return request(ctx, h, GetTeam{ID: id, Reply: reply}, reply)
}

func (h *Hub) CountTeams(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	return request(ctx, h, CountTeams{Reply: reply}, reply)
}

// Shutdown stops every team and waits for them to finish their final save.
func (h *Hub) Shutdown(ctx context.Context) error {
	reply := make(chan []*team.Team, 1)
	teams, err := request(ctx, h, ShutdownHub{Reply: reply}, reply)
	if err != nil {
		return err
	}
	for _, t := range teams {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
