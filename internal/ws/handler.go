// Package ws is the websocket transport: one socket per device, bound to one
// team for its lifetime.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
	"github.com/DoyleJ11/team-progress-backend/internal/hub"
	"github.com/DoyleJ11/team-progress-backend/internal/team"
	"github.com/DoyleJ11/team-progress-backend/internal/types"
	wire "github.com/DoyleJ11/team-progress-backend/pkg/types"
)

type Config struct {
	OutboxSize     int
	CommandRate    rate.Limit // commands per second per connection; zero is unlimited
	CommandBurst   int
	JoinTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	OriginPatterns []string
	Logger         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
	if c.CommandRate == 0 {
		c.CommandRate = rate.Inf
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = 1
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// joinAttempts bounds how often a join is retried against a team that was
// retiring when the join arrived.
const joinAttempts = 3

var errNoTeam = errors.New("team unavailable")

func Handler(h *hub.Hub, cfg Config) http.HandlerFunc {
	cfg = cfg.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: cfg.OriginPatterns,
		})
		if err != nil {
			cfg.Logger.Debug("websocket accept", zap.Error(err))
			return
		}
		defer conn.CloseNow()

		c := &client{
			conn:    conn,
			hub:     h,
			cfg:     cfg,
			limiter: rate.NewLimiter(cfg.CommandRate, cfg.CommandBurst),
			logger:  cfg.Logger,
		}
		c.serve(r.Context(), r.URL.Query().Get("team"))
	}
}

type client struct {
	conn    *websocket.Conn
	hub     *hub.Hub
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger

	team   *team.Team
	connID string
	outbox chan team.Update
}

func (c *client) serve(ctx context.Context, queryTeam string) {
	join, err := c.readJoin(ctx, queryTeam)
	if err != nil {
		c.write(ctx, types.ErrorFrame(err))
		c.conn.Close(websocket.StatusPolicyViolation, "join required")
		return
	}

	c.connID = uuid.NewString()
	c.logger = c.logger.With(zap.String("team_id", join.TeamID))

	welcome, err := c.attach(ctx, join)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Info("join failed", zap.Error(err))
			c.write(ctx, types.Rejection(join.ID, fmt.Errorf("%w: %v", engine.ErrPersistenceUnavailable, err)))
			c.conn.Close(websocket.StatusTryAgainLater, "team unavailable")
		}
		return
	}
	// A resumed session keeps the id the team knows it by.
	c.connID = welcome.ConnectionID
	c.logger = c.logger.With(zap.String("connection_id", c.connID))
	if err := c.send(ctx, welcome); err != nil {
		c.team.Send(team.Leave{ConnectionID: c.connID, Outbox: c.outbox})
		return
	}
	c.logger.Debug("connection joined")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writeLoop(ctx)
	go c.pingLoop(ctx)

	c.readLoop(ctx)
	c.team.Send(team.Leave{ConnectionID: c.connID, Outbox: c.outbox})
	c.logger.Debug("connection left")
}

// readJoin waits for the join frame. The team may also be named in the
// query string; both must agree when both are given.
func (c *client) readJoin(ctx context.Context, queryTeam string) (wire.ClientMessage, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()
	_, data, err := c.conn.Read(rctx)
	if err != nil {
		return wire.ClientMessage{}, err
	}
	m, err := types.DecodeClient(data)
	if err != nil {
		return wire.ClientMessage{}, err
	}
	if m.Type != wire.TypeJoin {
		return wire.ClientMessage{}, fmt.Errorf("%w: first frame must be join", types.ErrBadMessage)
	}
	if m.TeamID == "" {
		m.TeamID = queryTeam
	}
	if m.TeamID == "" || (queryTeam != "" && queryTeam != m.TeamID) {
		return wire.ClientMessage{}, fmt.Errorf("%w: team id missing or mismatched", types.ErrBadMessage)
	}
	return m, nil
}

// attach joins the team and returns its Welcome. A team that retires while
// the join is in flight closes the outbox without a welcome; the join is
// then retried against a fresh actor.
func (c *client) attach(ctx context.Context, join wire.ClientMessage) (team.Welcome, error) {
	for attempt := 0; attempt < joinAttempts; attempt++ {
		tm, err := c.hub.EnsureTeam(ctx, join.TeamID)
		if err != nil {
			return team.Welcome{}, err
		}
		out := make(chan team.Update, c.cfg.OutboxSize)
		msg := team.Join{
			ConnectionID:     c.connID,
			ResumeToken:      join.ResumeToken,
			PlayerID:         join.PlayerID,
			LastKnownVersion: join.LastKnownVersion,
			Outbox:           out,
		}
		if !tm.Send(msg) {
			continue
		}

		select {
		case u, ok := <-out:
			if !ok {
				continue
			}
			switch u := u.(type) {
			case team.Welcome:
				c.team, c.outbox = tm, out
				return u, nil
			case team.Rejected:
				return team.Welcome{}, errors.New(u.Message)
			}
			return team.Welcome{}, fmt.Errorf("unexpected first update %T", u)
		case <-tm.Done():
			continue
		case <-ctx.Done():
			return team.Welcome{}, ctx.Err()
		}
	}
	return team.Welcome{}, errNoTeam
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-c.outbox:
			if !ok {
				// Dropped as too slow, replaced by a newer socket, or the
				// team stopped. The client reconnects to catch up.
				c.conn.Close(websocket.StatusTryAgainLater, "resync required")
				return
			}
			if err := c.send(ctx, u); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.conn.CloseNow()
				return
			}
		}
	}
}

func (c *client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.conn.CloseNow()
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		m, err := types.DecodeClient(data)
		if err != nil {
			c.write(ctx, types.ErrorFrame(err))
			continue
		}

		switch {
		case m.Type == wire.TypeAck:
			if m.Version != nil {
				c.team.Send(team.Ack{ConnectionID: c.connID, Version: *m.Version})
			}

		case types.IsCommand(m.Type):
			if !c.limiter.Allow() {
				c.write(ctx, types.Rejection(m.ID, engine.ErrRateLimited))
				continue
			}
			cmd, err := types.ToCommand(m)
			if err != nil {
				c.write(ctx, types.Rejection(m.ID, err))
				continue
			}
			if !c.team.Send(team.FromClient{ConnectionID: c.connID, CommandID: m.ID, Cmd: cmd}) {
				return
			}

		default:
			c.write(ctx, types.ErrorFrame(fmt.Errorf("%w: unexpected %s", types.ErrBadMessage, m.Type)))
		}
	}
}

func (c *client) send(ctx context.Context, u team.Update) error {
	data, err := types.EncodeUpdate(u)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, data)
}

func (c *client) write(ctx context.Context, data []byte) {
	if err := c.writeRaw(ctx, data); err != nil {
		c.logger.Debug("write failed", zap.Error(err))
	}
}

func (c *client) writeRaw(ctx context.Context, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}
