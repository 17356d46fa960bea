// Package team runs one actor per team. The actor is the only writer of the
// team's progression state: commands, lease expiry, disconnects and presence
// all pass through its inbox in arrival order, and every accepted change is
// persisted before it is broadcast.
package team

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
	"github.com/DoyleJ11/team-progress-backend/internal/metrics"
	"github.com/DoyleJ11/team-progress-backend/internal/store"
)

type PersistMode string

const (
	// PersistSync rejects a command whose state could not be saved.
	PersistSync PersistMode = "sync"
	// PersistBestEffort delivers deltas even when the save failed.
	PersistBestEffort PersistMode = "best_effort"
)

var ErrClosed = errors.New("team: closed")

type Options struct {
	Rules       engine.Rules
	Store       store.Store // nil keeps state in memory only
	PersistMode PersistMode
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time

	SweepInterval   time.Duration
	DisconnectGrace time.Duration
	IdleTTL         time.Duration // zero never retires
	DeltaLogSize    int
	DeltaLogAge     time.Duration

	// OnRetire is called from the actor goroutine when an idle team stops.
	OnRetire func(*Team)
}

func (o Options) withDefaults() Options {
	if o.PersistMode == "" {
		o.PersistMode = PersistSync
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.Rules.LeaseTTL <= 0 {
		o.Rules.LeaseTTL = 10 * time.Minute
	}
	return o
}

type Team struct {
	id     string
	opts   Options
	logger *zap.Logger

	inbox     chan Msg
	state     engine.State
	durable   int64 // highest version acknowledged by the store
	sessions  *registry
	log       *deltaLog
	pending   map[string]struct{} // connections whose leases still need releasing
	suspended bool
	loadErr   error
	idleSince time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTeam(parent context.Context, id string, opts Options) *Team {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(parent)

	t := &Team{
		id:       id,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("team_id", id)),
		inbox:    make(chan Msg, 64),
		sessions: newRegistry(),
		log:      newDeltaLog(opts.DeltaLogSize, opts.DeltaLogAge),
		pending:  make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	opts.Metrics.TeamStarted()

	go t.loop()
	return t
}

func (t *Team) ID() string { return t.id }

// Inbox exposes the actor's inbox. Prefer Send, which gives up once the
// team has stopped.
func (t *Team) Inbox() chan<- Msg { return t.inbox }

// Done is closed when the actor has stopped.
func (t *Team) Done() <-chan struct{} { return t.done }

// Send delivers m unless the team has stopped.
func (t *Team) Send(m Msg) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.inbox <- m:
		return true
	case <-t.done:
		return false
	}
}

func (t *Team) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if !t.Send(GetView{Reply: reply}) {
		return View{}, ErrClosed
	}
	select {
	case v := <-reply:
		return v, nil
	case <-t.done:
		return View{}, ErrClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func (t *Team) loop() {
	defer close(t.done)
	defer t.opts.Metrics.TeamStopped()

	t.load()
	t.idleSince = t.now()

	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			t.shutdown()
			return

		case <-ticker.C:
			if t.sweep(t.now()) {
				t.retire()
				return
			}

		case m := <-t.inbox:
			switch msg := m.(type) {
			case Join:
				t.join(msg)
			case Leave:
				t.leave(msg)
			case FromClient:
				t.fromClient(msg)
			case Ack:
				t.ack(msg)
			case GetView:
				msg.Reply <- t.view()
			case graceExpired:
				t.graceExpired(msg)
			case Shutdown:
				t.shutdown()
				return
			}
		}
	}
}

func (t *Team) now() time.Time { return t.opts.Now() }

func (t *Team) load() {
	t.state = engine.NewState(t.id, t.opts.Rules.Graph)
	if t.opts.Store == nil {
		return
	}
	s, err := t.opts.Store.Load(t.ctx, t.id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return
	case err != nil:
		t.loadErr = err
		t.logger.Error("load team state", zap.Error(err))
		return
	}

	s.TeamID = t.id
	t.state = s.Reconcile(t.opts.Rules.Graph)
	t.durable = s.Version
	if _, err := t.execute(engine.Command{Type: engine.CmdResetSessions}); err != nil {
		t.logger.Warn("reset sessions after load", zap.Error(err))
	}
	t.logger.Info("team restored", zap.Int64("version", t.state.Version))
}

// execute applies cmd and, when it changes anything, persists, logs and
// broadcasts the resulting delta. committed is false for accepted no-ops.
func (t *Team) execute(cmd engine.Command) (committed bool, err error) {
	now := t.now()
	changes, next, err := engine.Apply(t.opts.Rules, t.state, cmd, now)
	if err != nil {
		return false, err
	}
	if len(changes) == 0 {
		return false, nil
	}
	if err := t.persist(next); err != nil {
		return false, err
	}

	d := engine.Delta{
		TeamID:      t.id,
		FromVersion: t.state.Version,
		ToVersion:   next.Version,
		Changes:     changes,
		At:          now,
	}
	t.state = next
	t.log.append(d)
	t.broadcast(Delta{Delta: d})

	t.opts.Metrics.Delta()
	t.opts.Metrics.LeasesExpired(countChanges(changes, engine.ChangeLeaseExpired))
	return true, nil
}

func countChanges(changes []engine.Change, ct engine.ChangeType) int {
	n := 0
	for _, c := range changes {
		if c.Type == ct {
			n++
		}
	}
	return n
}

func (t *Team) persist(next engine.State) error {
	if t.opts.Store == nil {
		t.durable = next.Version
		return nil
	}
	err := t.opts.Store.Save(t.ctx, t.id, next, next.Version)
	if err == nil {
		t.durable = next.Version
		return nil
	}

	t.opts.Metrics.PersistFailed()
	if errors.Is(err, store.ErrVersionConflict) {
		if aerr := t.adoptStored(t.ctx); aerr == nil {
			return fmt.Errorf("%w: store was ahead, state resynced", engine.ErrStaleVersion)
		}
	}
	if t.opts.PersistMode == PersistBestEffort {
		t.logger.Warn("save failed, delivering delta without durability",
			zap.Int64("version", next.Version), zap.Error(err))
		return nil
	}
	if !t.suspended {
		t.logger.Warn("persistence unavailable, suspending team",
			zap.Int64("version", next.Version), zap.Error(err))
	}
	t.suspended = true
	return fmt.Errorf("%w: %w", engine.ErrPersistenceUnavailable, err)
}

// flush saves the current state if the store is behind it.
func (t *Team) flush(ctx context.Context) error {
	if t.opts.Store == nil || (t.durable >= t.state.Version && !t.suspended) {
		return nil
	}
	if err := t.opts.Store.Save(ctx, t.id, t.state, t.state.Version); err != nil {
		return err
	}
	t.durable = t.state.Version
	return nil
}

func (t *Team) probe() {
	err := t.flush(t.ctx)
	if errors.Is(err, store.ErrVersionConflict) {
		// A save that reported failure had committed after all.
		err = t.adoptStored(t.ctx)
	}
	if err != nil {
		t.logger.Debug("persistence probe failed", zap.Error(err))
		return
	}
	t.suspended = false
	t.logger.Info("persistence recovered, team resumed", zap.Int64("version", t.state.Version))
}

// adoptStored replaces the in-memory state with a newer stored one. The
// delta log cannot bridge the gap, so it restarts and every attached
// connection gets a snapshot.
func (t *Team) adoptStored(ctx context.Context) error {
	s, err := t.opts.Store.Load(ctx, t.id)
	if err != nil {
		return err
	}
	if s.Version <= t.state.Version {
		return fmt.Errorf("stored version %d is not ahead of %d", s.Version, t.state.Version)
	}
	t.logger.Warn("store is ahead of memory, adopting stored state",
		zap.Int64("memory_version", t.state.Version), zap.Int64("stored_version", s.Version))

	s.TeamID = t.id
	t.state = s.Reconcile(t.opts.Rules.Graph)
	t.durable = s.Version
	t.log = newDeltaLog(t.opts.DeltaLogSize, t.opts.DeltaLogAge)
	t.sessions.each(func(sess *session) {
		if sess.attached() {
			t.opts.Metrics.Replay("snapshot")
			t.deliver(sess, Snapshot{State: t.state.Clone()})
		}
	})
	return nil
}

func (t *Team) join(msg Join) {
	if msg.Outbox == nil {
		return
	}
	if t.loadErr != nil {
		select {
		case msg.Outbox <- Rejected{Kind: engine.KindPersistenceUnavailable, Message: "team state could not be loaded"}:
		default:
		}
		close(msg.Outbox)
		return
	}

	lastKnown := msg.LastKnownVersion
	sess := t.sessions.resumable(msg.ResumeToken)
	if sess == nil {
		id := msg.ConnectionID
		if id == "" || t.sessions.get(id) != nil {
			id = uuid.NewString()
		}
		sess = &session{id: id, token: uuid.NewString(), playerID: msg.PlayerID, acked: -1}
		t.sessions.add(sess)
	} else {
		t.stopGrace(sess)
		if sess.attached() {
			t.detach(sess)
		}
		if msg.PlayerID != "" {
			sess.playerID = msg.PlayerID
		}
		if lastKnown == nil && sess.acked >= 0 {
			v := sess.acked
			lastKnown = &v
		}
	}
	delete(t.pending, sess.id)
	sess.outbox = msg.Outbox
	t.opts.Metrics.ConnectionAdded()
	t.idleSince = time.Time{}

	if !t.deliver(sess, Welcome{TeamID: t.id, ConnectionID: sess.id, ResumeToken: sess.token}) {
		return
	}
	t.catchUp(sess, lastKnown)
	t.syncPresence()
}

// catchUp sends the missing deltas when the log still covers lastKnown and
// they fit in the outbox, and a snapshot otherwise.
func (t *Team) catchUp(sess *session, lastKnown *int64) {
	if lastKnown != nil {
		deltas, ok := t.log.since(*lastKnown, t.state.Version, t.now())
		if ok && len(deltas) < cap(sess.outbox)-len(sess.outbox) {
			kind := "deltas"
			if len(deltas) == 0 {
				kind = "none"
			}
			t.opts.Metrics.Replay(kind)
			for _, d := range deltas {
				if !t.deliver(sess, Delta{Delta: d}) {
					return
				}
			}
			return
		}
	}
	t.opts.Metrics.Replay("snapshot")
	t.deliver(sess, Snapshot{State: t.state.Clone()})
}

func (t *Team) leave(msg Leave) {
	sess := t.sessions.get(msg.ConnectionID)
	if sess == nil || !sess.attached() || sess.outbox != msg.Outbox {
		return
	}
	t.detach(sess)
	t.startGrace(sess)
}

func (t *Team) fromClient(msg FromClient) {
	sess := t.sessions.get(msg.ConnectionID)
	if sess == nil || !sess.attached() {
		t.logger.Debug("command from unregistered connection dropped",
			zap.String("connection_id", msg.ConnectionID))
		return
	}

	cmd := msg.Cmd
	cmd.ConnectionID = sess.id
	cmd.PlayerID = sess.playerID

	var (
		committed bool
		err       error
	)
	switch {
	case !clientCommand(cmd.Type):
		err = fmt.Errorf("%w: %q", engine.ErrUnsupportedCommand, cmd.Type)
	case t.suspended:
		err = fmt.Errorf("%w: team suspended", engine.ErrPersistenceUnavailable)
	default:
		committed, err = t.execute(cmd)
	}

	if err != nil {
		kind := engine.KindOf(err)
		t.opts.Metrics.Command(string(cmd.Type), string(kind))
		t.logger.Debug("command rejected",
			zap.String("connection_id", sess.id),
			zap.String("command", string(cmd.Type)),
			zap.String("kind", string(kind)),
			zap.Error(err))
		if sess.attached() {
			t.deliver(sess, Rejected{CommandID: msg.CommandID, Kind: kind, Message: err.Error()})
		}
		return
	}

	result := "accepted"
	if !committed {
		result = "noop"
	}
	t.opts.Metrics.Command(string(cmd.Type), result)
	// The broadcast may have dropped the originator.
	if sess.attached() {
		t.deliver(sess, Accepted{CommandID: msg.CommandID, Version: t.state.Version})
	}
}

func clientCommand(ct engine.CommandType) bool {
	switch ct {
	case engine.CmdRequestUnlock, engine.CmdStartActivity, engine.CmdCompleteActivity, engine.CmdAbandonActivity:
		return true
	}
	return false
}

func (t *Team) ack(msg Ack) {
	sess := t.sessions.get(msg.ConnectionID)
	if sess == nil || msg.Version <= sess.acked || msg.Version > t.state.Version {
		return
	}
	sess.acked = msg.Version
}

func (t *Team) graceExpired(msg graceExpired) {
	sess := t.sessions.get(msg.connectionID)
	if sess == nil || sess.attached() || sess.gen != msg.gen {
		return
	}
	sess.grace = nil
	t.sessions.remove(sess.id)
	t.logger.Debug("disconnect grace expired", zap.String("connection_id", sess.id))

	t.release(sess.id)
	t.syncPresence()
	if t.sessions.size() == 0 {
		t.idleSince = t.now()
	}
}

// release drops the leases of a connection that is gone for good. Failures
// are retried from sweep.
func (t *Team) release(connectionID string) {
	if len(engine.LeasesHeldBy(t.state, connectionID)) == 0 {
		delete(t.pending, connectionID)
		return
	}
	if t.suspended {
		t.pending[connectionID] = struct{}{}
		return
	}
	cmd := engine.Command{Type: engine.CmdReleaseConnection, ConnectionID: connectionID}
	if _, err := t.execute(cmd); err != nil {
		t.logger.Warn("release leases", zap.String("connection_id", connectionID), zap.Error(err))
		t.pending[connectionID] = struct{}{}
		return
	}
	delete(t.pending, connectionID)
}

func (t *Team) syncPresence() {
	if t.suspended {
		return
	}
	cmd := engine.Command{Type: engine.CmdSyncPresence, Players: t.sessions.players()}
	if _, err := t.execute(cmd); err != nil {
		t.logger.Debug("sync presence", zap.Error(err))
	}
}

// sweep runs on every tick. It reports whether the team should retire.
func (t *Team) sweep(now time.Time) bool {
	t.log.prune(now)
	if t.loadErr != nil {
		return true
	}

	if t.suspended {
		t.probe()
	} else if t.opts.PersistMode == PersistBestEffort && t.durable < t.state.Version {
		if err := t.flush(t.ctx); err != nil {
			t.logger.Debug("best-effort flush failed", zap.Error(err))
		}
	}

	if !t.suspended {
		for id := range t.pending {
			if id == "" || t.sessions.get(id) != nil {
				delete(t.pending, id)
				continue
			}
			t.release(id)
		}
		if next, ok := engine.NextExpiry(t.state); ok && !now.Before(next) {
			if _, err := t.execute(engine.Command{Type: engine.CmdExpireLeases}); err != nil {
				t.logger.Warn("expire leases", zap.Error(err))
			}
		}
		t.syncPresence()
	}

	return t.opts.IdleTTL > 0 &&
		t.sessions.size() == 0 &&
		!t.idleSince.IsZero() &&
		now.Sub(t.idleSince) >= t.opts.IdleTTL
}

func (t *Team) broadcast(u Update) {
	t.sessions.each(func(s *session) {
		if s.attached() {
			t.deliver(s, u)
		}
	})
}

// deliver never blocks the actor: a connection that cannot keep up is
// dropped and must reconnect to catch up.
func (t *Team) deliver(s *session, u Update) bool {
	select {
	case s.outbox <- u:
		return true
	default:
		t.logger.Info("dropping slow connection", zap.String("connection_id", s.id))
		t.opts.Metrics.Dropped()
		t.detach(s)
		t.startGrace(s)
		return false
	}
}

func (t *Team) detach(s *session) {
	close(s.outbox)
	s.outbox = nil
	t.opts.Metrics.ConnectionRemoved()
}

func (t *Team) startGrace(s *session) {
	t.stopGrace(s)
	id, gen := s.id, s.gen
	s.grace = time.AfterFunc(t.opts.DisconnectGrace, func() {
		select {
		case t.inbox <- graceExpired{connectionID: id, gen: gen}:
		case <-t.done:
		}
	})
}

// stopGrace also invalidates an expiry that already fired and is queued.
func (t *Team) stopGrace(s *session) {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.gen++
}

func (t *Team) view() View {
	return View{
		TeamID:      t.id,
		State:       t.state.Clone(),
		Connections: t.sessions.attachedCount(),
		Sessions:    t.sessions.size(),
		Suspended:   t.suspended,
		LoadFailed:  t.loadErr != nil,
		LogLen:      t.log.size(),
	}
}

func (t *Team) retire() {
	t.logger.Info("retiring idle team", zap.Int64("version", t.state.Version))
	t.stop()
	if t.opts.OnRetire != nil {
		t.opts.OnRetire(t)
	}
	t.cancel()
}

func (t *Team) shutdown() {
	t.stop()
	t.cancel()
}

// stop saves anything not yet durable and closes every outbox.
func (t *Team) stop() {
	if t.loadErr == nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), 5*time.Second)
		if err := t.flush(ctx); err != nil {
			t.logger.Error("final save failed", zap.Int64("version", t.state.Version), zap.Error(err))
		}
		cancel()
	}
	t.sessions.each(func(s *session) {
		t.stopGrace(s)
		if s.attached() {
			t.detach(s)
		}
	})
}
