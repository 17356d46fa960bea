package team

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
	"github.com/DoyleJ11/team-progress-backend/internal/graph"
	"github.com/DoyleJ11/team-progress-backend/internal/store/memory"
)

const within = 500 * time.Millisecond

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// A (a1) -> B (b1); C (c1) is an independent root.
func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.New(graph.Definition{Universes: []graph.Universe{
		{ID: "A", Activities: []graph.ActivityID{"a1"}},
		{ID: "B", Prerequisites: []graph.UniverseID{"A"}, Activities: []graph.ActivityID{"b1"}},
		{ID: "C", Activities: []graph.ActivityID{"c1"}},
	}})
	require.NoError(t, err)
	return g
}

type harness struct {
	t      *testing.T
	team   *Team
	store  *memory.Store
	clock  *fakeClock
	tokens map[string]string // connection id -> resume token
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		store:  memory.New(),
		clock:  &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		tokens: make(map[string]string),
	}
	opts := Options{
		Rules:           engine.Rules{Graph: testGraph(t), LeaseTTL: time.Minute},
		Store:           h.store,
		Now:             h.clock.Now,
		SweepInterval:   10 * time.Millisecond,
		DisconnectGrace: time.Hour,
		DeltaLogSize:    200,
		DeltaLogAge:     10 * time.Minute,
	}
	if configure != nil {
		configure(&opts)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.team = NewTeam(ctx, "T", opts)
	t.Cleanup(func() {
		cancel()
		<-h.team.Done()
	})
	return h
}

// join registers a new connection and consumes its Welcome.
func (h *harness) join(conn, player string, lastKnown *int64) chan Update {
	h.t.Helper()
	out, w := h.joinWith(Join{ConnectionID: conn, PlayerID: player, LastKnownVersion: lastKnown})
	assert.Equal(h.t, conn, w.ConnectionID)
	require.NotEmpty(h.t, w.ResumeToken)
	h.tokens[conn] = w.ResumeToken
	return out
}

// resume reattaches conn with the token it was welcomed with. The transport
// always proposes a fresh id; the token decides.
func (h *harness) resume(conn string, lastKnown *int64) chan Update {
	h.t.Helper()
	out, w := h.joinWith(Join{ConnectionID: conn + "-next", ResumeToken: h.tokens[conn], LastKnownVersion: lastKnown})
	assert.Equal(h.t, conn, w.ConnectionID)
	assert.Equal(h.t, h.tokens[conn], w.ResumeToken)
	return out
}

func (h *harness) joinWith(msg Join) (chan Update, Welcome) {
	h.t.Helper()
	msg.Outbox = make(chan Update, 64)
	h.team.Inbox() <- msg
	w, ok := recv(h.t, msg.Outbox).(Welcome)
	if !ok {
		h.t.Fatalf("first update is not a welcome")
	}
	assert.Equal(h.t, "T", w.TeamID)
	return msg.Outbox, w
}

func (h *harness) send(conn, id string, cmd engine.Command) {
	h.team.Inbox() <- FromClient{ConnectionID: conn, CommandID: id, Cmd: cmd}
}

func (h *harness) view() View {
	h.t.Helper()
	v, err := h.team.View(context.Background())
	require.NoError(h.t, err)
	return v
}

func recv(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			t.Fatalf("outbox closed unexpectedly")
		}
		return u
	case <-time.After(within):
		t.Fatalf("timed out waiting for update")
		return nil
	}
}

func recvDelta(t *testing.T, ch <-chan Update) engine.Delta {
	t.Helper()
	u := recv(t, ch)
	d, ok := u.(Delta)
	if !ok {
		t.Fatalf("want delta, got %T %+v", u, u)
	}
	return d.Delta
}

func recvSnapshot(t *testing.T, ch <-chan Update) engine.State {
	t.Helper()
	u := recv(t, ch)
	s, ok := u.(Snapshot)
	if !ok {
		t.Fatalf("want snapshot, got %T %+v", u, u)
	}
	return s.State
}

func recvAccepted(t *testing.T, ch <-chan Update, id string) Accepted {
	t.Helper()
	u := recv(t, ch)
	a, ok := u.(Accepted)
	if !ok {
		t.Fatalf("want accepted, got %T %+v", u, u)
	}
	assert.Equal(t, id, a.CommandID)
	return a
}

func recvRejected(t *testing.T, ch <-chan Update, kind engine.ErrorKind) Rejected {
	t.Helper()
	u := recv(t, ch)
	r, ok := u.(Rejected)
	if !ok {
		t.Fatalf("want rejected, got %T %+v", u, u)
	}
	assert.Equal(t, kind, r.Kind)
	return r
}

func recvNothing(t *testing.T, ch <-chan Update, d time.Duration) {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			return
		}
		t.Fatalf("expected no update within %v, got %T %+v", d, u, u)
	case <-time.After(d):
	}
}

func expectClosed(t *testing.T, ch <-chan Update) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("outbox was not closed")
		}
	}
}

func unlock(u graph.UniverseID, base int64) engine.Command {
	return engine.Command{Type: engine.CmdRequestUnlock, UniverseID: u, BaseVersion: base}
}

func start(a graph.ActivityID, base int64) engine.Command {
	return engine.Command{Type: engine.CmdStartActivity, ActivityID: a, BaseVersion: base}
}

func complete(a graph.ActivityID, score, base int64) engine.Command {
	return engine.Command{Type: engine.CmdCompleteActivity, ActivityID: a, Score: score, BaseVersion: base}
}

func abandon(a graph.ActivityID) engine.Command {
	return engine.Command{Type: engine.CmdAbandonActivity, ActivityID: a, BaseVersion: engine.AnyVersion}
}

func ptr(v int64) *int64 { return &v }

func TestTeam_JoinSendsSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	out := h.join("dev1", "", nil)

	s := recvSnapshot(t, out)
	assert.Equal(t, int64(0), s.Version)
	assert.Equal(t, engine.UniverseLocked, s.Universes["A"])
	recvNothing(t, out, 30*time.Millisecond)

	v := h.view()
	assert.Equal(t, 1, v.Connections)
	assert.Equal(t, 1, v.Sessions)
}

func TestTeam_CompletionUnlocksAndReachesEveryDevice(t *testing.T) {
	h := newHarness(t, nil)
	d1 := h.join("dev1", "", nil)
	recvSnapshot(t, d1)
	d2 := h.join("dev2", "", nil)
	recvSnapshot(t, d2)

	h.send("dev1", "u", unlock("A", 0))
	recvDelta(t, d1)
	recvAccepted(t, d1, "u")
	recvDelta(t, d2)

	h.send("dev1", "s", start("a1", 1))
	recvDelta(t, d1)
	recvAccepted(t, d1, "s")
	recvDelta(t, d2)

	h.send("dev1", "c", complete("a1", 100, 2))

	// Device 2 only listens.
	d := recvDelta(t, d2)
	assert.Equal(t, int64(2), d.FromVersion)
	assert.Equal(t, int64(3), d.ToVersion)

	var total int64 = -1
	status := map[graph.UniverseID]engine.UniverseStatus{}
	for _, c := range d.Changes {
		switch c.Type {
		case engine.ChangeScore:
			total = c.TotalScore
		case engine.ChangeUniverseStatus:
			status[c.UniverseID] = c.Status
		}
	}
	assert.Equal(t, int64(100), total)
	assert.Equal(t, engine.UniverseCompleted, status["A"])
	assert.Equal(t, engine.UniverseUnlocked, status["B"])

	assert.Equal(t, d, recvDelta(t, d1))
	assert.Equal(t, int64(3), recvAccepted(t, d1, "c").Version)
}

func TestTeam_RacingStartsArrivalOrderWins(t *testing.T) {
	h := newHarness(t, nil)
	d1 := h.join("dev1", "", nil)
	recvSnapshot(t, d1)
	d2 := h.join("dev2", "", nil)
	recvSnapshot(t, d2)

	h.send("dev1", "u", unlock("C", 0))
	recvDelta(t, d1)
	recvAccepted(t, d1, "u")
	recvDelta(t, d2)

	// Both saw version 1.
	h.send("dev1", "s1", start("c1", 1))
	h.send("dev2", "s2", start("c1", 1))

	d := recvDelta(t, d1)
	assert.Equal(t, int64(2), d.ToVersion)
	recvAccepted(t, d1, "s1")

	assert.Equal(t, d, recvDelta(t, d2))
	r := recvRejected(t, d2, engine.KindAlreadyLocked)
	assert.Equal(t, "s2", r.CommandID)
	recvNothing(t, d1, 30*time.Millisecond)

	// Once the winner lets go the loser can start.
	h.send("dev1", "a", abandon("c1"))
	recvDelta(t, d1)
	recvAccepted(t, d1, "a")
	recvDelta(t, d2)

	h.send("dev2", "s3", start("c1", 3))
	d = recvDelta(t, d2)
	assert.True(t, engine.ContainsChange(d.Changes, engine.ChangeActivityLocked))
	recvAccepted(t, d2, "s3")
	assert.Equal(t, "dev2", h.view().State.Activities["c1"].Lease.ConnectionID)
}

func TestTeam_RacingUnlocksBothSucceed(t *testing.T) {
	h := newHarness(t, nil)
	d1 := h.join("dev1", "", nil)
	recvSnapshot(t, d1)
	d2 := h.join("dev2", "", nil)
	recvSnapshot(t, d2)

	h.send("dev1", "u1", unlock("C", 0))
	h.send("dev2", "u2", unlock("C", 0))

	recvDelta(t, d1)
	recvAccepted(t, d1, "u1")
	recvDelta(t, d2)
	a := recvAccepted(t, d2, "u2")
	assert.Equal(t, int64(1), a.Version)
	recvNothing(t, d1, 30*time.Millisecond)
	recvNothing(t, d2, 30*time.Millisecond)
}

func TestTeam_VersionsAreGapless(t *testing.T) {
	h := newHarness(t, nil)
	obs := h.join("observer", "", nil)
	recvSnapshot(t, obs)
	d1 := h.join("dev1", "", nil)
	recvSnapshot(t, d1)

	cmds := []engine.Command{
		unlock("A", engine.AnyVersion),
		unlock("A", engine.AnyVersion), // no-op
		start("a1", engine.AnyVersion),
		start("b1", engine.AnyVersion), // rejected
		complete("a1", 10, engine.AnyVersion),
		complete("a1", 5, engine.AnyVersion), // no-op
		start("b1", engine.AnyVersion),
		abandon("b1"),
		unlock("C", engine.AnyVersion),
	}
	for _, c := range cmds {
		h.send("dev1", "", c)
	}

	var last int64
	for i := 0; i < 6; i++ {
		d := recvDelta(t, obs)
		assert.Equal(t, last, d.FromVersion)
		assert.Equal(t, d.FromVersion+1, d.ToVersion)
		last = d.ToVersion
	}
	recvNothing(t, obs, 30*time.Millisecond)

	final := h.view().State
	assert.Equal(t, last, final.Version)
	assert.Equal(t, int64(10), final.TotalScore)
}

func TestTeam_DeltaVisibleOnlyAfterSave(t *testing.T) {
	h := newHarness(t, nil)
	out := h.join("dev1", "", nil)
	recvSnapshot(t, out)

	h.send("dev1", "u", unlock("A", 0))
	d := recvDelta(t, out)

	stored, err := h.store.Load(context.Background(), "T")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stored.Version, d.ToVersion)
	assert.Equal(t, engine.UniverseUnlocked, stored.Universes["A"])
}

func TestTeam_PersistenceFailureSuspendsAndRecovers(t *testing.T) {
	h := newHarness(t, nil)
	d1 := h.join("dev1", "", nil)
	recvSnapshot(t, d1)
	d2 := h.join("dev2", "", nil)
	recvSnapshot(t, d2)

	h.store.SetFailure(errors.New("db down"))
	h.send("dev1", "u1", unlock("A", 0))
	recvRejected(t, d1, engine.KindPersistenceUnavailable)
	recvNothing(t, d2, 30*time.Millisecond)

	v := h.view()
	assert.True(t, v.Suspended)
	assert.Equal(t, int64(0), v.State.Version, "rejected command must not be applied in memory")
	assert.Equal(t, engine.UniverseLocked, v.State.Universes["A"])

	// Suspended teams reject without touching the store, but still serve joins.
	h.send("dev2", "u2", unlock("A", 0))
	recvRejected(t, d2, engine.KindPersistenceUnavailable)
	d3 := h.join("dev3", "", nil)
	assert.Equal(t, int64(0), recvSnapshot(t, d3).Version)

	h.store.SetFailure(nil)
	require.Eventually(t, func() bool { return !h.view().Suspended }, time.Second, 10*time.Millisecond)

	h.send("dev1", "u3", unlock("A", 0))
	assert.Equal(t, int64(1), recvDelta(t, d1).ToVersion)
	recvAccepted(t, d1, "u3")
}

// lateCommitStore commits a save and then reports it failed, once per arm.
type lateCommitStore struct {
	*memory.Store
	mu   sync.Mutex
	fail bool
}

func (s *lateCommitStore) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = true
}

func (s *lateCommitStore) Save(ctx context.Context, teamID string, state engine.State, version int64) error {
	if err := s.Store.Save(ctx, teamID, state, version); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		s.fail = false
		return errors.New("timeout after commit")
	}
	return nil
}

func TestTeam_RecoversFromSaveThatCommittedAfterAll(t *testing.T) {
	st := &lateCommitStore{Store: memory.New()}
	h := newHarness(t, func(o *Options) { o.Store = st })
	d1 := h.join("dev1", "", nil)
	recvSnapshot(t, d1)

	st.arm()
	h.send("dev1", "u", unlock("A", 0))
	recvRejected(t, d1, engine.KindPersistenceUnavailable)

	// The next tick finds the store ahead and takes its state.
	s := recvSnapshot(t, d1)
	assert.Equal(t, int64(1), s.Version)
	assert.Equal(t, engine.UniverseUnlocked, s.Universes["A"])
	require.Eventually(t, func() bool { return !h.view().Suspended }, time.Second, 10*time.Millisecond)

	h.send("dev1", "s", start("a1", 1))
	assert.Equal(t, int64(2), recvDelta(t, d1).ToVersion)
	recvAccepted(t, d1, "s")

	stored, err := st.Load(context.Background(), "T")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, int64(2), h.view().State.Version)
}

func TestTeam_StoreAheadResyncsAndRejectsStale(t *testing.T) {
	h := newHarness(t, nil)
	d1 := h.join("dev1", "", nil)
	recvSnapshot(t, d1)

	// Another writer got further than this actor.
	ahead := engine.NewState("T", testGraph(t))
	ahead.Version = 5
	ahead.Universes["C"] = engine.UniverseUnlocked
	require.NoError(t, h.store.Save(context.Background(), "T", ahead, 5))

	h.send("dev1", "u", unlock("A", 0))
	s := recvSnapshot(t, d1)
	assert.Equal(t, int64(5), s.Version)
	assert.Equal(t, engine.UniverseUnlocked, s.Universes["C"])
	recvRejected(t, d1, engine.KindStaleVersion)
	assert.False(t, h.view().Suspended)

	h.send("dev1", "u", unlock("A", 5))
	assert.Equal(t, int64(6), recvDelta(t, d1).ToVersion)
	recvAccepted(t, d1, "u")
}

func TestTeam_BestEffortDeliversWithoutSave(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PersistMode = PersistBestEffort })
	out := h.join("dev1", "", nil)
	recvSnapshot(t, out)

	h.store.SetFailure(errors.New("db down"))
	h.send("dev1", "u", unlock("A", 0))
	assert.Equal(t, int64(1), recvDelta(t, out).ToVersion)
	recvAccepted(t, out, "u")
	assert.False(t, h.view().Suspended)
	assert.Equal(t, 0, h.store.Saves())

	h.store.SetFailure(nil)
	require.Eventually(t, func() bool {
		s, err := h.store.Load(context.Background(), "T")
		return err == nil && s.Version == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTeam_ReconnectReplaysMissingDeltas(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.DeltaLogSize = 2 })
	d1 := h.join("dev1", "", nil)
	recvSnapshot(t, d1)
	d2 := h.join("dev2", "", nil)
	recvSnapshot(t, d2)

	h.send("dev1", "u", unlock("A", 0))
	recvDelta(t, d1)
	recvAccepted(t, d1, "u")
	recvDelta(t, d2)
	h.team.Inbox() <- Ack{ConnectionID: "dev1", Version: 1}

	h.team.Inbox() <- Leave{ConnectionID: "dev1", Outbox: d1}
	expectClosed(t, d1)

	h.send("dev2", "s", start("a1", 1))
	recvDelta(t, d2)
	recvAccepted(t, d2, "s")
	h.send("dev2", "c", complete("a1", 40, 2))
	recvDelta(t, d2)
	recvAccepted(t, d2, "c")

	// Resumes from its last ack: exactly 1->2 and 2->3.
	d1 = h.resume("dev1", nil)
	first := recvDelta(t, d1)
	second := recvDelta(t, d1)
	assert.Equal(t, int64(1), first.FromVersion)
	assert.Equal(t, int64(3), second.ToVersion)
	recvNothing(t, d1, 30*time.Millisecond)

	// Version 0 has been evicted from a log of two.
	d3 := h.join("dev3", "", ptr(0))
	s := recvSnapshot(t, d3)
	assert.Equal(t, int64(3), s.Version)
	assert.Equal(t, int64(40), s.TotalScore)

	d4 := h.join("dev4", "", ptr(3))
	recvNothing(t, d4, 30*time.Millisecond)
}

func TestTeam_ReconnectWithinGraceKeepsLease(t *testing.T) {
	h := newHarness(t, nil)
	d1 := h.join("dev1", "", nil)
	recvSnapshot(t, d1)
	h.send("dev1", "u", unlock("A", 0))
	recvDelta(t, d1)
	recvAccepted(t, d1, "u")
	h.send("dev1", "s", start("a1", 1))
	recvDelta(t, d1)
	recvAccepted(t, d1, "s")

	h.team.Inbox() <- Leave{ConnectionID: "dev1", Outbox: d1}
	expectClosed(t, d1)
	assert.Equal(t, 0, h.view().Connections)
	assert.Equal(t, 1, h.view().Sessions)

	d1 = h.resume("dev1", ptr(2))
	recvNothing(t, d1, 30*time.Millisecond)
	h.send("dev1", "c", complete("a1", 7, 2))
	recvDelta(t, d1)
	recvAccepted(t, d1, "c")
}

func TestTeam_KnownConnectionIDDoesNotResume(t *testing.T) {
	h := newHarness(t, nil)
	d1 := h.join("dev1", "", nil)
	recvSnapshot(t, d1)
	h.send("dev1", "u", unlock("A", 0))
	recvDelta(t, d1)
	recvAccepted(t, d1, "u")
	h.send("dev1", "s", start("a1", 1))
	locked := recvDelta(t, d1)
	recvAccepted(t, d1, "s")
	holder := locked.Changes[0].ConnectionID
	require.Equal(t, "dev1", holder)

	// A teammate copies the holder id out of the delta.
	out, w := h.joinWith(Join{ConnectionID: holder, LastKnownVersion: ptr(2)})
	assert.NotEqual(t, holder, w.ConnectionID)
	assert.NotEqual(t, h.tokens["dev1"], w.ResumeToken)
	recvNothing(t, out, 30*time.Millisecond)
	recvNothing(t, d1, 10*time.Millisecond)

	h.send(w.ConnectionID, "c", complete("a1", 999, 2))
	recvRejected(t, out, engine.KindAlreadyLocked)

	// The holder keeps its socket and its lease.
	h.send("dev1", "c", complete("a1", 5, 2))
	d := recvDelta(t, d1)
	assert.Equal(t, int64(3), d.ToVersion)
	recvAccepted(t, d1, "c")
	assert.Equal(t, 2, h.view().Connections)
}

func TestTeam_DisconnectReleasesLeaseAfterGrace(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.DisconnectGrace = 20 * time.Millisecond })
	d1 := h.join("dev1", "", nil)
	recvSnapshot(t, d1)
	d2 := h.join("dev2", "", nil)
	recvSnapshot(t, d2)

	h.send("dev1", "u", unlock("A", 0))
	recvDelta(t, d2)
	h.send("dev1", "s", start("a1", 1))
	recvDelta(t, d2)

	h.team.Inbox() <- Leave{ConnectionID: "dev1", Outbox: d1}
	d := recvDelta(t, d2)
	require.Len(t, d.Changes, 1)
	assert.Equal(t, engine.ChangeActivityReleased, d.Changes[0].Type)
	assert.Equal(t, engine.ReleaseDisconnected, d.Changes[0].Reason)
	assert.Equal(t, "dev1", d.Changes[0].ConnectionID)
	assert.Equal(t, 1, h.view().Sessions)
}

func TestTeam_StaleLeaveIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	old := h.join("dev1", "", nil)
	recvSnapshot(t, old)

	// A second socket resumes the session; the first is closed.
	cur := h.resume("dev1", ptr(0))
	expectClosed(t, old)

	h.team.Inbox() <- Leave{ConnectionID: "dev1", Outbox: old}
	h.send("dev1", "u", unlock("A", 0))
	recvDelta(t, cur)
	recvAccepted(t, cur, "u")
	assert.Equal(t, 1, h.view().Connections)
}

func TestTeam_SweepExpiresLeases(t *testing.T) {
	h := newHarness(t, nil)
	d1 := h.join("dev1", "", nil)
	recvSnapshot(t, d1)
	d2 := h.join("dev2", "", nil)
	recvSnapshot(t, d2)

	h.send("dev1", "u", unlock("A", 0))
	recvDelta(t, d2)
	h.send("dev1", "s", start("a1", 1))
	recvDelta(t, d2)

	h.clock.Advance(2 * time.Minute)
	d := recvDelta(t, d2)
	require.Len(t, d.Changes, 1)
	assert.Equal(t, engine.ChangeLeaseExpired, d.Changes[0].Type)
	assert.Equal(t, "dev1", d.Changes[0].ConnectionID)

	// Nobody else started it, so the expired holder may still finish.
	for drained := false; !drained; {
		select {
		case <-d1:
		default:
			drained = true
		}
	}
	h.send("dev1", "c", complete("a1", 30, engine.AnyVersion))
	d = recvDelta(t, d1)
	assert.True(t, engine.ContainsChange(d.Changes, engine.ChangeActivityCompleted))
	recvAccepted(t, d1, "c")
}

func TestTeam_DropsSlowConnection(t *testing.T) {
	h := newHarness(t, nil)
	slow := make(chan Update, 2)
	h.team.Inbox() <- Join{ConnectionID: "slow", Outbox: slow}
	fast := h.join("fast", "", nil)
	recvSnapshot(t, fast)

	// slow holds Welcome and Snapshot and never reads.
	h.send("fast", "u", unlock("A", 0))
	recvDelta(t, fast)
	recvAccepted(t, fast, "u")

	v := h.view()
	assert.Equal(t, 1, v.Connections)
	assert.Equal(t, 2, v.Sessions, "dropped connection stays within its grace")

	_, isWelcome := (<-slow).(Welcome)
	assert.True(t, isWelcome)
	_, isSnapshot := (<-slow).(Snapshot)
	assert.True(t, isSnapshot)
	expectClosed(t, slow)
}

func TestTeam_PresenceFollowsSessions(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.DisconnectGrace = 20 * time.Millisecond })
	d1 := h.join("dev1", "ann", nil)
	recvSnapshot(t, d1)
	d := recvDelta(t, d1)
	require.Len(t, d.Changes, 1)
	assert.Equal(t, engine.ChangePlayerJoined, d.Changes[0].Type)
	assert.Equal(t, "ann", d.Changes[0].PlayerID)

	// A second device of the same player changes nothing.
	d2 := h.join("dev2", "ann", nil)
	recvSnapshot(t, d2)
	recvNothing(t, d1, 30*time.Millisecond)

	d3 := h.join("dev3", "bo", nil)
	recvSnapshot(t, d3)
	recvDelta(t, d1)
	assert.Equal(t, []string{"ann", "bo"}, h.view().State.Players)

	h.team.Inbox() <- Leave{ConnectionID: "dev3", Outbox: d3}
	d = recvDelta(t, d1)
	assert.Equal(t, engine.ChangePlayerLeft, d.Changes[0].Type)
	assert.Equal(t, []string{"ann"}, h.view().State.Players)
}

func TestTeam_RejectsUnknownAndInternalCommands(t *testing.T) {
	h := newHarness(t, nil)
	out := h.join("dev1", "", nil)
	recvSnapshot(t, out)

	h.send("dev1", "x", engine.Command{Type: engine.CmdExpireLeases})
	recvRejected(t, out, engine.KindInvalidCommand)

	h.send("dev1", "y", start("nope", engine.AnyVersion))
	recvRejected(t, out, engine.KindNotFound)

	h.send("dev1", "z", unlock("B", 0))
	recvRejected(t, out, engine.KindPrerequisitesNotMet)

	h.send("dev1", "s", unlock("A", 4))
	recvRejected(t, out, engine.KindStaleVersion)

	// Commands from a connection that never joined go nowhere.
	h.send("ghost", "g", unlock("A", 0))
	assert.Equal(t, int64(0), h.view().State.Version)
}

func TestTeam_RestoresStateAndResetsSessions(t *testing.T) {
	g := testGraph(t)
	st := engine.NewState("T", g)
	st.Universes["A"] = engine.UniverseInProgress
	st.Players = []string{"old"}
	rec := st.Activities["a1"]
	rec.Lease = &engine.Lease{ConnectionID: "gone", ExpiresAt: time.Now().Add(time.Hour)}
	st.Activities["a1"] = rec

	mem := memory.New()
	require.NoError(t, mem.Save(context.Background(), "T", st, 5))

	h := newHarness(t, func(o *Options) { o.Store = mem })
	h.store = mem
	out := h.join("dev1", "", nil)
	s := recvSnapshot(t, out)

	assert.Equal(t, int64(6), s.Version)
	assert.Empty(t, s.Players)
	assert.Nil(t, s.Activities["a1"].Lease)
	assert.Equal(t, engine.UniverseInProgress, s.Universes["A"])

	stored, err := mem.Load(context.Background(), "T")
	require.NoError(t, err)
	assert.Equal(t, int64(6), stored.Version)
}

func TestTeam_LoadFailureRejectsJoinAndRetires(t *testing.T) {
	mem := memory.New()
	mem.SetFailure(errors.New("db down"))
	retired := make(chan *Team, 1)
	h := newHarness(t, func(o *Options) {
		o.Store = mem
		o.OnRetire = func(tm *Team) { retired <- tm }
	})

	out := make(chan Update, 4)
	h.team.Inbox() <- Join{ConnectionID: "dev1", Outbox: out}
	recvRejected(t, out, engine.KindPersistenceUnavailable)
	expectClosed(t, out)

	select {
	case tm := <-retired:
		assert.Same(t, h.team, tm)
	case <-time.After(within):
		t.Fatalf("team did not retire after load failure")
	}
	<-h.team.Done()
}

func TestTeam_IdleTeamRetires(t *testing.T) {
	retired := make(chan *Team, 1)
	h := newHarness(t, func(o *Options) {
		o.IdleTTL = time.Minute
		o.DisconnectGrace = 10 * time.Millisecond
		o.OnRetire = func(tm *Team) { retired <- tm }
	})
	out := h.join("dev1", "", nil)
	recvSnapshot(t, out)
	h.team.Inbox() <- Leave{ConnectionID: "dev1", Outbox: out}
	require.Eventually(t, func() bool { return h.view().Sessions == 0 }, time.Second, 5*time.Millisecond)

	// Idle time is measured on the team clock.
	recvNothingTeam(t, retired, 30*time.Millisecond)
	h.clock.Advance(2 * time.Minute)

	select {
	case <-retired:
	case <-time.After(within):
		t.Fatalf("idle team did not retire")
	}
	<-h.team.Done()
	assert.False(t, h.team.Send(GetView{Reply: make(chan View, 1)}))
}

func recvNothingTeam(t *testing.T, ch <-chan *Team, d time.Duration) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("team retired early")
	case <-time.After(d):
	}
}

func TestTeam_ShutdownClosesOutboxes(t *testing.T) {
	h := newHarness(t, nil)
	out := h.join("dev1", "", nil)
	recvSnapshot(t, out)

	h.team.Inbox() <- Shutdown{}
	expectClosed(t, out)
	<-h.team.Done()

	_, err := h.team.View(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
