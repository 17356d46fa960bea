package store

import (
	"context"
	"testing"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
	"github.com/DoyleJ11/team-progress-backend/internal/graph"
)

// Conformance runs the behaviour every driver must share against s.
func Conformance(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	g, err := graph.New(graph.Definition{Universes: []graph.Universe{
		{ID: "a", Activities: []graph.ActivityID{"a1", "a2"}},
		{ID: "b", Prerequisites: []graph.UniverseID{"a"}, Activities: []graph.ActivityID{"b1"}},
	}})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}

	if _, err := s.Load(ctx, "nobody"); err != ErrNotFound {
		t.Fatalf("load missing: want ErrNotFound, got %v", err)
	}

	st := engine.NewState("T1", g)
	st.Universes["a"] = engine.UniverseInProgress
	score := int64(40)
	st.Activities["a1"] = engine.ActivityRecord{Completed: true, Score: &score, Attempts: 1}
	st.TotalScore = 40
	st.Players = []string{"p1"}

	if err := s.Save(ctx, "T1", st, 3); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, "T1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Version != 3 || got.TotalScore != 40 || got.Universes["a"] != engine.UniverseInProgress {
		t.Fatalf("unexpected state after load: %+v", got)
	}
	rec := got.Activities["a1"]
	if !rec.Completed || rec.Score == nil || *rec.Score != 40 {
		t.Fatalf("activity a1 not restored: %+v", rec)
	}

	// Same version is an idempotent rewrite; higher replaces.
	if err := s.Save(ctx, "T1", st, 3); err != nil {
		t.Fatalf("resave same version: %v", err)
	}
	st.TotalScore = 55
	if err := s.Save(ctx, "T1", st, 4); err != nil {
		t.Fatalf("save v4: %v", err)
	}
	if err := s.Save(ctx, "T1", st, 2); err != ErrVersionConflict {
		t.Fatalf("save lower version: want ErrVersionConflict, got %v", err)
	}
	got, err = s.Load(ctx, "T1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Version != 4 || got.TotalScore != 55 {
		t.Fatalf("want v4 score 55, got v%d score %d", got.Version, got.TotalScore)
	}

	// Teams are independent.
	if _, err := s.Load(ctx, "T2"); err != ErrNotFound {
		t.Fatalf("load T2: want ErrNotFound, got %v", err)
	}
}
