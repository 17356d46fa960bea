package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
	"github.com/DoyleJ11/team-progress-backend/internal/store"
)

func TestMemoryConformance(t *testing.T) {
	store.Conformance(t, New())
}

func TestMemoryFailureInjection(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("disk on fire")

	s.SetFailure(boom)
	if err := s.Save(ctx, "T", engine.State{}, 1); !errors.Is(err, boom) {
		t.Fatalf("want injected error, got %v", err)
	}
	if s.Saves() != 0 {
		t.Fatalf("failed save was counted")
	}
	s.SetFailure(nil)
	if err := s.Save(ctx, "T", engine.State{}, 1); err != nil {
		t.Fatalf("save after clear: %v", err)
	}
	if s.Saves() != 1 {
		t.Fatalf("want 1 save, got %d", s.Saves())
	}
}

func TestMemoryDoesNotAlias(t *testing.T) {
	s := New()
	ctx := context.Background()
	st := engine.State{TeamID: "T", Players: []string{"p1"}}
	if err := s.Save(ctx, "T", st, 1); err != nil {
		t.Fatal(err)
	}
	st.Players[0] = "mutated"
	got, _ := s.Load(ctx, "T")
	if got.Players[0] != "p1" {
		t.Fatalf("stored state aliased caller slice")
	}
}
