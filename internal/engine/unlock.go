package engine

import "github.com/DoyleJ11/team-progress-backend/internal/graph"

// Evaluation is what a completed activity newly causes.
type Evaluation struct {
	Completed []graph.UniverseID
	Unlocked  []graph.UniverseID
}

// Evaluate walks the graph in topological order once. An open universe whose
// activities are all done becomes completed; a locked universe with at least
// one prerequisite, all completed, becomes unlocked. Root universes are never
// unlocked here, only by an explicit request.
//
// completed counts as done even if activities does not yet record it. The
// inputs are not modified.
func Evaluate(g *graph.Graph, universes map[graph.UniverseID]UniverseStatus, activities map[graph.ActivityID]ActivityRecord, completed graph.ActivityID) Evaluation {
	status := make(map[graph.UniverseID]UniverseStatus, len(universes))
	for id, st := range universes {
		status[id] = st
	}
	done := func(a graph.ActivityID) bool {
		return a == completed || activities[a].Completed
	}

	var ev Evaluation
	for _, id := range g.Order() {
		u, _ := g.Universe(id)
		st := status[id]

		if st.Open() && st != UniverseCompleted && allDone(u.Activities, done) {
			status[id] = UniverseCompleted
			ev.Completed = append(ev.Completed, id)
			continue
		}

		if st == UniverseLocked && len(u.Prerequisites) > 0 && prerequisitesMet(u, status) {
			status[id] = UniverseUnlocked
			ev.Unlocked = append(ev.Unlocked, id)
		}
	}
	return ev
}

func allDone(activities []graph.ActivityID, done func(graph.ActivityID) bool) bool {
	for _, a := range activities {
		if !done(a) {
			return false
		}
	}
	return true
}

func prerequisitesMet(u graph.Universe, status map[graph.UniverseID]UniverseStatus) bool {
	for _, req := range u.Prerequisites {
		if status[req] != UniverseCompleted {
			return false
		}
	}
	return true
}
