// Package graph holds the static progression definition: universes, the
// universes they require, and the activities each one contains.
//
// A Graph is immutable once built and safe to share between team actors.
package graph

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	ErrCycleDetected     = errors.New("graph: cycle detected")
	ErrUnknownUniverse   = errors.New("graph: unknown universe")
	ErrDuplicateUniverse = errors.New("graph: duplicate universe")
	ErrDuplicateActivity = errors.New("graph: duplicate activity")
	ErrInvalidDefinition = errors.New("graph: invalid definition")
)

type UniverseID string

type ActivityID string

// Universe is one gated node of the progression.
type Universe struct {
	ID            UniverseID   `yaml:"id" json:"id" validate:"required"`
	Name          string       `yaml:"name" json:"name"`
	Prerequisites []UniverseID `yaml:"prerequisites" json:"prerequisites"`
	Activities    []ActivityID `yaml:"activities" json:"activities" validate:"min=1,dive,required"`
}

// Definition is the on-disk shape of a graph.
type Definition struct {
	Universes []Universe `yaml:"universes" json:"universes" validate:"min=1,dive"`
}

type Graph struct {
	universes  map[UniverseID]Universe
	dependents map[UniverseID][]UniverseID
	owner      map[ActivityID]UniverseID
	order      []UniverseID // topological, prerequisites first
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New validates def and builds the lookup indexes.
func New(def Definition) (*Graph, error) {
	if err := validate.Struct(def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	g := &Graph{
		universes:  make(map[UniverseID]Universe, len(def.Universes)),
		dependents: make(map[UniverseID][]UniverseID),
		owner:      make(map[ActivityID]UniverseID),
	}

	for _, u := range def.Universes {
		if _, dup := g.universes[u.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUniverse, u.ID)
		}
		for _, a := range u.Activities {
			if other, dup := g.owner[a]; dup {
				return nil, fmt.Errorf("%w: %s in %s and %s", ErrDuplicateActivity, a, other, u.ID)
			}
			g.owner[a] = u.ID
		}
		g.universes[u.ID] = u
	}

	for _, u := range def.Universes {
		for _, req := range u.Prerequisites {
			if _, ok := g.universes[req]; !ok {
				return nil, fmt.Errorf("%w: %s requires %s", ErrUnknownUniverse, u.ID, req)
			}
			if req == u.ID {
				return nil, fmt.Errorf("%w: %s requires itself", ErrCycleDetected, u.ID)
			}
			g.dependents[req] = append(g.dependents[req], u.ID)
		}
	}

	order, err := g.topoSort(def.Universes)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// Parse decodes a YAML definition and builds the graph.
func Parse(data []byte) (*Graph, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return New(def)
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	return Parse(data)
}

// Kahn's algorithm. Seeds and dependents are walked in definition order so the
// result is deterministic.
func (g *Graph) topoSort(defs []Universe) ([]UniverseID, error) {
	inDegree := make(map[UniverseID]int, len(defs))
	var queue []UniverseID
	for _, u := range defs {
		inDegree[u.ID] = len(u.Prerequisites)
		if inDegree[u.ID] == 0 {
			queue = append(queue, u.ID)
		}
	}

	order := make([]UniverseID, 0, len(defs))
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		order = append(order, curr)
		for _, dep := range g.dependents[curr] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(defs) {
		return nil, ErrCycleDetected
	}
	return order, nil
}

func (g *Graph) Universe(id UniverseID) (Universe, bool) {
	u, ok := g.universes[id]
	return u, ok
}

// UniverseOf returns the universe that contains activity a.
func (g *Graph) UniverseOf(a ActivityID) (UniverseID, bool) {
	id, ok := g.owner[a]
	return id, ok
}

// Order returns universe ids with every universe after its prerequisites.
func (g *Graph) Order() []UniverseID {
	return slices.Clone(g.order)
}

// Activities returns every activity id, grouped by universe in topological order.
func (g *Graph) Activities() []ActivityID {
	out := make([]ActivityID, 0, len(g.owner))
	for _, id := range g.order {
		out = append(out, g.universes[id].Activities...)
	}
	return out
}

// Dependents returns the universes that list id as a prerequisite.
func (g *Graph) Dependents(id UniverseID) []UniverseID {
	return slices.Clone(g.dependents[id])
}
