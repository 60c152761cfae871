package definition

import (
	"fmt"
	"sync"
)

// Graph is the adjacency materialization of a definition's flat step and
// connection lists. Built once per (workflowID, version) and cached, so
// the orchestrator never re-walks the raw lists on a tick.
type Graph struct {
	def *Definition

	steps map[string]*StepSpec
	out   map[string][]*ConnectionSpec
	in    map[string][]*ConnectionSpec

	// embedded maps a step ID to the loop or parallel step that owns it.
	// Embedded steps are executed by sub-walks, never by the frontier.
	embedded map[string]string

	start string
}

// BuildGraph materializes a definition into an adjacency structure.
// It assumes the definition passed Validate; structural problems are
// still reported as errors rather than panics.
func BuildGraph(def *Definition) (*Graph, error) {
	g := &Graph{
		def:      def,
		steps:    make(map[string]*StepSpec, len(def.Steps)),
		out:      make(map[string][]*ConnectionSpec),
		in:       make(map[string][]*ConnectionSpec),
		embedded: make(map[string]string),
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		if _, dup := g.steps[s.ID]; dup {
			return nil, fmt.Errorf("definition %s: duplicate step id %q", def.ID, s.ID)
		}
		g.steps[s.ID] = s
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		switch s.Kind {
		case KindLoop:
			if s.Loop == nil {
				continue
			}
			for _, bodyID := range s.Loop.Body {
				g.embedded[bodyID] = s.ID
			}
		case KindParallel:
			if s.Parallel == nil {
				continue
			}
			for _, br := range s.Parallel.Branches {
				for _, stepID := range br.Steps {
					g.embedded[stepID] = s.ID
				}
			}
		}
	}

	for i := range def.Connections {
		c := &def.Connections[i]
		if _, ok := g.steps[c.Source]; !ok {
			return nil, fmt.Errorf("definition %s: connection source %q not found", def.ID, c.Source)
		}
		if _, ok := g.steps[c.Target]; !ok {
			return nil, fmt.Errorf("definition %s: connection target %q not found", def.ID, c.Target)
		}
		g.out[c.Source] = append(g.out[c.Source], c)
		g.in[c.Target] = append(g.in[c.Target], c)
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		if g.IsEmbedded(s.ID) {
			continue
		}
		if len(g.in[s.ID]) == 0 {
			if g.start != "" {
				return nil, fmt.Errorf("definition %s: multiple start steps (%q, %q)", def.ID, g.start, s.ID)
			}
			g.start = s.ID
		}
	}
	if g.start == "" && len(def.Steps) > 0 {
		return nil, fmt.Errorf("definition %s: no start step", def.ID)
	}

	return g, nil
}

// Definition returns the definition this graph was built from.
func (g *Graph) Definition() *Definition { return g.def }

// Start returns the ID of the designated start step.
func (g *Graph) Start() string { return g.start }

// Step returns the step spec for an ID, or nil.
func (g *Graph) Step(stepID string) *StepSpec { return g.steps[stepID] }

// Outgoing returns the outgoing connections of a step.
func (g *Graph) Outgoing(stepID string) []*ConnectionSpec { return g.out[stepID] }

// Incoming returns the incoming connections of a step.
func (g *Graph) Incoming(stepID string) []*ConnectionSpec { return g.in[stepID] }

// IsEmbedded reports whether the step belongs to a loop body or parallel
// branch rather than the top-level graph.
func (g *Graph) IsEmbedded(stepID string) bool {
	_, ok := g.embedded[stepID]
	return ok
}

// TopLevel returns the IDs of all steps walked by the frontier (everything
// not embedded in a loop body or parallel branch).
func (g *Graph) TopLevel() []string {
	ids := make([]string, 0, len(g.steps))
	for sid := range g.steps {
		if !g.IsEmbedded(sid) {
			ids = append(ids, sid)
		}
	}
	return ids
}

// findCycle runs a DFS over the top-level graph and returns the ID of a
// step on an undeclared cycle, or "". Loop bodies are exempt: cycles are
// legal only inside an explicitly typed loop step.
func (g *Graph) findCycle() string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.steps))

	var visit func(stepID string) string
	visit = func(stepID string) string {
		color[stepID] = grey
		for _, c := range g.out[stepID] {
			if g.IsEmbedded(c.Target) {
				continue
			}
			switch color[c.Target] {
			case grey:
				return c.Target
			case white:
				if hit := visit(c.Target); hit != "" {
					return hit
				}
			}
		}
		color[stepID] = black
		return ""
	}

	for sid := range g.steps {
		if g.IsEmbedded(sid) {
			continue
		}
		if color[sid] == white {
			if hit := visit(sid); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// reachable returns the set of top-level steps reachable from the start.
func (g *Graph) reachable() map[string]bool {
	seen := make(map[string]bool, len(g.steps))
	if g.start == "" {
		return seen
	}
	stack := []string{g.start}
	for len(stack) > 0 {
		sid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[sid] {
			continue
		}
		seen[sid] = true
		for _, c := range g.out[sid] {
			if !seen[c.Target] && !g.IsEmbedded(c.Target) {
				stack = append(stack, c.Target)
			}
		}
	}
	return seen
}

// ──────────────────────────────────────────────────
// Cache
// ──────────────────────────────────────────────────

type graphKey struct {
	workflowID string
	version    int
}

// GraphCache caches built graphs by (workflowID, version). Definitions
// are immutable once published, so entries never invalidate.
type GraphCache struct {
	mu     sync.RWMutex
	graphs map[graphKey]*Graph
}

// NewGraphCache creates an empty cache.
func NewGraphCache() *GraphCache {
	return &GraphCache{graphs: make(map[graphKey]*Graph)}
}

// Get returns the cached graph for a definition, building it on first use.
func (c *GraphCache) Get(def *Definition) (*Graph, error) {
	key := graphKey{workflowID: def.ID.String(), version: def.Version}

	c.mu.RLock()
	g, ok := c.graphs[key]
	c.mu.RUnlock()
	if ok {
		return g, nil
	}

	g, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.graphs[key] = g
	c.mu.Unlock()
	return g, nil
}
