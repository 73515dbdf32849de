// Package workflow runs coordinations through a small state graph:
//
//	initialize -> dispatch -> collect -> check_emergency
//	    -> emergency_escalation -> synthesize
//	    -> synthesize
//
// One graph is built per coordination strategy, so all four strategies share
// the emergency escalation path.
package workflow

import (
	"context"
	"fmt"
	"slices"

	"mosaic-ai/internal/domain"
)

// End is the terminal pseudo-node.
const End = "__end__"

// State flows through the graph. Nodes never mutate it; they return a Patch
// that the executor merges with the reducers below.
type State struct {
	Request    domain.CoordinationRequest
	Result     domain.CoordinationResult
	Responses  []domain.AgentResponse
	Completed  []string
	Errors     []domain.AgentError
	Emergency  bool
	Indicators []string
	Escalated  bool
	Synthesis  string
	Visited    []string
}

// Patch is a partial state update. Nil pointers leave a field untouched.
type Patch struct {
	Request    *domain.CoordinationRequest
	Result     *domain.CoordinationResult
	Responses  []domain.AgentResponse // concatenated
	Completed  []string               // set union
	Errors     []domain.AgentError    // appended
	Emergency  *bool
	Indicators []string // set union
	Escalated  *bool
	Synthesis  *string
}

// Apply merges p into s and returns the new state.
func (s State) Apply(p Patch) State {
	if p.Request != nil {
		s.Request = *p.Request
	}
	if p.Result != nil {
		s.Result = *p.Result
	}
	s.Responses = concat(s.Responses, p.Responses)
	s.Completed = union(s.Completed, p.Completed)
	s.Errors = concat(s.Errors, p.Errors)
	if p.Emergency != nil {
		s.Emergency = *p.Emergency
	}
	s.Indicators = union(s.Indicators, p.Indicators)
	if p.Escalated != nil {
		s.Escalated = *p.Escalated
	}
	if p.Synthesis != nil {
		s.Synthesis = *p.Synthesis
	}
	return s
}

func concat[T any](a, b []T) []T {
	if len(b) == 0 {
		return a
	}
	out := make([]T, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func union(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// NodeFunc is one step of the graph.
type NodeFunc func(ctx context.Context, s State) (Patch, error)

// EdgeFunc picks the next node from the state after a node ran.
type EdgeFunc func(s State) string

// Graph is a directed graph of named nodes.
type Graph struct {
	name  string
	entry string
	nodes map[string]NodeFunc
	edges map[string]EdgeFunc
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:  name,
		nodes: make(map[string]NodeFunc),
		edges: make(map[string]EdgeFunc),
	}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// AddNode registers a node. The first node added is the entry.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	if g.entry == "" {
		g.entry = name
	}
	g.nodes[name] = fn
	return g
}

// AddEdge adds an unconditional edge.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = func(State) string { return to }
	return g
}

// AddConditionalEdge routes from a node by inspecting the state.
func (g *Graph) AddConditionalEdge(from string, fn EdgeFunc) *Graph {
	g.edges[from] = fn
	return g
}

// Validate checks that every node has an outgoing edge.
func (g *Graph) Validate() error {
	if g.entry == "" {
		return domain.NewDomainError("Graph.Validate", domain.ErrConfiguration, g.name+": no nodes")
	}
	for name := range g.nodes {
		if _, ok := g.edges[name]; !ok {
			return domain.NewDomainError("Graph.Validate", domain.ErrConfiguration,
				fmt.Sprintf("%s: node %q has no outgoing edge", g.name, name))
		}
	}
	return nil
}

// Run executes the graph from its entry node until End. A node error stops
// the run and is returned with the state reached so far.
func (g *Graph) Run(ctx context.Context, s State) (State, error) {
	maxSteps := 4 * len(g.nodes)
	current := g.entry
	for step := 0; current != End; step++ {
		if step >= maxSteps {
			return s, domain.NewDomainError("Graph.Run", domain.ErrConfiguration,
				fmt.Sprintf("%s: exceeded %d steps", g.name, maxSteps))
		}
		if err := ctx.Err(); err != nil {
			return s, err
		}
		fn, ok := g.nodes[current]
		if !ok {
			return s, domain.NewDomainError("Graph.Run", domain.ErrConfiguration,
				fmt.Sprintf("%s: unknown node %q", g.name, current))
		}
		patch, err := fn(ctx, s)
		if err != nil {
			return s, fmt.Errorf("%s: %w", current, err)
		}
		s = s.Apply(patch)
		s.Visited = append(s.Visited, current)
		current = g.edges[current](s)
	}
	return s, nil
}
