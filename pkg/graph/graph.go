// Package graph runs small state machines whose nodes are pure State -> State
// functions connected by static or conditional edges.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// End is the terminal pseudo-node.
const End = "__END__"

// ErrStepLimit is returned when execution does not reach End within the step budget.
var ErrStepLimit = errors.New("graph: step limit reached before END")

// NodeFunc transforms the state.
type NodeFunc[S any] func(ctx context.Context, state S) (S, error)

// RouterFunc picks the outgoing decision for a conditional edge.
type RouterFunc[S any] func(state S) string

type edge[S any] struct {
	to          string
	router      RouterFunc[S]
	conditional map[string]string
}

// Graph is a directed graph over state type S.
type Graph[S any] struct {
	name       string
	nodes      map[string]NodeFunc[S]
	edges      map[string]edge[S]
	entryPoint string
	Logger     *slog.Logger
}

func New[S any](name string) *Graph[S] {
	return &Graph[S]{
		name:   name,
		nodes:  make(map[string]NodeFunc[S]),
		edges:  make(map[string]edge[S]),
		Logger: slog.Default(),
	}
}

func (g *Graph[S]) AddNode(name string, fn NodeFunc[S]) {
	g.nodes[name] = fn
}

func (g *Graph[S]) SetEntryPoint(name string) {
	g.entryPoint = name
}

func (g *Graph[S]) SetFinishPoint(name string) {
	g.AddEdge(name, End)
}

func (g *Graph[S]) AddEdge(from, to string) {
	g.edges[from] = edge[S]{to: to}
}

// AddConditionalEdges routes out of from by mapping the router's decision through m.
func (g *Graph[S]) AddConditionalEdges(from string, router RouterFunc[S], m map[string]string) {
	g.edges[from] = edge[S]{router: router, conditional: m}
}

// Validate checks that every edge points at a known node.
func (g *Graph[S]) Validate() error {
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return fmt.Errorf("graph %s: entry point %q not found", g.name, g.entryPoint)
	}
	for from, e := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("graph %s: edge from unknown node %q", g.name, from)
		}
		targets := []string{e.to}
		if e.router != nil {
			targets = targets[:0]
			for _, to := range e.conditional {
				targets = append(targets, to)
			}
		}
		for _, to := range targets {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("graph %s: edge %q -> unknown node %q", g.name, from, to)
			}
		}
	}
	return nil
}

// Execute runs from the entry point until End. A node without an outgoing edge
// ends the run. maxSteps bounds the number of node executions.
func (g *Graph[S]) Execute(ctx context.Context, initial S, maxSteps int) (S, error) {
	state := initial
	if err := g.Validate(); err != nil {
		return state, err
	}

	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	current := g.entryPoint
	for step := 0; step < maxSteps; step++ {
		if current == End {
			return state, nil
		}
		if err := ctx.Err(); err != nil {
			return state, fmt.Errorf("graph %s: cancelled before node %q: %w", g.name, current, err)
		}

		logger.Debug("Executing node", "graph", g.name, "node", current, "step", step)
		next, err := g.nodes[current](ctx, state)
		if err != nil {
			return state, fmt.Errorf("graph %s: node %q: %w", g.name, current, err)
		}
		state = next

		e, ok := g.edges[current]
		if !ok {
			return state, nil
		}
		if e.router == nil {
			current = e.to
			continue
		}

		decision := e.router(state)
		to, ok := e.conditional[decision]
		if !ok {
			return state, fmt.Errorf("graph %s: no mapping for decision %q from node %q", g.name, decision, current)
		}
		logger.Debug("Routing", "graph", g.name, "from", current, "decision", decision, "to", to)
		current = to
	}

	if current == End {
		return state, nil
	}
	return state, fmt.Errorf("graph %s: %w (%d steps, next node %q)", g.name, ErrStepLimit, maxSteps, current)
}
